package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	docxDocumentXMLPath = "word/document.xml"
	contentTypesPath    = "[Content_Types].xml"
	docxMainContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"
)

var (
	// <w:p> or <w:p attrs>, but not <w:pPr>, <w:proofErr> or a self-closing <w:p/>.
	wParagraph = regexp.MustCompile(`(?s)<w:p(?:\s[^>]*[^/])?>(.*?)</w:p>`)
	wText      = regexp.MustCompile(`<w:t(?:\s[^>]*)?>([^<]*)</w:t>`)
	aParagraph = regexp.MustCompile(`(?s)<a:p(?:\s[^>]*[^/])?>(.*?)</a:p>`)
	aText      = regexp.MustCompile(`<a:t(?:\s[^>]*)?>([^<]*)</a:t>`)
	slideName  = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

	// Override elements may list PartName and ContentType in either order.
	mainPartName = regexp.MustCompile(`<Override[^>]+PartName="([^"]+)"[^>]+ContentType="` + regexp.QuoteMeta(docxMainContentType) + `"`)
	mainPartRev  = regexp.MustCompile(`<Override[^>]+ContentType="` + regexp.QuoteMeta(docxMainContentType) + `"[^>]+PartName="([^"]+)"`)
)

func openZip(content []byte, format string) (*zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("extract %s: not a zip: %w", format, err)
	}
	return zr, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	return data, nil
}

func findZipFile(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// paragraphs returns the text of each paragraph matched by para, with its runs (matched by run)
// concatenated. Empty paragraphs are dropped.
func paragraphs(xml string, para, run *regexp.Regexp) []string {
	var out []string
	for _, p := range para.FindAllStringSubmatch(xml, -1) {
		var b strings.Builder
		for _, r := range run.FindAllStringSubmatch(p[1], -1) {
			b.WriteString(html.UnescapeString(r[1]))
		}
		if text := strings.TrimSpace(b.String()); text != "" {
			out = append(out, text)
		}
	}
	return out
}

// docxMainPart returns the main document part named in [Content_Types].xml, or the default path.
func docxMainPart(zr *zip.Reader) string {
	f := findZipFile(zr, contentTypesPath)
	if f == nil {
		return docxDocumentXMLPath
	}
	data, err := readZipFile(f)
	if err != nil {
		return docxDocumentXMLPath
	}
	for _, re := range []*regexp.Regexp{mainPartName, mainPartRev} {
		if m := re.FindSubmatch(data); len(m) > 1 {
			return strings.TrimPrefix(string(m[1]), "/")
		}
	}
	return docxDocumentXMLPath
}

// extractDOCX returns the raw text of a .docx package, one paragraph per block
// separated by blank lines.
func extractDOCX(content []byte) (string, error) {
	zr, err := openZip(content, "DOCX")
	if err != nil {
		return "", err
	}
	docPath := docxMainPart(zr)
	f := findZipFile(zr, docPath)
	if f == nil {
		return "", fmt.Errorf("extract DOCX: %s not found", docPath)
	}
	data, err := readZipFile(f)
	if err != nil {
		return "", fmt.Errorf("extract DOCX: %w", err)
	}
	return strings.Join(paragraphs(string(data), wParagraph, wText), "\n\n"), nil
}

// extractPPTX returns slide text in slide order; lines of one slide are kept together
// and slides are separated by blank lines.
func extractPPTX(content []byte) (string, error) {
	zr, err := openZip(content, "PPTX")
	if err != nil {
		return "", err
	}
	type slide struct {
		n int
		f *zip.File
	}
	var slides []slide
	for _, f := range zr.File {
		m := slideName.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		slides = append(slides, slide{n: n, f: f})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].n < slides[j].n })

	var blocks []string
	for _, s := range slides {
		data, err := readZipFile(s.f)
		if err != nil {
			return "", fmt.Errorf("extract PPTX: %w", err)
		}
		if lines := paragraphs(string(data), aParagraph, aText); len(lines) > 0 {
			blocks = append(blocks, strings.Join(lines, "\n"))
		}
	}
	return strings.Join(blocks, "\n\n"), nil
}
