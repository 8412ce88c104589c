package extract

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// contentSelectors are tried in order; the first one present in the page supplies the text.
var contentSelectors = []string{"article", "main", ".content, .post", "body"}

// ExtractURL fetches url and returns the static text of its main content region.
// Scripts and styles are removed; no JavaScript is executed.
func (e *Extractor) ExtractURL(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse HTML: %w", err)
	}
	return mainText(doc), nil
}

func mainText(doc *goquery.Document) string {
	doc.Find("script, style").Remove()
	for _, sel := range contentSelectors {
		if found := doc.Find(sel).First(); found.Length() > 0 {
			return strings.TrimSpace(found.Text())
		}
	}
	return ""
}
