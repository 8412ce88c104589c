// Package extract turns files and web pages into plain text.
package extract

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/nuggetize/internal/models"
	"github.com/hyperjump/nuggetize/pkg/utils"
)

// DefaultUserAgent identifies URL fetches when no user agent is configured.
const DefaultUserAgent = "Mozilla/5.0 (compatible; Nuggetize/1.0)"

// Extractor extracts plain text from document files and web pages.
type Extractor struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithHTTPClient sets the client used for URL sources.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Extractor) {
		if c != nil {
			e.client = c
		}
	}
}

// WithUserAgent sets the User-Agent header sent with URL fetches.
func WithUserAgent(ua string) Option {
	return func(e *Extractor) {
		if ua != "" {
			e.userAgent = ua
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Extractor) {
		e.logger = l
	}
}

// NewExtractor returns a new Extractor.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{
		client:    &http.Client{Timeout: 30 * time.Second},
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = utils.OrNop(e.logger)
	return e
}

// Extract returns the text of source, read as a local file or fetched as a URL depending on kind.
// Every failure is an *ExtractionError. No retries are attempted.
func (e *Extractor) Extract(ctx context.Context, source string, kind models.SourceKind) (string, error) {
	var (
		text string
		err  error
	)
	switch kind {
	case models.KindFile:
		text, err = e.ExtractFile(source)
	case models.KindURL:
		text, err = e.ExtractURL(ctx, source)
	default:
		err = fmt.Errorf("unknown source kind %q", kind)
	}
	if err != nil {
		return "", &ExtractionError{Source: source, Kind: kind, Err: err}
	}
	e.logger.Debug("extracted text",
		zap.String("source", source),
		zap.String("kind", string(kind)),
		zap.Int("chars", len(text)))
	return text, nil
}

// ExtractFile reads the file at path and returns its text content.
// The extension is checked before the file is read so unsupported types fail immediately.
func (e *Extractor) ExtractFile(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !Supported(ext) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return e.ExtractBytes(content, ext)
}

// ExtractBytes extracts text from content based on the given extension.
// ext should include the leading dot (e.g. ".pdf").
func (e *Extractor) ExtractBytes(content []byte, ext string) (string, error) {
	switch strings.ToLower(ext) {
	case ".pdf":
		return extractPDF(content)
	case ".docx":
		return extractDOCX(content)
	case ".pptx":
		return extractPPTX(content)
	case ".xlsx":
		return extractExcel(content)
	case ".odt", ".rtf":
		return extractOpenDocument(content)
	case ".txt", ".md", ".markdown":
		return extractPlain(content)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// Supported reports whether ext (with leading dot) has an extractor.
func Supported(ext string) bool {
	switch strings.ToLower(ext) {
	case ".pdf", ".docx", ".pptx", ".xlsx", ".odt", ".rtf", ".txt", ".md", ".markdown":
		return true
	}
	return false
}
