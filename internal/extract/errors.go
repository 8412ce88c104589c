package extract

import (
	"errors"
	"fmt"

	"github.com/hyperjump/nuggetize/internal/models"
)

// ErrUnsupportedFormat is wrapped by ExtractionError when a file extension has no extractor.
var ErrUnsupportedFormat = errors.New("unsupported file type")

// ExtractionError reports a failure to turn a source into text. It is fatal to the job.
type ExtractionError struct {
	Source string
	Kind   models.SourceKind
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s %s: %v", e.Kind, e.Source, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// HTTPStatusError is returned when a URL fetch answers with a non-2xx status.
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %s", e.Status)
}
