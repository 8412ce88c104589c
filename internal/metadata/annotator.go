// Package metadata derives learning metadata for a chunk of text through a language model.
package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/nuggetize/internal/llm"
	"github.com/hyperjump/nuggetize/internal/models"
	"github.com/hyperjump/nuggetize/pkg/utils"
)

const (
	// DefaultMaxChars caps the chunk text sent to the model.
	DefaultMaxChars = 4000
	temperature     = 0.3
)

const systemPrompt = `You are a learning content analyzer. Extract metadata from learning content and return ONLY valid JSON in this exact format:
{
  "topics": ["topic1", "topic2"],
  "difficulty": 5,
  "prerequisites": ["prereq1", "prereq2"],
  "estimatedTime": 10,
  "relatedConcepts": ["concept1", "concept2"]
}`

// ErrNotObject is returned by Normalize when the response is not a JSON object.
var ErrNotObject = errors.New("metadata response is not a JSON object")

// Annotator asks a model for NuggetMetadata and normalizes the answer.
type Annotator struct {
	completer llm.Completer
	model     string
	maxChars  int
	logger    *zap.Logger
}

// Option configures an Annotator.
type Option func(*Annotator)

// WithModel sets the model name passed with each request.
func WithModel(model string) Option {
	return func(a *Annotator) { a.model = model }
}

// WithMaxChars sets how much of the chunk is sent to the model.
func WithMaxChars(n int) Option {
	return func(a *Annotator) {
		if n > 0 {
			a.maxChars = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Annotator) { a.logger = l }
}

// NewAnnotator creates an annotator backed by completer.
func NewAnnotator(completer llm.Completer, opts ...Option) *Annotator {
	a := &Annotator{completer: completer, maxChars: DefaultMaxChars}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = utils.OrNop(a.logger)
	return a
}

// Annotate returns metadata for text. It never fails: any provider or parse error
// yields models.DefaultNuggetMetadata.
func (a *Annotator) Annotate(ctx context.Context, text string) models.NuggetMetadata {
	resp, err := a.completer.Complete(ctx, llm.CompletionRequest{
		Model:       a.model,
		System:      systemPrompt,
		User:        "Extract metadata from this content:\n\n" + utils.Clip(text, a.maxChars),
		Temperature: temperature,
		JSON:        true,
	})
	if err != nil {
		a.logger.Error("failed to extract metadata", zap.Int("content_length", len(text)), zap.Error(err))
		return models.DefaultNuggetMetadata()
	}
	md, err := Normalize([]byte(resp))
	if err != nil {
		a.logger.Error("failed to parse metadata", zap.Int("content_length", len(text)), zap.Error(err))
		return models.DefaultNuggetMetadata()
	}
	return md
}

// Normalize parses a model response into well-typed metadata. Difficulty is clamped to
// [1,10] (default 5), estimated time is at least 1 (default 5), and list fields that are
// not arrays become empty. Non-string list entries are dropped.
func Normalize(raw []byte) (models.NuggetMetadata, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return models.NuggetMetadata{}, ErrNotObject
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return models.NuggetMetadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	return models.NuggetMetadata{
		Topics:               stringList(fields["topics"]),
		Difficulty:           clamp(number(fields["difficulty"], 5), 1, 10),
		Prerequisites:        stringList(fields["prerequisites"]),
		EstimatedTimeMinutes: max(1, number(fields["estimatedTime"], 5)),
		RelatedConcepts:      stringList(fields["relatedConcepts"]),
	}, nil
}

func stringList(raw json.RawMessage) []string {
	out := []string{}
	var items []json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &items) != nil {
		return out
	}
	for _, item := range items {
		var s string
		if json.Unmarshal(item, &s) == nil {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// number reads a JSON number or numeric string, rounding to the nearest int.
// Missing, zero or non-numeric values return def.
func number(raw json.RawMessage, def int) int {
	if len(raw) == 0 {
		return def
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return def
		}
		if f, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return def
		}
	}
	if f == 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return def
	}
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	if f < math.MinInt32 {
		return math.MinInt32
	}
	return int(math.Round(f))
}

func clamp(v, lo, hi int) int {
	return min(hi, max(lo, v))
}
