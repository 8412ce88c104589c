package metadata

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/hyperjump/nuggetize/internal/llm"
	"github.com/hyperjump/nuggetize/internal/models"
)

type stubCompleter struct {
	reply string
	err   error
	got   llm.CompletionRequest
}

func (s *stubCompleter) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	s.got = req
	return s.reply, s.err
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want models.NuggetMetadata
	}{
		{
			name: "well_formed",
			raw:  `{"topics":["cells","biology"],"difficulty":3,"prerequisites":["chemistry"],"estimatedTime":12,"relatedConcepts":["mitosis"]}`,
			want: models.NuggetMetadata{
				Topics: []string{"cells", "biology"}, Difficulty: 3, Prerequisites: []string{"chemistry"},
				EstimatedTimeMinutes: 12, RelatedConcepts: []string{"mitosis"},
			},
		},
		{
			name: "out_of_range_clamped",
			raw:  `{"topics":[],"difficulty":42,"prerequisites":[],"estimatedTime":-3,"relatedConcepts":[]}`,
			want: models.NuggetMetadata{
				Topics: []string{}, Difficulty: 10, Prerequisites: []string{},
				EstimatedTimeMinutes: 1, RelatedConcepts: []string{},
			},
		},
		{
			name: "negative_difficulty",
			raw:  `{"difficulty":-4}`,
			want: models.NuggetMetadata{
				Topics: []string{}, Difficulty: 1, Prerequisites: []string{},
				EstimatedTimeMinutes: 5, RelatedConcepts: []string{},
			},
		},
		{
			name: "non_array_lists",
			raw:  `{"topics":"cells","difficulty":"7","prerequisites":{"a":1},"estimatedTime":"soon","relatedConcepts":null}`,
			want: models.NuggetMetadata{
				Topics: []string{}, Difficulty: 7, Prerequisites: []string{},
				EstimatedTimeMinutes: 5, RelatedConcepts: []string{},
			},
		},
		{
			name: "mixed_list_entries",
			raw:  `{"topics":["a",1,null,"  ","b"],"difficulty":0}`,
			want: models.NuggetMetadata{
				Topics: []string{"a", "b"}, Difficulty: 5, Prerequisites: []string{},
				EstimatedTimeMinutes: 5, RelatedConcepts: []string{},
			},
		},
		{
			name: "fractional_values_rounded",
			raw:  `{"difficulty":6.6,"estimatedTime":2.4}`,
			want: models.NuggetMetadata{
				Topics: []string{}, Difficulty: 7, Prerequisites: []string{},
				EstimatedTimeMinutes: 2, RelatedConcepts: []string{},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNormalize_rejectsNonObjects(t *testing.T) {
	for _, raw := range []string{``, `[]`, `"text"`, `42`, `{"topics":`, `not json`} {
		if _, err := Normalize([]byte(raw)); err == nil {
			t.Errorf("Normalize(%q) should fail", raw)
		}
	}
}

func TestAnnotate_requestShape(t *testing.T) {
	stub := &stubCompleter{reply: `{"topics":["x"],"difficulty":2,"prerequisites":[],"estimatedTime":3,"relatedConcepts":[]}`}
	a := NewAnnotator(stub, WithModel("gpt-4o-mini"))

	text := strings.Repeat("z", 5000)
	md := a.Annotate(context.Background(), text)
	if md.Difficulty != 2 || md.EstimatedTimeMinutes != 3 || len(md.Topics) != 1 {
		t.Errorf("unexpected metadata %+v", md)
	}
	if !stub.got.JSON {
		t.Error("request should ask for JSON mode")
	}
	if stub.got.Temperature != 0.3 {
		t.Errorf("temperature = %v, want 0.3", stub.got.Temperature)
	}
	if stub.got.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", stub.got.Model)
	}
	body := strings.TrimPrefix(stub.got.User, "Extract metadata from this content:\n\n")
	if n := utf8.RuneCountInString(body); n != DefaultMaxChars {
		t.Errorf("sent %d chars of content, want %d", n, DefaultMaxChars)
	}
}

func TestAnnotate_fallsBackToDefaults(t *testing.T) {
	tests := []struct {
		name string
		stub *stubCompleter
	}{
		{"provider_error", &stubCompleter{err: errors.New("timeout")}},
		{"malformed_json", &stubCompleter{reply: `{"topics": [`}},
		{"array_response", &stubCompleter{reply: `["topics"]`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewAnnotator(tt.stub).Annotate(context.Background(), "some text")
			if !reflect.DeepEqual(got, models.DefaultNuggetMetadata()) {
				t.Errorf("got %+v, want defaults", got)
			}
		})
	}
}
