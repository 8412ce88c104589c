package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/hyperjump/nuggetize/internal/models"
	"github.com/hyperjump/nuggetize/internal/urlwatch"
)

func intPtr(n int) *int              { return &n }
func strPtr(s string) *string        { return &s }
func timePtr(t time.Time) *time.Time { return &t }

func TestWriteJobs_JSON(t *testing.T) {
	jobs := []*models.IngestionJob{
		{ID: "job-1", Kind: models.KindFile, Source: "/tmp/a.pdf", Status: models.JobCompleted, NuggetCount: intPtr(3)},
	}
	var buf bytes.Buffer
	if err := WriteJobs(&buf, jobs, OutputJSON); err != nil {
		t.Fatalf("WriteJobs(json): %v", err)
	}
	var decoded []models.IngestionJob
	if err := json.NewDecoder(&buf).Decode(&decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if len(decoded) != 1 || decoded[0].ID != "job-1" || *decoded[0].NuggetCount != 3 {
		t.Errorf("decoded jobs: got %+v", decoded)
	}
}

func TestWriteJobs_JSON_empty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJobs(&buf, nil, OutputJSON); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("empty listing should encode as [], got %q", buf.String())
	}
}

func TestWriteJobs_text(t *testing.T) {
	jobs := []*models.IngestionJob{
		{ID: "job-1", Kind: models.KindURL, Source: "https://example.com", Status: models.JobPending},
		{ID: "job-2", Kind: models.KindFile, Source: "/tmp/b.txt", Status: models.JobCompleted, NuggetCount: intPtr(7)},
	}
	var buf bytes.Buffer
	if err := WriteJobs(&buf, jobs, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"job-1", "pending", "https://example.com", "job-2", "7"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}

	buf.Reset()
	_ = WriteJobs(&buf, nil, OutputText)
	if !strings.Contains(buf.String(), "No jobs") {
		t.Errorf("empty text listing: got %q", buf.String())
	}
}

func TestWriteJob_text(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	job := &models.IngestionJob{
		ID:           "job-9",
		Kind:         models.KindFile,
		Source:       "/tmp/x.pdf",
		Status:       models.JobFailed,
		ErrorMessage: strPtr("no text extracted from source"),
		CreatedAt:    start,
		StartedAt:    timePtr(start),
		CompletedAt:  timePtr(start.Add(1500 * time.Millisecond)),
	}
	var buf bytes.Buffer
	if err := WriteJob(&buf, job, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "Error:   no text extracted from source") {
		t.Errorf("missing error line:\n%s", out)
	}
	if !strings.Contains(out, "1.5s") {
		t.Errorf("missing duration:\n%s", out)
	}
	if strings.Contains(out, "Nuggets:") {
		t.Errorf("nugget count should be omitted when unset:\n%s", out)
	}
}

func TestWriteNuggets_text(t *testing.T) {
	md := models.DefaultNuggetMetadata()
	md.Topics = []string{"biology", "cells"}
	nuggets := []*models.Nugget{{ID: "n1", Content: "Cells divide by mitosis.", Metadata: md, ImageURL: strPtr("/storage/images/n1.png")}}
	var buf bytes.Buffer
	if err := WriteNuggets(&buf, nuggets, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"1 nuggets", "biology, cells", "/storage/images/n1.png", "mitosis"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestWriteURLSummary(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteURLSummary(&buf, urlwatch.Summary{Checked: 3, Changed: 1, Failed: 1}, OutputText)
	if got := buf.String(); !strings.Contains(got, "Checked 3 URLs: 1 changed, 1 failed, 0 skipped") {
		t.Errorf("summary text: got %q", got)
	}
	buf.Reset()
	_ = WriteURLSummary(&buf, urlwatch.Summary{Checked: 2}, OutputJSON)
	if !strings.Contains(buf.String(), `"checked": 2`) {
		t.Errorf("summary json: got %q", buf.String())
	}
}

func TestParseFormat(t *testing.T) {
	if ParseFormat("JSON") != OutputJSON {
		t.Error("JSON should parse case-insensitively")
	}
	if ParseFormat("yaml") != OutputText {
		t.Error("unknown formats should fall back to text")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		s      string
		maxLen int
		want   string
	}{
		{"empty", "", 5, ""},
		{"short", "hi", 5, "hi"},
		{"exact", "hello", 5, "hello"},
		{"long", "hello world", 5, "hello..."},
		{"maxLen zero", "ab", 0, "ab"},
		{"maxLen negative", "ab", -1, "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.s, tt.maxLen)
			if got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.s, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestTruncateWords(t *testing.T) {
	tests := []struct {
		name     string
		s        string
		maxWords int
		want     string
	}{
		{"empty", "", 3, ""},
		{"few words", "one two", 3, "one two"},
		{"exact", "one two three", 3, "one two three"},
		{"more", "one two three four", 3, "one two three..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateWords(tt.s, tt.maxWords)
			if got != tt.want {
				t.Errorf("TruncateWords(%q, %d) = %q, want %q", tt.s, tt.maxWords, got, tt.want)
			}
		})
	}
}
