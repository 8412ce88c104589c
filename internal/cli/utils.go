// Package cli provides CLI output helpers for Nuggetize.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hyperjump/nuggetize/internal/models"
	"github.com/hyperjump/nuggetize/internal/urlwatch"
	"github.com/hyperjump/nuggetize/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseFormat returns the output format named by s. Unknown names fall back to text.
func ParseFormat(s string) OutputFormat {
	if strings.EqualFold(s, string(OutputJSON)) {
		return OutputJSON
	}
	return OutputText
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteJobs writes a job listing to w in the given format.
func WriteJobs(w io.Writer, jobs []*models.IngestionJob, format OutputFormat) error {
	if format == OutputJSON {
		if jobs == nil {
			jobs = []*models.IngestionJob{}
		}
		return writeJSON(w, jobs)
	}
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs.")
		return nil
	}
	fmt.Fprintf(w, "%-36s  %-10s  %-4s  %7s  %s\n", "ID", "STATUS", "KIND", "NUGGETS", "SOURCE")
	for _, j := range jobs {
		count := "-"
		if j.NuggetCount != nil {
			count = fmt.Sprintf("%d", *j.NuggetCount)
		}
		fmt.Fprintf(w, "%-36s  %-10s  %-4s  %7s  %s\n", j.ID, j.Status, j.Kind, count, Truncate(j.Source, 60))
	}
	return nil
}

// WriteJob writes one job with its outcome to w.
func WriteJob(w io.Writer, job *models.IngestionJob, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, job)
	}
	fmt.Fprintf(w, "Job:     %s\n", job.ID)
	fmt.Fprintf(w, "Kind:    %s\n", job.Kind)
	fmt.Fprintf(w, "Source:  %s\n", job.Source)
	fmt.Fprintf(w, "Status:  %s\n", job.Status)
	fmt.Fprintf(w, "Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil && job.CompletedAt != nil {
		fmt.Fprintf(w, "Took:    %s\n", job.CompletedAt.Sub(*job.StartedAt).Round(time.Millisecond))
	}
	if job.NuggetCount != nil {
		fmt.Fprintf(w, "Nuggets: %d\n", *job.NuggetCount)
	}
	if job.ErrorMessage != nil {
		fmt.Fprintf(w, "Error:   %s\n", *job.ErrorMessage)
	}
	return nil
}

// WriteNuggets writes nuggets with their topics and a content preview.
func WriteNuggets(w io.Writer, nuggets []*models.Nugget, format OutputFormat) error {
	if format == OutputJSON {
		if nuggets == nil {
			nuggets = []*models.Nugget{}
		}
		return writeJSON(w, nuggets)
	}
	fmt.Fprintf(w, "\n%d nuggets\n\n", len(nuggets))
	for i, n := range nuggets {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "[%d] %s | difficulty %d | ~%d min\n", i+1, n.ID, n.Metadata.Difficulty, n.Metadata.EstimatedTimeMinutes)
		if len(n.Metadata.Topics) > 0 {
			fmt.Fprintf(w, "Topics: %s\n", strings.Join(n.Metadata.Topics, ", "))
		}
		if n.ImageURL != nil {
			fmt.Fprintf(w, "Image: %s\n", *n.ImageURL)
		}
		fmt.Fprintf(w, "\n%s\n\n", TruncateWords(n.Content, 40))
	}
	return nil
}

// WriteURLSummary writes the outcome of a URL check cycle.
func WriteURLSummary(w io.Writer, sum urlwatch.Summary, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, sum)
	}
	fmt.Fprintf(w, "Checked %d URLs: %d changed, %d failed, %d skipped\n", sum.Checked, sum.Changed, sum.Failed, sum.Skipped)
	return nil
}

// Truncate truncates s to maxLen runes and appends "..." if truncated.
func Truncate(s string, maxLen int) string {
	return utils.Truncate(s, maxLen)
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
