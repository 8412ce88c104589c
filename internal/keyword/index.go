// Package keyword maintains a Bleve full-text index over persisted nuggets.
package keyword

import (
	"context"

	"github.com/hyperjump/nuggetize/internal/models"
)

// Index is the keyword index the content processor writes to.
type Index interface {
	IndexNugget(ctx context.Context, n *models.Nugget) error
	Search(ctx context.Context, organizationID, query string, limit int, opts *SearchOptions) ([]*Result, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// SearchOptions are optional search parameters. Nil means exact matching.
type SearchOptions struct {
	// TopicBoost multiplies the score of matches in the topics field. Values <= 1 disable it.
	TopicBoost float64
	// FuzzyEnabled matches terms within Fuzziness edits.
	FuzzyEnabled bool
	// Fuzziness is the maximum Levenshtein distance (1 or 2). Defaults to 1.
	Fuzziness int
}

// Result is a single keyword search hit.
type Result struct {
	ID    string
	Score float64
}

// document is the indexed shape of a nugget.
type document struct {
	OrganizationID string   `json:"organization_id"`
	Content        string   `json:"content"`
	Topics         []string `json:"topics"`
	Related        []string `json:"related"`
}
