package keyword

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/nuggetize/internal/models"
)

// NuggetIndex implements Index using Bleve.
type NuggetIndex struct {
	index bleve.Index
}

// NewNuggetIndex creates or opens a Bleve index at path.
// If you change the index mapping in code, remove the index directory to rebuild it.
func NewNuggetIndex(path string) (*NuggetIndex, error) {
	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &NuggetIndex{index: index}, nil
	}

	index, err := bleve.New(path, buildMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &NuggetIndex{index: index}, nil
}

// NewMemoryNuggetIndex creates an index that lives only in memory.
func NewMemoryNuggetIndex() (*NuggetIndex, error) {
	index, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &NuggetIndex{index: index}, nil
}

func buildMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	// Standard analyzer: lowercase + tokenize, no stemming.
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("content", textFieldMapping)
	docMapping.AddFieldMappingsAt("topics", textFieldMapping)
	docMapping.AddFieldMappingsAt("related", textFieldMapping)
	docMapping.AddFieldMappingsAt("organization_id", bleve.NewKeywordFieldMapping())
	im.AddDocumentMapping("nugget", docMapping)
	im.DefaultType = "nugget"
	im.DefaultMapping = docMapping
	return im
}

// IndexNugget indexes a nugget's content and metadata terms by nugget ID.
func (b *NuggetIndex) IndexNugget(ctx context.Context, n *models.Nugget) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.index.Index(n.ID, document{
		OrganizationID: n.OrganizationID,
		Content:        n.Content,
		Topics:         n.Metadata.Topics,
		Related:        n.Metadata.RelatedConcepts,
	})
}

// Search returns up to limit nugget IDs in organizationID matching query, best first.
// When opts.TopicBoost > 1, content and topic matches are scored separately and added.
func (b *NuggetIndex) Search(ctx context.Context, organizationID, query string, limit int, opts *SearchOptions) ([]*Result, error) {
	if limit <= 0 {
		limit = 10
	}
	topicBoost := 1.0
	fuzzy := false
	fuzziness := 1
	if opts != nil {
		if opts.TopicBoost > 0 {
			topicBoost = opts.TopicBoost
		}
		fuzzy = opts.FuzzyEnabled
		if opts.Fuzziness > 0 {
			fuzziness = opts.Fuzziness
		}
	}

	if topicBoost <= 1.0 {
		hits, err := b.run(ctx, b.scoped(organizationID, b.termQuery(query, fuzzy, fuzziness, "")), limit)
		if err != nil {
			return nil, err
		}
		out := make([]*Result, len(hits))
		for i, hit := range hits {
			out[i] = &Result{ID: hit.id, Score: hit.score}
		}
		return out, nil
	}

	// Request enough from each so the merged top "limit" is correct.
	reqSize := limit * 2
	if reqSize < 50 {
		reqSize = 50
	}
	contentHits, err := b.run(ctx, b.scoped(organizationID, b.termQuery(query, fuzzy, fuzziness, "content")), reqSize)
	if err != nil {
		return nil, err
	}
	topicHits, err := b.run(ctx, b.scoped(organizationID, b.termQuery(query, fuzzy, fuzziness, "topics")), reqSize)
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64, len(contentHits)+len(topicHits))
	for _, h := range contentHits {
		scores[h.id] += h.score
	}
	for _, h := range topicHits {
		scores[h.id] += h.score * topicBoost
	}
	merged := make([]*Result, 0, len(scores))
	for id, score := range scores {
		merged = append(merged, &Result{ID: id, Score: score})
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].ID < merged[j].ID
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

type hit struct {
	id    string
	score float64
}

func (b *NuggetIndex) run(ctx context.Context, q blevequery.Query, size int) ([]hit, error) {
	req := bleve.NewSearchRequest(q)
	req.Size = size
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make([]hit, len(results.Hits))
	for i, h := range results.Hits {
		out[i] = hit{id: h.ID, score: h.Score}
	}
	return out, nil
}

// scoped restricts q to one organization. An empty organization searches all.
func (b *NuggetIndex) scoped(organizationID string, q blevequery.Query) blevequery.Query {
	if organizationID == "" {
		return q
	}
	org := bleve.NewTermQuery(organizationID)
	org.SetField("organization_id")
	return bleve.NewConjunctionQuery(org, q)
}

// termQuery builds a match query, or a disjunction of fuzzy term queries when fuzzy is set.
// An empty field searches all fields.
func (b *NuggetIndex) termQuery(query string, fuzzy bool, fuzziness int, field string) blevequery.Query {
	terms := tokenizeQuery(query)
	if !fuzzy || len(terms) == 0 {
		mq := bleve.NewMatchQuery(query)
		if field != "" {
			mq.SetField(field)
		}
		return mq
	}
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		if field != "" {
			fq.SetField(field)
		}
		queries = append(queries, fq)
	}
	if len(queries) == 1 {
		return queries[0]
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// tokenizeQuery splits query into lowercase terms.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// Delete removes a nugget from the index.
func (b *NuggetIndex) Delete(ctx context.Context, id string) error {
	return b.index.Delete(id)
}

// DocCount returns the number of indexed nuggets.
func (b *NuggetIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *NuggetIndex) Close() error {
	return b.index.Close()
}
