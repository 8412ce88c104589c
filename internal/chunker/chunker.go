// Package chunker splits extracted text into topically coherent, token-bounded chunks.
package chunker

import (
	"context"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/hyperjump/nuggetize/internal/embedding"
	"github.com/hyperjump/nuggetize/internal/vector"
	"github.com/hyperjump/nuggetize/pkg/utils"
)

// Chunk is one slice of the source text. Paragraphs lists the source paragraph indices it
// covers; Core is the text before neighbour overlap was added, Text the text after.
type Chunk struct {
	Text       string
	Core       string
	Paragraphs []int
	StartIndex int
	EndIndex   int
}

// Options controls chunk boundaries.
type Options struct {
	SimilarityThreshold float64
	MaxTokens           int
	OverlapPercent      float64
	EmbedCharLimit      int
}

// DefaultOptions returns the standard chunking parameters.
func DefaultOptions() Options {
	return Options{
		SimilarityThreshold: 0.85,
		MaxTokens:           2000,
		OverlapPercent:      0.15,
		EmbedCharLimit:      8000,
	}
}

// Chunker groups adjacent paragraphs by embedding similarity.
type Chunker struct {
	embedder embedding.Embedder
	opts     Options
	logger   *zap.Logger
}

// ChunkerOption configures a Chunker.
type ChunkerOption func(*Chunker)

// WithLogger sets the logger used to report embedding fallbacks.
func WithLogger(l *zap.Logger) ChunkerOption {
	return func(c *Chunker) { c.logger = l }
}

// NewChunker creates a chunker that uses embedder as its similarity oracle.
// Zero fields in opts take their default values.
func NewChunker(embedder embedding.Embedder, opts Options, options ...ChunkerOption) *Chunker {
	def := DefaultOptions()
	if opts.SimilarityThreshold == 0 {
		opts.SimilarityThreshold = def.SimilarityThreshold
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = def.MaxTokens
	}
	if opts.OverlapPercent <= 0 {
		opts.OverlapPercent = def.OverlapPercent
	}
	if opts.EmbedCharLimit <= 0 {
		opts.EmbedCharLimit = def.EmbedCharLimit
	}
	c := &Chunker{embedder: embedder, opts: opts}
	for _, o := range options {
		o(c)
	}
	c.logger = utils.OrNop(c.logger)
	return c
}

var blankLines = regexp.MustCompile(`\n\s*\n`)

// SplitParagraphs splits text on blank lines into trimmed, non-empty paragraphs.
func SplitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range blankLines.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// EstimateTokens approximates the token count of text as ceil(chars / 4).
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// Chunk splits text into ordered chunks. Empty or whitespace-only text yields no chunks.
// Embedding failures are absorbed with a zero vector, so Chunk never fails.
func (c *Chunker) Chunk(ctx context.Context, text string) []Chunk {
	paras := SplitParagraphs(text)
	if len(paras) == 0 {
		return nil
	}
	vectors := c.embedParagraphs(ctx, paras)
	var chunks []Chunk
	for _, group := range c.cluster(vectors) {
		chunks = append(chunks, c.pack(paras, group)...)
	}
	c.applyOverlap(chunks)
	return chunks
}

func (c *Chunker) embedParagraphs(ctx context.Context, paras []string) [][]float32 {
	vectors := make([][]float32, len(paras))
	for i, p := range paras {
		v, err := c.embedder.Embed(ctx, utils.Clip(p, c.opts.EmbedCharLimit))
		if err != nil {
			c.logger.Warn("paragraph embedding failed, using zero vector",
				zap.Int("paragraph", i),
				zap.Error(err))
			v = make([]float32, c.embedder.Dimensions())
		}
		vectors[i] = v
	}
	return vectors
}

// cluster groups paragraph indices greedily: paragraph i joins the open group when its
// similarity to paragraph i-1 exceeds the threshold.
func (c *Chunker) cluster(vectors [][]float32) [][]int {
	groups := [][]int{{0}}
	for i := 1; i < len(vectors); i++ {
		if vector.CosineSimilarity(vectors[i-1], vectors[i]) > c.opts.SimilarityThreshold {
			last := len(groups) - 1
			groups[last] = append(groups[last], i)
			continue
		}
		groups = append(groups, []int{i})
	}
	return groups
}

// pack turns one group into chunks that stay within MaxTokens. A single paragraph larger
// than the cap becomes its own oversized chunk.
func (c *Chunker) pack(paras []string, group []int) []Chunk {
	var (
		out     []Chunk
		current []int
		text    string
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		out = append(out, Chunk{
			Text:       text,
			Core:       text,
			Paragraphs: current,
			StartIndex: current[0],
			EndIndex:   current[len(current)-1],
		})
		current, text = nil, ""
	}
	for _, idx := range group {
		candidate := paras[idx]
		if text != "" {
			candidate = text + "\n\n" + paras[idx]
		}
		if text != "" && EstimateTokens(candidate) > c.opts.MaxTokens {
			flush()
			candidate = paras[idx]
		}
		current = append(current, idx)
		text = candidate
	}
	flush()
	return out
}

// applyOverlap adds the tail of the previous chunk and the head of the next one,
// both taken from the neighbours' core text.
func (c *Chunker) applyOverlap(chunks []Chunk) {
	if len(chunks) < 2 {
		return
	}
	for i := range chunks {
		text := chunks[i].Core
		if i > 0 {
			text = tail(chunks[i-1].Core, c.opts.OverlapPercent) + "\n\n" + text
		}
		if i < len(chunks)-1 {
			text = text + "\n\n" + head(chunks[i+1].Core, c.opts.OverlapPercent)
		}
		chunks[i].Text = text
	}
}

func overlapSize(n int, pct float64) int {
	size := int(math.Floor(float64(n) * pct))
	if size < 1 && n > 0 {
		size = 1
	}
	return size
}

func head(s string, pct float64) string {
	r := []rune(s)
	return string(r[:overlapSize(len(r), pct)])
}

func tail(s string, pct float64) string {
	r := []rune(s)
	return string(r[len(r)-overlapSize(len(r), pct):])
}
