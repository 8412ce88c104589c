package chunker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"
)

// topicEmbedder maps a paragraph to a one-hot vector chosen by its first word, so
// paragraphs that share a first word are identical and others are orthogonal.
type topicEmbedder struct {
	topics map[string]int
	inputs []string
	fail   bool
}

func newTopicEmbedder() *topicEmbedder {
	return &topicEmbedder{topics: map[string]int{}}
}

func (e *topicEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.inputs = append(e.inputs, text)
	if e.fail {
		return nil, errors.New("embedding provider unavailable")
	}
	word := strings.Fields(text)[0]
	idx, ok := e.topics[word]
	if !ok {
		idx = len(e.topics) % e.Dimensions()
		e.topics[word] = idx
	}
	v := make([]float32, e.Dimensions())
	v[idx] = 1
	return v, nil
}

func (e *topicEmbedder) Dimensions() int { return 16 }

func paragraphIndices(chunks []Chunk) []int {
	var out []int
	for _, c := range chunks {
		out = append(out, c.Paragraphs...)
	}
	return out
}

func TestChunk_Empty(t *testing.T) {
	c := NewChunker(newTopicEmbedder(), DefaultOptions())
	for _, text := range []string{"", "   \n\n  ", "\n\n\n"} {
		if got := c.Chunk(context.Background(), text); len(got) != 0 {
			t.Errorf("Chunk(%q) returned %d chunks, want 0", text, len(got))
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{strings.Repeat("a", 400), 100},
		{"", 0},
		{"a", 1},
		{"abcde", 2},
		{"日本語です", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestSplitParagraphs(t *testing.T) {
	got := SplitParagraphs("  first\nstill first \n\n\n second\r\n\r\nthird\n   \nfourth  ")
	want := []string{"first\nstill first", "second", "third", "fourth"}
	if len(got) != len(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("paragraph %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestChunk_GroupsAdjacentSimilarParagraphs(t *testing.T) {
	text := "alpha one\n\nalpha two\n\nbeta three\n\nalpha four"
	chunks := NewChunker(newTopicEmbedder(), DefaultOptions()).Chunk(context.Background(), text)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	wantParas := [][]int{{0, 1}, {2}, {3}}
	for i, c := range chunks {
		if fmt.Sprint(c.Paragraphs) != fmt.Sprint(wantParas[i]) {
			t.Errorf("chunk %d paragraphs = %v, want %v", i, c.Paragraphs, wantParas[i])
		}
		if c.StartIndex != wantParas[i][0] || c.EndIndex != wantParas[i][len(wantParas[i])-1] {
			t.Errorf("chunk %d range = [%d,%d]", i, c.StartIndex, c.EndIndex)
		}
	}
	if chunks[0].Core != "alpha one\n\nalpha two" {
		t.Errorf("chunk 0 core = %q", chunks[0].Core)
	}
}

func TestChunk_TokenCapSplitsWithinCluster(t *testing.T) {
	para := "alpha " + strings.Repeat("x", 14) // 20 chars
	text := strings.Join([]string{para, para, para}, "\n\n")
	opts := DefaultOptions()
	opts.MaxTokens = 11 // two paragraphs plus separator are 42 chars = 11 tokens

	chunks := NewChunker(newTopicEmbedder(), opts).Chunk(context.Background(), text)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if fmt.Sprint(chunks[0].Paragraphs) != "[0 1]" || fmt.Sprint(chunks[1].Paragraphs) != "[2]" {
		t.Errorf("paragraphs = %v / %v", chunks[0].Paragraphs, chunks[1].Paragraphs)
	}
	for i, c := range chunks {
		if EstimateTokens(c.Core) > opts.MaxTokens {
			t.Errorf("chunk %d core exceeds cap: %d tokens", i, EstimateTokens(c.Core))
		}
	}
}

func TestChunk_OversizedParagraphIsNotSplit(t *testing.T) {
	big := "alpha " + strings.Repeat("y", 200)
	opts := DefaultOptions()
	opts.MaxTokens = 5
	chunks := NewChunker(newTopicEmbedder(), opts).Chunk(context.Background(), big+"\n\nalpha tail")
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].Core != big {
		t.Errorf("oversized paragraph was altered")
	}
}

func TestChunk_PartitionsParagraphs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	topics := []string{"alpha", "beta", "gamma"}
	for trial := 0; trial < 50; trial++ {
		n := 1 + rng.Intn(30)
		paras := make([]string, n)
		for i := range paras {
			paras[i] = topics[rng.Intn(len(topics))] + " " + strings.Repeat("w", rng.Intn(120))
		}
		opts := DefaultOptions()
		opts.MaxTokens = 10 + rng.Intn(80)
		chunks := NewChunker(newTopicEmbedder(), opts).Chunk(context.Background(), strings.Join(paras, "\n\n"))

		got := paragraphIndices(chunks)
		if len(got) != n {
			t.Fatalf("trial %d: covered %d paragraphs, want %d", trial, len(got), n)
		}
		for i, idx := range got {
			if idx != i {
				t.Fatalf("trial %d: paragraph order %v", trial, got)
			}
		}
	}
}

func TestChunk_NoOverlapForSingleChunk(t *testing.T) {
	chunks := NewChunker(newTopicEmbedder(), DefaultOptions()).Chunk(context.Background(), "alpha a\n\nalpha b")
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Text != chunks[0].Core || chunks[0].Text != "alpha a\n\nalpha b" {
		t.Errorf("single chunk text = %q", chunks[0].Text)
	}
}

func TestChunk_OverlapOnInteriorChunks(t *testing.T) {
	p0 := "alpha " + strings.Repeat("a", 94) // 100 chars
	p1 := "beta " + strings.Repeat("b", 35)  // 40 chars
	p2 := "gamma " + strings.Repeat("c", 54) // 60 chars
	chunks := NewChunker(newTopicEmbedder(), DefaultOptions()).Chunk(context.Background(), p0+"\n\n"+p1+"\n\n"+p2)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}

	want0 := p0 + "\n\n" + p1[:6]
	want1 := p0[100-15:] + "\n\n" + p1 + "\n\n" + p2[:9]
	want2 := p1[40-6:] + "\n\n" + p2
	for i, want := range []string{want0, want1, want2} {
		if chunks[i].Text != want {
			t.Errorf("chunk %d text = %q, want %q", i, chunks[i].Text, want)
		}
	}
}

func TestChunk_EmbeddingFailureUsesZeroVector(t *testing.T) {
	emb := newTopicEmbedder()
	emb.fail = true
	chunks := NewChunker(emb, DefaultOptions()).Chunk(context.Background(), "alpha a\n\nalpha b\n\nalpha c")
	// Zero vectors have similarity 0, so every paragraph starts its own chunk.
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if fmt.Sprint(paragraphIndices(chunks)) != "[0 1 2]" {
		t.Errorf("paragraphs = %v", paragraphIndices(chunks))
	}
}

func TestChunk_TruncatesParagraphsBeforeEmbedding(t *testing.T) {
	emb := newTopicEmbedder()
	opts := DefaultOptions()
	opts.EmbedCharLimit = 10
	NewChunker(emb, opts).Chunk(context.Background(), "alpha "+strings.Repeat("é", 50))
	if len(emb.inputs) != 1 {
		t.Fatalf("embed calls = %d, want 1", len(emb.inputs))
	}
	if n := utf8.RuneCountInString(emb.inputs[0]); n != 10 {
		t.Errorf("embedded %d runes, want 10", n)
	}
}
