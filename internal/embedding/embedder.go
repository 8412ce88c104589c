// Package embedding provides text embedding through an external provider, with caching.
package embedding

import "context"

// Embedder produces vector embeddings for text.
// Vectors returned by one Embedder always have Dimensions() entries.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
