// Package vector provides similarity helpers for embedding vectors.
package vector

import "math"

// InnerProduct returns the inner product of two vectors (for normalized vectors equals cosine similarity).
func InnerProduct(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// L2Norm returns the L2 norm of a vector.
func L2Norm(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// CosineSimilarity returns dot(a, b) / (|a| * |b|).
// It returns 0 when the lengths differ or when either norm is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	denom := L2Norm(a) * L2Norm(b)
	if denom == 0 {
		return 0
	}
	return InnerProduct(a, b) / denom
}

// Normalize scales x in place to unit length and reports whether it could.
// A zero vector is left as is.
func Normalize(x []float32) bool {
	norm := L2Norm(x)
	if norm == 0 {
		return false
	}
	for i := range x {
		x[i] = float32(float64(x[i]) / norm)
	}
	return true
}
