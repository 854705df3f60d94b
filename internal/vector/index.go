// Package vector provides per-model vector indexes with exact cosine search.
package vector

import "context"

// VectorIndex defines vector storage and similarity search for one model.
type VectorIndex interface {
	// Add inserts or replaces the vectors stored under ids.
	Add(ctx context.Context, ids []string, vectors [][]float32) error
	// Search returns the k nearest vectors by cosine similarity, ties by ID ascending.
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)
	Remove(ctx context.Context, ids []string) error
	Dimensions() int
	Size() int
}

// VectorResult is a single vector search hit.
type VectorResult struct {
	ID    string
	Score float64 // cosine similarity in [-1, 1]
}
