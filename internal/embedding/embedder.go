// Package embedding provides text embedders for the supported model kinds and a
// query embedding cache.
package embedding

import (
	"context"

	"github.com/nicosuave/memex/internal/models"
)

// Embedder produces vector embeddings for text with one model.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() models.ModelKind
	Dimensions() int
	// Identity names the weights behind the vectors. Vectors from embedders
	// with different identities are not comparable even at equal dimension.
	Identity() string
	Close() error
}
