package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/nicosuave/memex/internal/models"
)

// HashEmbedder is a deterministic feature-hashing embedder. Each lower-cased word
// adds +1 or -1 to a bucket chosen by its hash, so texts that share words have a
// positive cosine similarity. It is used in tests and when no model file is installed.
type HashEmbedder struct {
	model      models.ModelKind
	dimensions int
}

// NewHashEmbedder returns a hashing embedder producing vectors of the model's dimension.
func NewHashEmbedder(model models.ModelKind) *HashEmbedder {
	return &HashEmbedder{model: model, dimensions: model.Dimensions()}
}

// Embed returns the unit-length hashed bag of words of text. Text without words
// maps to a fixed unit vector.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	emb := make([]float32, e.dimensions)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		h := fnv.New64a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum64()
		sign := float32(1)
		if sum&(1<<63) != 0 {
			sign = -1
		}
		emb[sum%uint64(e.dimensions)] += sign
	}
	var norm float64
	for _, v := range emb {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		emb[0] = 1
		return emb, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range emb {
		emb[i] *= inv
	}
	return emb, nil
}

// EmbedBatch calls Embed for each text.
func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

// Model returns the model kind the vectors are sized for.
func (e *HashEmbedder) Model() models.ModelKind {
	return e.model
}

// Dimensions returns the embedding dimension.
func (e *HashEmbedder) Dimensions() int {
	return e.dimensions
}

// HashIdentity is the identity of every HashEmbedder.
const HashIdentity = "hash-v1"

// Identity returns HashIdentity.
func (e *HashEmbedder) Identity() string {
	return HashIdentity
}

// Close is a no-op.
func (e *HashEmbedder) Close() error {
	return nil
}
