package models

import (
	"fmt"
	"strings"
)

// ModelKind is one of the supported embedding models. Each kind has a fixed dimension.
type ModelKind string

const (
	ModelMiniLM ModelKind = "minilm"
	ModelBGE    ModelKind = "bge"
	ModelNomic  ModelKind = "nomic"
	ModelGemma  ModelKind = "gemma"
	ModelPotion ModelKind = "potion"

	DefaultModel = ModelGemma
)

var modelDimensions = map[ModelKind]int{
	ModelMiniLM: 384,
	ModelBGE:    384,
	ModelNomic:  768,
	ModelGemma:  768,
	ModelPotion: 256,
}

var modelAliases = map[string]ModelKind{
	"minilm":         ModelMiniLM,
	"mini":           ModelMiniLM,
	"fast":           ModelMiniLM,
	"bge":            ModelBGE,
	"bge-small":      ModelBGE,
	"bgesmall":       ModelBGE,
	"nomic":          ModelNomic,
	"gemma":          ModelGemma,
	"embeddinggemma": ModelGemma,
	"default":        ModelGemma,
	"potion":         ModelPotion,
	"potion8m":       ModelPotion,
	"potion-8m":      ModelPotion,
	"potion-base-8m": ModelPotion,
	"model2vec":      ModelPotion,
}

// ParseModelKind resolves a model name or alias. Empty input yields the default model.
func ParseModelKind(s string) (ModelKind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return DefaultModel, nil
	}
	if kind, ok := modelAliases[name]; ok {
		return kind, nil
	}
	return "", fmt.Errorf("unknown embedding model %q (expected minilm, bge, nomic, gemma or potion)", s)
}

// AllModelKinds returns the supported kinds in a stable order.
func AllModelKinds() []ModelKind {
	return []ModelKind{ModelMiniLM, ModelBGE, ModelNomic, ModelGemma, ModelPotion}
}

// Dimensions returns the fixed vector length of the model, or 0 for an unknown kind.
func (m ModelKind) Dimensions() int {
	return modelDimensions[m]
}

// Valid reports whether m is a supported kind.
func (m ModelKind) Valid() bool {
	_, ok := modelDimensions[m]
	return ok
}

// EmbeddingRecord is a stored vector for one document under one model.
type EmbeddingRecord struct {
	DocID       string    `json:"doc_id" db:"doc_id"`
	Model       ModelKind `json:"model" db:"model"`
	Vector      []float32 `json:"-" db:"vector"`
	ContentHash string    `json:"content_hash" db:"content_hash"`
}
