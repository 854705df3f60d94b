package embedding

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nicosuave/memex/internal/config"
	"github.com/nicosuave/memex/internal/models"
	"go.uber.org/zap"
)

// ModelPath returns where the ONNX file for model is expected: <model_dir>/<model>.onnx.
func ModelPath(cfg config.EmbeddingConfig, model models.ModelKind) string {
	return filepath.Join(cfg.ModelDir, string(model)+".onnx")
}

// New returns a cached embedder for model. The ONNX model is used when its file is
// installed; otherwise the hashing embedder stands in and a warning is logged.
func New(cfg config.EmbeddingConfig, model models.ModelKind, logger *zap.Logger) (Embedder, error) {
	if !model.Valid() {
		return nil, fmt.Errorf("unknown model %q", model)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var inner Embedder
	path := ModelPath(cfg, model)
	if _, err := os.Stat(path); err == nil {
		onnx, err := NewONNXEmbedder(model, path, cfg.MaxTokens)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", model, err)
		}
		inner = onnx
		logger.Debug("onnx embedder loaded", zap.String("model", string(model)), zap.String("path", path))
	} else {
		logger.Warn("model file not installed, using hashing embedder",
			zap.String("model", string(model)), zap.String("expected", path))
		inner = NewHashEmbedder(model)
	}
	return NewCachedEmbedder(inner, cfg.CacheSize), nil
}
