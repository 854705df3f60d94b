package vector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	merrors "github.com/nicosuave/memex/internal/errors"
	"github.com/nicosuave/memex/internal/models"
	"go.uber.org/zap"
)

// EmbeddingSource is the committed embedding store a collection is built from.
type EmbeddingSource interface {
	ForEachEmbedding(ctx context.Context, model models.ModelKind, fn func(docID string, vec []float32) error) error
	Metadata(ctx context.Context) (*models.IndexMetadata, error)
}

// Collection is a loaded per-model index with the warnings produced while building it.
type Collection struct {
	Model      models.ModelKind
	Index      *MemoryIndex
	Generation uint64
	// Warnings are per-document ConfigMismatch errors for stored vectors whose
	// length disagrees with the model. Those documents are excluded.
	Warnings []error
}

// Collections caches one Collection per model and rebuilds it when the store's
// vector generation moves. Snapshots under dir avoid rebuilding across processes.
type Collections struct {
	src    EmbeddingSource
	dir    string
	logger *zap.Logger

	mu     sync.Mutex
	loaded map[models.ModelKind]*Collection
}

// NewCollections creates a collection cache. Snapshots are read from and written
// to dir/<model>.bin; an empty dir disables snapshots.
func NewCollections(src EmbeddingSource, dir string, logger *zap.Logger) *Collections {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collections{
		src:    src,
		dir:    dir,
		logger: logger,
		loaded: make(map[models.ModelKind]*Collection),
	}
}

// SnapshotPath returns the snapshot file for model.
func (c *Collections) SnapshotPath(model models.ModelKind) string {
	if c.dir == "" {
		return ""
	}
	return filepath.Join(c.dir, string(model)+".bin")
}

// Get returns the collection for model at the store's current vector generation.
func (c *Collections) Get(ctx context.Context, model models.ModelKind) (*Collection, error) {
	if !model.Valid() {
		return nil, fmt.Errorf("unknown model %q", model)
	}
	meta, err := c.src.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	gen := meta.VectorGeneration

	c.mu.Lock()
	defer c.mu.Unlock()
	if col, ok := c.loaded[model]; ok && col.Generation == gen {
		return col, nil
	}

	if col, ok := c.loadSnapshot(model, gen); ok {
		c.loaded[model] = col
		return col, nil
	}
	col, err := c.rebuild(ctx, model, gen)
	if err != nil {
		return nil, err
	}
	c.loaded[model] = col
	c.saveSnapshot(col)
	return col, nil
}

// saveSnapshot writes col for other processes. A snapshot carries vectors only, so
// a collection with excluded rows is not snapshotted: loading it would lose the
// warnings. Any older snapshot is removed instead.
func (c *Collections) saveSnapshot(col *Collection) {
	path := c.SnapshotPath(col.Model)
	if path == "" {
		return
	}
	if len(col.Warnings) > 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("failed to remove vector snapshot", zap.String("path", path), zap.Error(err))
		}
		return
	}
	if err := col.Index.Save(path, col.Generation); err != nil {
		c.logger.Warn("failed to save vector snapshot", zap.String("path", path), zap.Error(err))
	}
}

func (c *Collections) loadSnapshot(model models.ModelKind, gen uint64) (*Collection, bool) {
	path := c.SnapshotPath(model)
	if path == "" {
		return nil, false
	}
	idx, err := NewMemoryIndex(model.Dimensions())
	if err != nil {
		return nil, false
	}
	err = idx.Load(path, gen)
	switch {
	case err == nil:
		c.logger.Debug("vector snapshot loaded", zap.String("model", string(model)), zap.Int("vectors", idx.Size()))
		return &Collection{Model: model, Index: idx, Generation: gen}, true
	case errors.Is(err, os.ErrNotExist), errors.Is(err, ErrStaleSnapshot):
		c.logger.Debug("vector snapshot unusable, rebuilding", zap.String("model", string(model)), zap.Error(err))
	default:
		c.logger.Warn("vector snapshot rejected, rebuilding", zap.String("model", string(model)), zap.Error(err))
	}
	return nil, false
}

func (c *Collections) rebuild(ctx context.Context, model models.ModelKind, gen uint64) (*Collection, error) {
	idx, err := NewMemoryIndex(model.Dimensions())
	if err != nil {
		return nil, err
	}
	col := &Collection{Model: model, Index: idx, Generation: gen}
	err = c.src.ForEachEmbedding(ctx, model, func(docID string, vec []float32) error {
		if len(vec) != idx.Dimensions() {
			col.Warnings = append(col.Warnings, merrors.ConfigMismatch(docID+"/"+string(model), idx.Dimensions(), len(vec)))
			return nil
		}
		idx.put(docID, unit(vec))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s embeddings: %w", model, err)
	}
	c.logger.Debug("vector collection built",
		zap.String("model", string(model)),
		zap.Uint64("generation", gen),
		zap.Int("vectors", idx.Size()),
		zap.Int("excluded", len(col.Warnings)))
	return col, nil
}

// Invalidate drops every cached collection.
func (c *Collections) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = make(map[models.ModelKind]*Collection)
}
