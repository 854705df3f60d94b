package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/nicosuave/memex/internal/config"
	"github.com/nicosuave/memex/internal/embedding"
	"github.com/nicosuave/memex/internal/indexer"
	"github.com/nicosuave/memex/internal/keyword"
	"github.com/nicosuave/memex/internal/lock"
	"github.com/nicosuave/memex/internal/models"
	"github.com/nicosuave/memex/internal/scan"
	"github.com/nicosuave/memex/internal/search"
	"github.com/nicosuave/memex/internal/storage"
	"github.com/nicosuave/memex/internal/vector"
	"go.uber.org/zap"
)

// app holds the components shared by the commands of one process.
type app struct {
	cfg        *config.Config
	configPath string
	paths      config.Paths
	logger     *zap.Logger

	store       *storage.SQLiteStorage
	tokenizer   *keyword.Tokenizer
	bm25        *keyword.BM25Index
	detector    *scan.Detector
	indexer     *indexer.Indexer
	collections *vector.Collections
	lock        *lock.FileLock

	mu        sync.Mutex
	embedders map[models.ModelKind]embedding.Embedder
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	paths := cfg.Paths()
	if err := paths.EnsureDirs(); err != nil {
		return nil, err
	}
	store, err := storage.NewSQLiteStorage(paths.Database)
	if err != nil {
		return nil, err
	}
	tok, err := keyword.NewTokenizer()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create tokenizer: %w", err)
	}
	bm25 := keyword.NewBM25Index(store, tok,
		keyword.WithParams(cfg.Search.BM25K1, cfg.Search.BM25B),
		keyword.WithLogger(logger),
	)
	detector := scan.NewDetector(store, cfg.ScanTTL(), scan.WithLogger(logger))
	return &app{
		cfg:         cfg,
		paths:       paths,
		logger:      logger,
		store:       store,
		tokenizer:   tok,
		bm25:        bm25,
		detector:    detector,
		indexer:     indexer.NewIndexer(store, detector, bm25, cfg.Sources, indexer.WithLogger(logger)),
		collections: vector.NewCollections(store, paths.Vectors, logger),
		lock:        lock.New(paths.Lock),
		embedders:   make(map[models.ModelKind]embedding.Embedder),
	}, nil
}

// Close releases the embedders and the database.
func (a *app) Close() {
	a.mu.Lock()
	for model, emb := range a.embedders {
		if err := emb.Close(); err != nil {
			a.logger.Warn("failed to close embedder", zap.String("model", string(model)), zap.Error(err))
		}
	}
	a.embedders = map[models.ModelKind]embedding.Embedder{}
	a.mu.Unlock()
	_ = a.store.Close()
	_ = a.logger.Sync()
}

// embedder returns the process-wide embedder for model, loading it on first use.
func (a *app) embedder(model models.ModelKind) (embedding.Embedder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if emb, ok := a.embedders[model]; ok {
		return emb, nil
	}
	emb, err := embedding.New(a.cfg.Embedding, model, a.logger)
	if err != nil {
		return nil, err
	}
	a.embedders[model] = emb
	return emb, nil
}

func (a *app) backfiller(model models.ModelKind) (*indexer.Backfiller, error) {
	emb, err := a.embedder(model)
	if err != nil {
		return nil, err
	}
	return indexer.NewBackfiller(a.store, emb, a.paths.State,
		indexer.WithBackfillLogger(a.logger),
		indexer.WithLockTimeout(a.cfg.LockWait()),
	), nil
}

func (a *app) backfillOptions() indexer.BackfillOptions {
	return indexer.BackfillOptions{BatchSize: a.cfg.Embedding.BatchSize, Workers: a.cfg.Embedding.Workers}
}

// engine builds the query engine. Auto-indexing and semantic search follow the config.
func (a *app) engine() *search.Engine {
	opts := []search.EngineOption{
		search.WithLogger(a.logger),
		search.WithSuggester(keyword.NewSuggester(a.store, a.tokenizer)),
	}
	if a.cfg.EmbeddingsEnabled() {
		opts = append(opts, search.WithEmbedders(a.embedder, a.cfg.ModelKind()))
	}
	if a.cfg.AutoIndexEnabled() {
		opts = append(opts, search.WithRefresher(a.refresh))
	}
	return search.NewEngine(a.store, a.bm25, a.collections, search.NewHighlighter(a.tokenizer), a.cfg.Search, opts...)
}

// refresh runs the incremental pass before a search, waiting up to lock_timeout
// for another writer.
func (a *app) refresh(ctx context.Context) error {
	stats, err := a.runPass(ctx, false)
	if err != nil {
		return err
	}
	for _, w := range stats.Warnings {
		a.logger.Warn("index warning", zap.Error(w))
	}
	return nil
}

// runPass takes the index lock (waiting up to lock_timeout) and runs one pass.
func (a *app) runPass(ctx context.Context, full bool) (*indexer.RunStats, error) {
	if err := a.lock.Acquire(ctx, a.cfg.LockWait()); err != nil {
		return nil, err
	}
	defer func() {
		if err := a.lock.Release(); err != nil {
			a.logger.Warn("failed to release index lock", zap.Error(err))
		}
	}()
	return a.indexer.Run(ctx, indexer.RunOptions{Full: full})
}

// embed backfills embeddings for model.
func (a *app) embed(ctx context.Context, model models.ModelKind, opts indexer.BackfillOptions) (*indexer.EmbedStats, error) {
	b, err := a.backfiller(model)
	if err != nil {
		return nil, err
	}
	return b.Embed(ctx, opts)
}

// sourceRoots returns the distinct source roots and extensions, for the watcher.
func (a *app) sourceRoots() (roots, extensions []string) {
	seenRoot := make(map[string]bool)
	seenExt := make(map[string]bool)
	for _, s := range a.cfg.Sources {
		if !seenRoot[s.Root] {
			seenRoot[s.Root] = true
			roots = append(roots, s.Root)
		}
		for _, e := range s.Extensions {
			if !seenExt[e] {
				seenExt[e] = true
				extensions = append(extensions, e)
			}
		}
	}
	return roots, extensions
}
