package indexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nicosuave/memex/internal/embedding"
	merrors "github.com/nicosuave/memex/internal/errors"
	"github.com/nicosuave/memex/internal/lock"
	"github.com/nicosuave/memex/internal/models"
	"github.com/nicosuave/memex/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Backfiller computes missing or stale embeddings for one model.
type Backfiller struct {
	storage     storage.Storage
	embedder    embedding.Embedder
	stateDir    string
	lockTimeout time.Duration
	maxRunes    int
	logger      *zap.Logger
}

// BackfillOption configures a Backfiller.
type BackfillOption func(*Backfiller)

// WithBackfillLogger sets a logger for progress output.
func WithBackfillLogger(l *zap.Logger) BackfillOption {
	return func(b *Backfiller) { b.logger = l }
}

// WithLockTimeout sets how long to wait for the per-model lock.
func WithLockTimeout(d time.Duration) BackfillOption {
	return func(b *Backfiller) { b.lockTimeout = d }
}

// WithMaxRunes caps the text handed to the embedder per document.
func WithMaxRunes(n int) BackfillOption {
	return func(b *Backfiller) { b.maxRunes = n }
}

// NewBackfiller creates a backfiller for embedder's model. The per-model lock
// lives under stateDir; an empty stateDir disables it.
func NewBackfiller(store storage.Storage, embedder embedding.Embedder, stateDir string, opts ...BackfillOption) *Backfiller {
	b := &Backfiller{
		storage:     store,
		embedder:    embedder,
		stateDir:    stateDir,
		lockTimeout: 30 * time.Second,
		maxRunes:    2048,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BackfillOptions controls one backfill run.
type BackfillOptions struct {
	BatchSize int
	Workers   int
}

// EmbedStats summarizes a backfill run.
type EmbedStats struct {
	PassID   string           `json:"pass_id"`
	Model    models.ModelKind `json:"model"`
	Embedded int              `json:"embedded"`
	Batches  int              `json:"batches"`
	Duration time.Duration    `json:"duration"`
}

// Embed embeds every document whose embedding for the model is missing or was
// computed from older content. Batches are embedded concurrently by up to
// Workers goroutines; a single writer commits each batch in its own transaction.
func (b *Backfiller) Embed(ctx context.Context, opts BackfillOptions) (*EmbedStats, error) {
	start := time.Now()
	model := b.embedder.Model()
	stats := &EmbedStats{PassID: uuid.New().String(), Model: model}
	if !model.Valid() {
		return nil, fmt.Errorf("unknown model %q", model)
	}
	if got := b.embedder.Dimensions(); got != model.Dimensions() {
		return nil, merrors.ConfigMismatch(string(model), model.Dimensions(), got)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	log := b.logger.With(zap.String("pass_id", stats.PassID), zap.String("model", string(model)))

	if b.stateDir != "" {
		l := lock.New(lock.ModelPath(b.stateDir, model))
		if err := l.Acquire(ctx, b.lockTimeout); err != nil {
			return nil, err
		}
		defer l.Release()
	}

	if err := b.storage.Update(ctx, func(tx storage.Tx) error {
		return tx.RegisterModel(model, model.Dimensions(), b.embedder.Identity())
	}); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan []*models.EmbeddingRecord, opts.Workers)
	var (
		writeErr error
		writer   sync.WaitGroup
	)
	writer.Add(1)
	go func() {
		defer writer.Done()
		for batch := range results {
			if writeErr != nil {
				continue
			}
			err := b.storage.Update(ctx, func(tx storage.Tx) error {
				for _, rec := range batch {
					if err := tx.PutEmbedding(rec); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				writeErr = err
				cancel()
				continue
			}
			stats.Embedded += len(batch)
			stats.Batches++
			log.Debug("embedding batch committed", zap.Int("documents", len(batch)), zap.Int("total", stats.Embedded))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	after := ""
	var fetchErr error
	for gctx.Err() == nil {
		docs, err := b.storage.StaleEmbeddings(gctx, model, after, opts.BatchSize)
		if err != nil {
			fetchErr = err
			break
		}
		if len(docs) == 0 {
			break
		}
		after = docs[len(docs)-1].ID
		g.Go(func() error {
			recs, err := b.embedBatch(gctx, model, docs)
			if err != nil {
				return err
			}
			select {
			case results <- recs:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	groupErr := g.Wait()
	close(results)
	writer.Wait()

	stats.Duration = time.Since(start)
	switch {
	case writeErr != nil:
		return stats, fmt.Errorf("store embeddings: %w", writeErr)
	case groupErr != nil:
		return stats, groupErr
	case fetchErr != nil:
		return stats, fmt.Errorf("list stale embeddings: %w", fetchErr)
	}
	log.Info("embedding backfill finished",
		zap.Int("embedded", stats.Embedded),
		zap.Int("batches", stats.Batches),
		zap.Duration("duration", stats.Duration))
	return stats, nil
}

func (b *Backfiller) embedBatch(ctx context.Context, model models.ModelKind, docs []*models.Document) ([]*models.EmbeddingRecord, error) {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = Preprocess(d.Text, b.maxRunes)
	}
	vecs, err := b.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}
	if len(vecs) != len(docs) {
		return nil, fmt.Errorf("embed batch: got %d vectors for %d documents", len(vecs), len(docs))
	}
	recs := make([]*models.EmbeddingRecord, len(docs))
	for i, d := range docs {
		if len(vecs[i]) != model.Dimensions() {
			return nil, merrors.ConfigMismatch(d.ID+"/"+string(model), model.Dimensions(), len(vecs[i]))
		}
		recs[i] = &models.EmbeddingRecord{
			DocID:       d.ID,
			Model:       model,
			Vector:      vecs[i],
			ContentHash: d.ContentHash,
		}
	}
	return recs, nil
}

// Pending returns how many documents have no embedding at all for the model.
func (b *Backfiller) Pending(ctx context.Context) (int64, error) {
	total, err := b.storage.CountDocuments(ctx)
	if err != nil {
		return 0, err
	}
	done, err := b.storage.CountEmbeddings(ctx, b.embedder.Model())
	if err != nil {
		return 0, err
	}
	if done > total {
		return 0, nil
	}
	return total - done, nil
}
