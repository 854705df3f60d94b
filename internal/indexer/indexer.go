// Package indexer runs ingestion passes over the configured sources and the
// embedding backfill that follows them.
package indexer

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nicosuave/memex/internal/config"
	merrors "github.com/nicosuave/memex/internal/errors"
	"github.com/nicosuave/memex/internal/ingest"
	"github.com/nicosuave/memex/internal/keyword"
	"github.com/nicosuave/memex/internal/models"
	"github.com/nicosuave/memex/internal/scan"
	"github.com/nicosuave/memex/internal/storage"
	"go.uber.org/zap"
)

// Indexer turns changed source files into documents and postings.
type Indexer struct {
	storage      storage.Storage
	detector     *scan.Detector
	keywordIndex keyword.KeywordIndex
	sources      []config.SourceConfig
	logger       *zap.Logger
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for debug output (pass started, file parsed, etc.).
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) { idx.logger = l }
}

// NewIndexer creates an indexer over sources.
func NewIndexer(
	store storage.Storage,
	detector *scan.Detector,
	keywordIndex keyword.KeywordIndex,
	sources []config.SourceConfig,
	opts ...IndexerOption,
) *Indexer {
	idx := &Indexer{
		storage:      store,
		detector:     detector,
		keywordIndex: keywordIndex,
		sources:      sources,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// RunOptions controls one pass.
type RunOptions struct {
	// Full ignores the scan cache and rebuilds the corpus from scratch.
	Full bool
}

// RunStats summarizes a pass.
type RunStats struct {
	PassID    string        `json:"pass_id"`
	Full      bool          `json:"full"`
	Scanned   int           `json:"scanned"`
	Files     int           `json:"files"`
	Inserted  int           `json:"inserted"`
	Updated   int           `json:"updated"`
	Unchanged int           `json:"unchanged"`
	Removed   int           `json:"removed"`
	Warnings  []error       `json:"-"`
	Duration  time.Duration `json:"duration"`
}

// Changed reports whether the pass modified any document.
func (s *RunStats) Changed() bool {
	return s.Inserted > 0 || s.Updated > 0 || s.Removed > 0
}

// parsedFile is a changed file read outside the write transaction.
type parsedFile struct {
	file    scan.File
	records []ingest.Record
}

// Run performs one indexing pass. Everything the pass writes commits in one
// transaction; on error or cancellation nothing is visible.
func (idx *Indexer) Run(ctx context.Context, opts RunOptions) (*RunStats, error) {
	start := time.Now()
	stats := &RunStats{PassID: uuid.New().String(), Full: opts.Full}
	log := idx.logger.With(zap.String("pass_id", stats.PassID))
	log.Debug("index pass started", zap.Bool("full", opts.Full))

	changes, err := idx.detector.Detect(ctx, idx.sources, opts.Full)
	if err != nil {
		return nil, err
	}
	stats.Scanned = changes.Scanned
	stats.Warnings = append(stats.Warnings, changes.Warnings()...)

	var (
		parsed []parsedFile
		failed []string
	)
	for _, u := range changes.Unreadable {
		failed = append(failed, u.Path)
	}
	for _, f := range changes.Changed {
		records, warnings, err := idx.parseFile(ctx, f)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("skipping unparseable file", zap.String("path", f.Path), zap.Error(err))
			stats.Warnings = append(stats.Warnings, merrors.Ingestion(f.Path, err))
			failed = append(failed, f.Path)
			continue
		}
		stats.Warnings = append(stats.Warnings, warnings...)
		parsed = append(parsed, parsedFile{file: f, records: records})
	}
	stats.Files = len(parsed)

	if !opts.Full && len(parsed) == 0 && len(changes.Removed) == 0 && len(failed) == 0 && len(changes.Refreshed) == 0 {
		stats.Duration = time.Since(start)
		log.Debug("index pass found nothing to do", zap.Int("scanned", stats.Scanned))
		return stats, nil
	}

	err = idx.storage.Update(ctx, func(tx storage.Tx) error {
		if opts.Full {
			if err := tx.Clear(); err != nil {
				return err
			}
		}
		for _, p := range parsed {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := idx.applyFile(tx, p, stats); err != nil {
				return err
			}
		}
		for _, path := range append(changes.Removed, failed...) {
			n, err := dropSource(tx, path)
			if err != nil {
				return err
			}
			stats.Removed += n
		}
		for _, st := range changes.Refreshed {
			if err := tx.PutScanState(st); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index pass %s: %w", stats.PassID, err)
	}

	stats.Duration = time.Since(start)
	log.Info("index pass committed",
		zap.Bool("full", opts.Full),
		zap.Int("files", stats.Files),
		zap.Int("inserted", stats.Inserted),
		zap.Int("updated", stats.Updated),
		zap.Int("unchanged", stats.Unchanged),
		zap.Int("removed", stats.Removed),
		zap.Int("warnings", len(stats.Warnings)),
		zap.Duration("duration", stats.Duration))
	return stats, nil
}

func (idx *Indexer) parseFile(ctx context.Context, f scan.File) ([]ingest.Record, []error, error) {
	parser, err := ingest.Lookup(f.Source.Parser)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()
	defaults := ingest.Defaults{Source: models.Source(f.Source.Source)}
	records, warnings, err := parser.Parse(ctx, f.Path, file, defaults)
	if err != nil {
		return nil, nil, err
	}
	idx.logger.Debug("file parsed",
		zap.String("path", f.Path),
		zap.Int("records", len(records)),
		zap.Int("warnings", len(warnings)))
	return records, warnings, nil
}

// applyFile upserts the records of one file, deletes its documents that the new
// parse no longer contains and stores the file's fingerprint.
func (idx *Indexer) applyFile(tx storage.Tx, p parsedFile, stats *RunStats) error {
	existing, err := tx.SourceDocumentIDs(p.file.Path)
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(p.records))
	for i := range p.records {
		doc := p.records[i].Document()
		if keep[doc.ID] {
			continue
		}
		keep[doc.ID] = true
		res, err := tx.UpsertDocument(doc)
		if err != nil {
			return err
		}
		switch res {
		case storage.Inserted:
			stats.Inserted++
		case storage.Updated:
			stats.Updated++
		default:
			stats.Unchanged++
			continue
		}
		if err := idx.keywordIndex.IndexDocument(tx, doc); err != nil {
			return err
		}
	}
	for _, id := range existing {
		if keep[id] {
			continue
		}
		ok, err := tx.DeleteDocument(id)
		if err != nil {
			return err
		}
		if ok {
			stats.Removed++
		}
	}
	return tx.PutScanState(p.file.State)
}

// dropSource deletes every document read from path and forgets its fingerprint.
func dropSource(tx storage.Tx, path string) (int, error) {
	ids, err := tx.SourceDocumentIDs(path)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		ok, err := tx.DeleteDocument(id)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, tx.DeleteScanState(path)
}
