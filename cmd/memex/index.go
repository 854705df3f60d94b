package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nicosuave/memex/internal/cli"
	"github.com/nicosuave/memex/internal/config"
	"github.com/nicosuave/memex/internal/indexer"
	"github.com/nicosuave/memex/internal/models"
	"github.com/nicosuave/memex/internal/service"
	"github.com/nicosuave/memex/internal/watcher"
	"github.com/nicosuave/memex/pkg/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// indexReport is what index and reindex print.
type indexReport struct {
	PassID     string              `json:"pass_id"`
	Full       bool                `json:"full"`
	Scanned    int                 `json:"scanned"`
	Files      int                 `json:"files"`
	Inserted   int                 `json:"inserted"`
	Updated    int                 `json:"updated"`
	Unchanged  int                 `json:"unchanged"`
	Removed    int                 `json:"removed"`
	Warnings   int                 `json:"warnings"`
	DurationMS int64               `json:"duration_ms"`
	Embeddings *indexer.EmbedStats `json:"embeddings,omitempty"`
}

func newIndexCmd(g *globalOptions) *cobra.Command {
	var (
		watch         bool
		watchInterval int
	)
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index new and changed transcripts",
		Long: `Index new and changed transcripts, then backfill embeddings when they are enabled.

With --watch, index keeps running in the foreground: it polls the sources every
--watch-interval seconds, wakes early on file changes, and runs a pass only when
something changed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			if watch {
				poll := a.cfg.ServicePollInterval()
				if cmd.Flags().Changed("watch-interval") {
					if watchInterval <= 0 {
						return usagef("--watch-interval must be positive")
					}
					poll = time.Duration(watchInterval) * time.Second
				}
				logger, err := utils.NewLogger(a.cfg.Debug)
				if err != nil {
					return fmt.Errorf("failed to create logger: %w", err)
				}
				defer logger.Sync()
				return runScheduler(cmd.Context(), a, config.ServiceModeContinuous, poll, logger)
			}
			return runIndexPass(cmd.Context(), g, a, false)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep indexing in the foreground as sources change")
	cmd.Flags().IntVar(&watchInterval, "watch-interval", 0, "seconds between change polls with --watch (default index_service_poll_interval)")
	return cmd
}

func newReindexCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Clear the index and rebuild it from every source file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			return runIndexPass(cmd.Context(), g, a, true)
		},
	}
}

func newEmbedCmd(g *globalOptions) *cobra.Command {
	var (
		model     string
		batchSize int
		workers   int
	)
	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Compute missing embeddings without indexing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			kind := a.cfg.ModelKind()
			if model != "" {
				if kind, err = models.ParseModelKind(model); err != nil {
					return usageError{err}
				}
			}
			opts := a.backfillOptions()
			if batchSize > 0 {
				opts.BatchSize = batchSize
			}
			if workers > 0 {
				opts.Workers = workers
			}
			stats, err := a.embed(cmd.Context(), kind, opts)
			if err != nil {
				return err
			}
			return cli.WriteJSON(g.stdout, stats)
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "embedding model (default from config)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "documents per embedding batch (default from config)")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent embedding batches (default from config)")
	return cmd
}

// runIndexPass runs one foreground pass plus the embedding backfill and prints the report.
func runIndexPass(ctx context.Context, g *globalOptions, a *app, full bool) error {
	stats, err := a.runPass(ctx, full)
	if err != nil {
		return err
	}
	for _, w := range stats.Warnings {
		fmt.Fprintf(g.stderr, "warning: %v\n", w)
	}
	report := indexReport{
		PassID:     stats.PassID,
		Full:       stats.Full,
		Scanned:    stats.Scanned,
		Files:      stats.Files,
		Inserted:   stats.Inserted,
		Updated:    stats.Updated,
		Unchanged:  stats.Unchanged,
		Removed:    stats.Removed,
		Warnings:   len(stats.Warnings),
		DurationMS: stats.Duration.Milliseconds(),
	}
	if a.cfg.EmbeddingsEnabled() {
		es, err := a.embed(ctx, a.cfg.ModelKind(), a.backfillOptions())
		if err != nil {
			return fmt.Errorf("embedding backfill: %w", err)
		}
		report.Embeddings = es
	}
	return cli.WriteJSON(g.stdout, report)
}

// runScheduler runs the index service loop in the foreground until ctx is cancelled.
// Continuous mode also watches the source roots so changes trigger an early poll.
func runScheduler(ctx context.Context, a *app, mode string, period time.Duration, logger *zap.Logger) error {
	opts := []service.Option{service.WithLogger(logger)}
	if mode == config.ServiceModeContinuous {
		opts = append(opts, service.WithContinuous(period, a.detector, a.cfg.Sources))
	} else {
		opts = append(opts, service.WithInterval(period))
	}
	if a.cfg.EmbeddingsEnabled() {
		b, err := a.backfiller(a.cfg.ModelKind())
		if err != nil {
			return err
		}
		opts = append(opts, service.WithBackfill(b, a.backfillOptions()))
	}
	sched := service.NewScheduler(a.indexer, a.lock, opts...)

	if mode == config.ServiceModeContinuous {
		roots, exts := a.sourceRoots()
		w := watcher.NewWatcher(roots, exts, sched.Wake, watcher.WithLogger(logger))
		if err := w.Start(ctx); err != nil {
			logger.Warn("file watcher unavailable; polling only", zap.Error(err))
		} else {
			defer w.Stop()
		}
	}
	return sched.Run(ctx)
}
