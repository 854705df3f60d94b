// Package service runs indexing passes in the background on a schedule.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nicosuave/memex/internal/config"
	"github.com/nicosuave/memex/internal/indexer"
	"github.com/nicosuave/memex/internal/scan"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Pass runs one indexing pass.
type Pass interface {
	Run(ctx context.Context, opts indexer.RunOptions) (*indexer.RunStats, error)
}

// ChangeDetector reports whether any source changed. Continuous mode uses it to
// skip ticks with nothing to do.
type ChangeDetector interface {
	Detect(ctx context.Context, sources []config.SourceConfig, full bool) (*scan.Changes, error)
}

// Backfill embeds documents that lack a current embedding.
type Backfill interface {
	Embed(ctx context.Context, opts indexer.BackfillOptions) (*indexer.EmbedStats, error)
}

// Locker is the cross-process index lock.
type Locker interface {
	TryAcquire() (bool, error)
	Release() error
}

// Default wake-up rate: at most one early tick per second, no bursts.
const (
	DefaultWakeRate  = rate.Limit(1)
	DefaultWakeBurst = 1
)

// Skip reasons reported in TickResult.
const (
	SkipLocked    = "lock_held"
	SkipNoChanges = "no_changes"
)

// TickResult describes one tick.
type TickResult struct {
	Skipped bool
	Reason  string
	Index   *indexer.RunStats
	Embed   *indexer.EmbedStats
}

// Scheduler is the index service control loop.
type Scheduler struct {
	pass         Pass
	lock         Locker
	mode         string
	interval     time.Duration
	pollInterval time.Duration
	detector     ChangeDetector
	sources      []config.SourceConfig
	backfill     Backfill
	backfillOpts indexer.BackfillOptions
	limiter      *rate.Limiter
	logger       *zap.Logger

	wake    chan struct{}
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	stopped bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger for tick results and errors.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithInterval runs a pass every d (interval mode).
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.mode = config.ServiceModeInterval
		s.interval = d
	}
}

// WithContinuous polls every poll and runs a pass only when detector reports changes.
func WithContinuous(poll time.Duration, detector ChangeDetector, sources []config.SourceConfig) Option {
	return func(s *Scheduler) {
		s.mode = config.ServiceModeContinuous
		s.pollInterval = poll
		s.detector = detector
		s.sources = sources
	}
}

// WithBackfill runs b after every pass that was not skipped.
func WithBackfill(b Backfill, opts indexer.BackfillOptions) Option {
	return func(s *Scheduler) {
		s.backfill = b
		s.backfillOpts = opts
	}
}

// WithWakeLimit sets how often Wake may trigger an early tick.
func WithWakeLimit(r rate.Limit, burst int) Option {
	return func(s *Scheduler) { s.limiter = rate.NewLimiter(r, burst) }
}

// NewScheduler creates a scheduler in interval mode (one hour) unless options say otherwise.
func NewScheduler(pass Pass, lock Locker, opts ...Option) *Scheduler {
	s := &Scheduler{
		pass:     pass,
		lock:     lock,
		mode:     config.ServiceModeInterval,
		interval: time.Hour,
		limiter:  rate.NewLimiter(DefaultWakeRate, DefaultWakeBurst),
		logger:   zap.NewNop(),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mode returns interval or continuous.
func (s *Scheduler) Mode() string {
	return s.mode
}

// Period returns the delay between ticks for the current mode.
func (s *Scheduler) Period() time.Duration {
	if s.mode == config.ServiceModeContinuous {
		return s.pollInterval
	}
	return s.interval
}

// Wake asks for an early tick. Calls beyond the wake rate, or while a wake-up is
// already pending, are dropped. The path argument lets it serve as a watcher callback.
func (s *Scheduler) Wake(path string) {
	if !s.limiter.Allow() {
		return
	}
	select {
	case s.wake <- struct{}{}:
		s.logger.Debug("index service woken", zap.String("path", path))
	default:
	}
}

// Run ticks once immediately, then on every period or wake-up until ctx is
// cancelled or Stop is called. A tick in flight when ctx is cancelled sees the
// cancellation and rolls back; Run returns after it finishes.
func (s *Scheduler) Run(ctx context.Context) error {
	period := s.Period()
	if period <= 0 {
		return fmt.Errorf("index service %s period must be positive", s.mode)
	}
	if s.mode == config.ServiceModeContinuous && s.detector == nil {
		return errors.New("continuous mode needs a change detector")
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("index service already running")
	}
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("index service started", zap.String("mode", s.mode), zap.Duration("period", period))
	s.tickAndLog(ctx)

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("index service stopped")
			return nil
		case <-s.stopCh:
			s.logger.Info("index service stopped")
			return nil
		case <-ticker.C:
			s.tickAndLog(ctx)
		case <-s.wake:
			s.tickAndLog(ctx)
		}
	}
}

// Stop ends Run. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
}

func (s *Scheduler) tickAndLog(ctx context.Context) {
	res, err := s.Tick(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("index service tick failed", zap.Error(err))
		return
	}
	if res.Skipped {
		s.logger.Info("index service tick skipped", zap.String("reason", res.Reason))
		return
	}
	fields := []zap.Field{
		zap.String("pass_id", res.Index.PassID),
		zap.Int("files", res.Index.Files),
		zap.Int("inserted", res.Index.Inserted),
		zap.Int("updated", res.Index.Updated),
		zap.Int("removed", res.Index.Removed),
		zap.Duration("duration", res.Index.Duration),
	}
	if res.Embed != nil {
		fields = append(fields, zap.Int("embedded", res.Embed.Embedded))
	}
	s.logger.Info("index service tick", fields...)
	for _, w := range res.Index.Warnings {
		s.logger.Warn("index warning", zap.Error(w))
	}
}

// Tick runs one scheduled unit of work: take the index lock without waiting, check
// for changes in continuous mode, run the pass, then backfill embeddings.
func (s *Scheduler) Tick(ctx context.Context) (*TickResult, error) {
	ok, err := s.lock.TryAcquire()
	if err != nil {
		return nil, err
	}
	if !ok {
		return &TickResult{Skipped: true, Reason: SkipLocked}, nil
	}
	defer func() {
		if err := s.lock.Release(); err != nil {
			s.logger.Warn("failed to release index lock", zap.Error(err))
		}
	}()

	if s.mode == config.ServiceModeContinuous {
		changes, err := s.detector.Detect(ctx, s.sources, false)
		if err != nil {
			return nil, fmt.Errorf("detect changes: %w", err)
		}
		if !changes.HasChanges() {
			return &TickResult{Skipped: true, Reason: SkipNoChanges}, nil
		}
	}

	stats, err := s.pass.Run(ctx, indexer.RunOptions{})
	if err != nil {
		return nil, err
	}
	res := &TickResult{Index: stats}
	if s.backfill != nil {
		es, err := s.backfill.Embed(ctx, s.backfillOpts)
		if err != nil {
			return res, fmt.Errorf("embedding backfill: %w", err)
		}
		res.Embed = es
	}
	return res, nil
}
