// Package scan detects which source files need to be reparsed.
//
// A file is a candidate when it is new, its size or modification time changed,
// or its cache entry is older than the TTL. Candidates are confirmed by content
// hash, so touching a file without changing it costs one hash and no reparse.
package scan

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nicosuave/memex/internal/config"
	merrors "github.com/nicosuave/memex/internal/errors"
	"github.com/nicosuave/memex/internal/fileid"
	"github.com/nicosuave/memex/internal/models"
	"github.com/nicosuave/memex/internal/storage"
	"go.uber.org/zap"
)

// File is a source file whose content changed since the last scan.
type File struct {
	Path   string
	Source config.SourceConfig
	// State is the new fingerprint to store once the file has been ingested.
	State *models.ScanState
}

// Unreadable is a file that exists but could not be read or hashed.
type Unreadable struct {
	Path string
	Err  error
}

// Changes is the result of one detection run.
type Changes struct {
	Changed    []File
	Removed    []string
	Unreadable []Unreadable
	// Refreshed holds entries whose content is unchanged but whose fingerprint
	// or last_scanned_at must be updated.
	Refreshed []*models.ScanState
	Scanned   int
}

// HasChanges reports whether any file must be reparsed or dropped.
func (c *Changes) HasChanges() bool {
	return len(c.Changed) > 0 || len(c.Removed) > 0 || len(c.Unreadable) > 0
}

// Warnings returns the unreadable files as IngestionErrors.
func (c *Changes) Warnings() []error {
	out := make([]error, 0, len(c.Unreadable))
	for _, u := range c.Unreadable {
		out = append(out, merrors.Ingestion(u.Path, u.Err))
	}
	return out
}

// Detector compares the files under the configured sources against the scan cache.
type Detector struct {
	store  storage.Storage
	ttl    time.Duration
	now    func() time.Time
	hash   func(path string) (string, error)
	logger *zap.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// NewDetector creates a detector reading scan state from store. Cache entries older
// than ttl are rehashed even when size and mtime match.
func NewDetector(store storage.Storage, ttl time.Duration, opts ...Option) *Detector {
	d := &Detector{
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		hash:   fileid.FileHash,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect walks every source root. With full set, every file is returned as changed
// and the cache is ignored.
func (d *Detector) Detect(ctx context.Context, sources []config.SourceConfig, full bool) (*Changes, error) {
	states, err := d.store.ScanStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("load scan state: %w", err)
	}
	now := d.now().UTC()
	changes := &Changes{}
	seen := make(map[string]bool)

	for _, src := range sources {
		if src.Root == "" {
			continue
		}
		root, err := filepath.Abs(src.Root)
		if err != nil {
			return nil, fmt.Errorf("absolute path: %w", err)
		}
		if _, err := os.Stat(root); err != nil {
			d.logger.Debug("source root missing", zap.String("source", src.Name), zap.String("root", root))
			continue
		}
		err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if walkErr != nil {
				if entry != nil && !entry.IsDir() {
					seen[path] = true
					changes.Unreadable = append(changes.Unreadable, Unreadable{Path: path, Err: walkErr})
					return nil
				}
				if path == root {
					return walkErr
				}
				d.logger.Warn("skipping unreadable directory", zap.String("path", path), zap.Error(walkErr))
				return fs.SkipDir
			}
			if entry.IsDir() || !extensionAllowed(path, src.Extensions) {
				return nil
			}
			if seen[path] {
				return nil
			}
			// Resolve symlinks so only regular files are indexed.
			info, err := os.Stat(path)
			if err != nil {
				return nil
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			seen[path] = true
			changes.Scanned++
			d.classify(path, src, info, states[path], full, now, changes)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}

	for path := range states {
		if !seen[path] {
			changes.Removed = append(changes.Removed, path)
		}
	}
	sort.Strings(changes.Removed)
	sort.Slice(changes.Changed, func(i, j int) bool { return changes.Changed[i].Path < changes.Changed[j].Path })

	d.logger.Debug("change detection finished",
		zap.Int("scanned", changes.Scanned),
		zap.Int("changed", len(changes.Changed)),
		zap.Int("removed", len(changes.Removed)),
		zap.Int("unreadable", len(changes.Unreadable)),
		zap.Int("refreshed", len(changes.Refreshed)))
	return changes, nil
}

func (d *Detector) classify(path string, src config.SourceConfig, info os.FileInfo, prev *models.ScanState, full bool, now time.Time, changes *Changes) {
	state := &models.ScanState{
		SourcePath:    path,
		Size:          info.Size(),
		ModTime:       info.ModTime().UTC(),
		LastScannedAt: now,
	}
	fingerprintChanged := prev == nil ||
		prev.Size != state.Size ||
		prev.ModTime.UnixMilli() != state.ModTime.UnixMilli()
	if !full && !fingerprintChanged && !prev.Stale(now, d.ttl) {
		return
	}

	hash, err := d.hash(path)
	if err != nil {
		changes.Unreadable = append(changes.Unreadable, Unreadable{Path: path, Err: err})
		return
	}
	state.ContentHash = hash
	if !full && prev != nil && prev.ContentHash == hash {
		changes.Refreshed = append(changes.Refreshed, state)
		return
	}
	changes.Changed = append(changes.Changed, File{Path: path, Source: src, State: state})
}

func extensionAllowed(path string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == ext {
			return true
		}
	}
	return false
}
