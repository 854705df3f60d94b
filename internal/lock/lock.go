// Package lock provides the cross-process single-writer lock for indexing passes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	merrors "github.com/nicosuave/memex/internal/errors"
	"github.com/nicosuave/memex/internal/models"
)

// RetryDelay is how often Acquire retries a held lock.
const RetryDelay = 50 * time.Millisecond

// FileLock is an exclusive advisory lock on a file, shared by every memex process
// using the same root. Within one process it is held by at most one caller at a
// time: a second Acquire on the same FileLock waits like any other process would.
type FileLock struct {
	path  string
	flock *flock.Flock
	// held carries a token while a caller of this process owns the lock.
	held chan struct{}
}

// New creates a lock on path. The file is created on first acquisition.
func New(path string) *FileLock {
	return &FileLock{path: path, flock: flock.New(path), held: make(chan struct{}, 1)}
}

// ModelPath returns the per-model embedding lock under stateDir.
func ModelPath(stateDir string, model models.ModelKind) string {
	return filepath.Join(stateDir, "embed-"+string(model)+".lock")
}

func (l *FileLock) ensureDir() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	return nil
}

// TryAcquire attempts to take the lock without waiting. It returns false when
// another holder, in this process or another one, has it.
func (l *FileLock) TryAcquire() (bool, error) {
	select {
	case l.held <- struct{}{}:
	default:
		return false, nil
	}
	if err := l.ensureDir(); err != nil {
		<-l.held
		return false, err
	}
	ok, err := l.flock.TryLock()
	if err != nil || !ok {
		<-l.held
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return ok, nil
}

// Acquire waits up to timeout for the lock. When it is still held after the
// timeout, the error is LockContention. Cancellation of ctx returns ctx.Err().
func (l *FileLock) Acquire(ctx context.Context, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case l.held <- struct{}{}:
	case <-waitCtx.Done():
		return l.waitError(ctx, timeout, nil)
	}
	if err := l.ensureDir(); err != nil {
		<-l.held
		return err
	}
	ok, err := l.flock.TryLockContext(waitCtx, RetryDelay)
	if ok {
		return nil
	}
	<-l.held
	return l.waitError(ctx, timeout, err)
}

func (l *FileLock) waitError(ctx context.Context, timeout time.Duration, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		return merrors.LockContention(l.path, fmt.Errorf("still held after %s", timeout))
	}
	return fmt.Errorf("failed to acquire lock: %w", err)
}

// Release unlocks. Only the caller that acquired the lock may release it; on an
// unheld FileLock it does nothing.
func (l *FileLock) Release() error {
	if len(l.held) == 0 {
		return nil
	}
	err := l.flock.Unlock()
	<-l.held
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// Locked reports whether a caller of this process holds the lock.
func (l *FileLock) Locked() bool {
	return len(l.held) == 1
}
