// Package filelock provides advisory, cross-process exclusive locks backed by
// a lock file. Locks are polled so that waiting honours context cancellation.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked is returned by TryLock when another holder owns the lock.
var ErrLocked = errors.New("filelock: already locked")

// pollInterval is the delay between lock attempts in Lock.
const pollInterval = 10 * time.Millisecond

// Handle is a held exclusive lock. Release it with Unlock.
type Handle struct {
	f    *os.File
	path string
}

// Path returns the lock file path.
func (l *Handle) Path() string { return l.path }

// TryLock acquires the lock at path without waiting.
// Returns ErrLocked if it is held elsewhere.
func TryLock(path string) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("filelock: create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filelock: open: %w", err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Handle{f: f, path: path}, nil
}

// Lock acquires the lock at path, waiting until it is free or ctx is done.
func Lock(ctx context.Context, path string) (*Handle, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		l, err := TryLock(path)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("filelock: waiting for %s: %w", path, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Unlock releases the lock. The lock file itself is left in place.
func (l *Handle) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
