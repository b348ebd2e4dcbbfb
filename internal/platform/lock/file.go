package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// FileLocker holds an advisory flock on <dir>/<name>.lock. flock re-grants
// the lock to the instance already holding it; held makes a second TryLock
// on the same FileLocker fail as well.
type FileLocker struct {
	fl *flock.Flock

	mu   sync.Mutex
	held bool
}

func NewFileLocker(dir, name string) (*FileLocker, error) {
	if dir == "" || name == "" {
		return nil, fmt.Errorf("lock: directory and name are required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("lock: create directory: %w", err)
	}
	return &FileLocker{fl: flock.New(filepath.Join(dir, name+".lock"))}, nil
}

// Path returns the lock file location.
func (l *FileLocker) Path() string { return l.fl.Path() }

func (l *FileLocker) TryLock(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return ErrNotAcquired
	}
	ok, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("lock: %s: %w", l.fl.Path(), err)
	}
	if !ok {
		return ErrNotAcquired
	}
	l.held = true
	return nil
}

func (l *FileLocker) Unlock(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("lock: release %s: %w", l.fl.Path(), err)
	}
	l.held = false
	return nil
}
