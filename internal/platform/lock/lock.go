// Package lock provides the exclusive lock held by a sync worker for the
// duration of a cycle.
package lock

import (
	"context"
	"errors"
)

// ErrNotAcquired is returned by TryLock when another holder owns the lock.
var ErrNotAcquired = errors.New("lock: held by another worker")

// Locker is a non-blocking, process-wide mutual exclusion primitive.
type Locker interface {
	// TryLock acquires the lock or returns ErrNotAcquired immediately.
	TryLock(ctx context.Context) error
	// Unlock releases a lock acquired by TryLock.
	Unlock(ctx context.Context) error
}
