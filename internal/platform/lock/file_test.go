package lock

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestFileLocker(t *testing.T, dir, name string) *FileLocker {
	t.Helper()
	l, err := NewFileLocker(dir, name)
	if err != nil {
		t.Fatalf("NewFileLocker: %v", err)
	}
	return l
}

func TestFileLocker_Exclusive(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := newTestFileLocker(t, dir, "lims-order-sync")
	second := newTestFileLocker(t, dir, "lims-order-sync")
	if want := filepath.Join(dir, "lims-order-sync.lock"); first.Path() != want {
		t.Errorf("expected path %s, got %s", want, first.Path())
	}

	if err := first.TryLock(ctx); err != nil {
		t.Fatalf("first TryLock: %v", err)
	}
	if err := second.TryLock(ctx); !errors.Is(err, ErrNotAcquired) {
		t.Errorf("expected ErrNotAcquired, got %v", err)
	}

	if err := first.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := second.TryLock(ctx); err != nil {
		t.Fatalf("second TryLock after release: %v", err)
	}
	if err := second.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

func TestFileLocker_SameInstanceExcludes(t *testing.T) {
	ctx := context.Background()
	l := newTestFileLocker(t, t.TempDir(), "lims-order-sync")

	if err := l.TryLock(ctx); err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if err := l.TryLock(ctx); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected second TryLock on the same locker to fail, got %v", err)
	}

	if err := l.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := l.TryLock(ctx); err != nil {
		t.Fatalf("TryLock after Unlock: %v", err)
	}
	if err := l.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

func TestFileLocker_UnlockWithoutLockIsNoop(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	holder := newTestFileLocker(t, dir, "lims-order-sync")
	idle := newTestFileLocker(t, dir, "lims-order-sync")

	if err := holder.TryLock(ctx); err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	defer holder.Unlock(ctx)

	if err := idle.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := idle.TryLock(ctx); !errors.Is(err, ErrNotAcquired) {
		t.Errorf("expected holder to keep the lock, got %v", err)
	}
}

func TestFileLocker_IndependentNames(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	a := newTestFileLocker(t, dir, "worker-a")
	b := newTestFileLocker(t, dir, "worker-b")

	if err := a.TryLock(ctx); err != nil {
		t.Fatalf("a TryLock: %v", err)
	}
	if err := b.TryLock(ctx); err != nil {
		t.Fatalf("b TryLock: %v", err)
	}
	a.Unlock(ctx)
	b.Unlock(ctx)
}

func TestNewFileLocker_Validation(t *testing.T) {
	if _, err := NewFileLocker("", "x"); err == nil {
		t.Error("expected error for empty directory")
	}
	if _, err := NewFileLocker(t.TempDir(), ""); err == nil {
		t.Error("expected error for empty name")
	}
}
