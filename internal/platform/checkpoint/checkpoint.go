// Package checkpoint persists the last processed change-feed position per
// worker, outside the transactional store.
package checkpoint

import (
	"context"
	"time"
)

// Checkpoint is the stored position of one worker.
type Checkpoint struct {
	Worker    string    `json:"worker"`
	Position  string    `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes checkpoints. Get returns nil, nil when the worker
// has never stored a position.
type Store interface {
	Get(ctx context.Context, worker string) (*Checkpoint, error)
	Set(ctx context.Context, worker, position string) error
	Delete(ctx context.Context, worker string) error
}

// PositionPtr returns the stored position, or nil when cp is nil.
func (cp *Checkpoint) PositionPtr() *string {
	if cp == nil {
		return nil
	}
	p := cp.Position
	return &p
}
