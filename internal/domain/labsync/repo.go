package labsync

import (
	"context"

	"github.com/google/uuid"
)

type MappingRepository interface {
	// GetByLocalOrderID and GetByRemoteDocumentID return nil, nil when no
	// mapping exists.
	GetByLocalOrderID(ctx context.Context, orderID uuid.UUID) (*OrderMapping, error)
	GetByRemoteDocumentID(ctx context.Context, remoteID string) (*OrderMapping, error)
	Create(ctx context.Context, m *OrderMapping) error
	MarkPushed(ctx context.Context, id uuid.UUID, revision *string) error
	MarkPulled(ctx context.Context, id uuid.UUID, revision *string) error
	// ListUnmapped returns up to limit local orders without a mapping, oldest
	// first, skipping the ids in exclude.
	ListUnmapped(ctx context.Context, limit int, exclude []uuid.UUID) ([]uuid.UUID, error)
	Count(ctx context.Context) (int, error)
}

type FailedImportRepository interface {
	Create(ctx context.Context, f *FailedImport) error
	List(ctx context.Context, limit, offset int) ([]*FailedImport, int, error)
}
