package labsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/labsync/internal/platform/db"
)

// =========== Order Mapping Repository ===========

type mappingRepoPG struct{ pool *pgxpool.Pool }

func NewMappingRepoPG(pool *pgxpool.Pool) MappingRepository {
	return &mappingRepoPG{pool: pool}
}

func (r *mappingRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const mappingCols = `id, local_order_id, remote_document_id, remote_revision, pushed_at, pulled_at, created_at, updated_at`

func scanMapping(row pgx.Row) (*OrderMapping, error) {
	var m OrderMapping
	err := row.Scan(&m.ID, &m.LocalOrderID, &m.RemoteDocumentID, &m.RemoteRevision,
		&m.PushedAt, &m.PulledAt, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *mappingRepoPG) GetByLocalOrderID(ctx context.Context, orderID uuid.UUID) (*OrderMapping, error) {
	return scanMapping(r.conn(ctx).QueryRow(ctx, `SELECT `+mappingCols+` FROM lims_order_mapping WHERE local_order_id = $1`, orderID))
}

func (r *mappingRepoPG) GetByRemoteDocumentID(ctx context.Context, remoteID string) (*OrderMapping, error) {
	return scanMapping(r.conn(ctx).QueryRow(ctx, `SELECT `+mappingCols+` FROM lims_order_mapping WHERE remote_document_id = $1`, remoteID))
}

func (r *mappingRepoPG) Create(ctx context.Context, m *OrderMapping) error {
	m.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO lims_order_mapping (id, local_order_id, remote_document_id, remote_revision, pushed_at, pulled_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`,
		m.ID, m.LocalOrderID, m.RemoteDocumentID, m.RemoteRevision, m.PushedAt, m.PulledAt,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order mapping: %w", err)
	}
	return nil
}

// MarkPushed and MarkPulled keep the stored revision when revision is nil.
func (r *mappingRepoPG) MarkPushed(ctx context.Context, id uuid.UUID, revision *string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE lims_order_mapping SET pushed_at = NOW(), remote_revision = COALESCE($2, remote_revision), updated_at = NOW()
		WHERE id = $1`, id, revision)
	return err
}

func (r *mappingRepoPG) MarkPulled(ctx context.Context, id uuid.UUID, revision *string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE lims_order_mapping SET pulled_at = NOW(), remote_revision = COALESCE($2, remote_revision), updated_at = NOW()
		WHERE id = $1`, id, revision)
	return err
}

func (r *mappingRepoPG) ListUnmapped(ctx context.Context, limit int, exclude []uuid.UUID) ([]uuid.UUID, error) {
	if exclude == nil {
		// a NULL array would filter out every row
		exclude = []uuid.UUID{}
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT o.id FROM lab_order o
		LEFT JOIN lims_order_mapping m ON m.local_order_id = o.id
		WHERE m.id IS NULL AND NOT (o.id = ANY($2))
		ORDER BY o.created_at, o.id
		LIMIT $1`, limit, exclude)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *mappingRepoPG) Count(ctx context.Context) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lims_order_mapping`).Scan(&n)
	return n, err
}

// =========== Failed Import Repository ===========

type failedImportRepoPG struct{ pool *pgxpool.Pool }

func NewFailedImportRepoPG(pool *pgxpool.Pool) FailedImportRepository {
	return &failedImportRepoPG{pool: pool}
}

func (r *failedImportRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const failedImportCols = `id, remote_document_id, tracking_number, external_patient_id, reason, diff, created_at`

func (r *failedImportRepoPG) Create(ctx context.Context, f *FailedImport) error {
	f.ID = uuid.New()
	var diff interface{}
	if len(f.Diff) > 0 {
		diff = string(f.Diff)
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO lims_failed_import (id, remote_document_id, tracking_number, external_patient_id, reason, diff)
		VALUES ($1,$2,$3,$4,$5,$6::jsonb)
		RETURNING created_at`,
		f.ID, f.RemoteDocumentID, f.TrackingNumber, f.ExternalPatientID, f.Reason, diff,
	).Scan(&f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert failed import: %w", err)
	}
	return nil
}

func (r *failedImportRepoPG) List(ctx context.Context, limit, offset int) ([]*FailedImport, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lims_failed_import`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+failedImportCols+` FROM lims_failed_import ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*FailedImport
	for rows.Next() {
		var f FailedImport
		var diff []byte
		if err := rows.Scan(&f.ID, &f.RemoteDocumentID, &f.TrackingNumber, &f.ExternalPatientID, &f.Reason, &diff, &f.CreatedAt); err != nil {
			return nil, 0, err
		}
		if len(diff) > 0 {
			f.Diff = diff
		}
		items = append(items, &f)
	}
	return items, total, rows.Err()
}
