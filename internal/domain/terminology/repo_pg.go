package terminology

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/labsync/internal/platform/db"
)

// =========== Concept Repository ===========

type conceptRepoPG struct{ pool *pgxpool.Pool }

func NewConceptRepoPG(pool *pgxpool.Pool) ConceptRepository { return &conceptRepoPG{pool: pool} }

func (r *conceptRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *conceptRepoPG) FindByName(ctx context.Context, name string) (*Concept, error) {
	var c Concept
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, name, retired, created_at FROM concept
		 WHERE LOWER(name) = LOWER($1) AND NOT retired
		 ORDER BY created_at LIMIT 1`, name).
		Scan(&c.ID, &c.Name, &c.Retired, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("concept get: %w", err)
	}
	return &c, nil
}

func (r *conceptRepoPG) CanonicalName(ctx context.Context, alias string) (string, error) {
	var name string
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT canonical_name FROM concept_alias WHERE LOWER(alias) = LOWER($1)`, alias).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("concept alias get: %w", err)
	}
	return name, nil
}
