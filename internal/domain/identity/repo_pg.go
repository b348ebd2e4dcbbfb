package identity

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/labsync/internal/platform/db"
)

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewPatientRepo(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const patientCols = `id, active, first_name, last_name, gender, birth_date, created_at, updated_at`

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (id, active, first_name, last_name, gender, birth_date)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`,
		p.ID, p.Active, p.FirstName, p.LastName, p.Gender, p.BirthDate,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
}

// Identifiers
func (r *patientRepoPG) AddIdentifier(ctx context.Context, ident *PatientIdentifier) error {
	ident.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_identifier (id, patient_id, type_code, value, voided, voided_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at`,
		ident.ID, ident.PatientID, ident.TypeCode, ident.Value, ident.Voided, ident.VoidedAt,
	).Scan(&ident.CreatedAt)
}

func (r *patientRepoPG) GetIdentifiers(ctx context.Context, patientID uuid.UUID) ([]*PatientIdentifier, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_id, type_code, value, voided, voided_at, created_at
		FROM patient_identifier WHERE patient_id = $1 ORDER BY created_at`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var idents []*PatientIdentifier
	for rows.Next() {
		var i PatientIdentifier
		if err := rows.Scan(&i.ID, &i.PatientID, &i.TypeCode, &i.Value, &i.Voided, &i.VoidedAt, &i.CreatedAt); err != nil {
			return nil, err
		}
		idents = append(idents, &i)
	}
	return idents, rows.Err()
}

func (r *patientRepoPG) VoidIdentifier(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE patient_identifier SET voided = TRUE, voided_at = NOW() WHERE id = $1`, id)
	return err
}

func (r *patientRepoPG) FindPatientIDsByIdentifier(ctx context.Context, value string, typeCodes []string, voided bool) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT patient_id FROM patient_identifier
		WHERE value = $1 AND type_code = ANY($2) AND voided = $3`,
		value, typeCodes, voided)
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

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Active, &p.FirstName, &p.LastName, &p.Gender, &p.BirthDate, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
