package diagnostics

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/labsync/internal/platform/db"
)

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) OrderRepository {
	return &orderRepoPG{pool: pool}
}

func (r *orderRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const orderCols = `id, patient_id, encounter_id, specimen_concept_id, specimen_name,
	requesting_clinician, target_lab, reason_concept_id, reason_name,
	accession_number, order_date, created_by, created_at, updated_at`

const testCols = `id, order_id, concept_id, name, created_at`

const resultCols = `id, test_id, indicator_id, modifier, value_text, value_numeric, value_type,
	comment, result_date, entered_by, created_at`

func (r *orderRepoPG) scanOrder(row pgx.Row) (*LabOrder, error) {
	var o LabOrder
	err := row.Scan(&o.ID, &o.PatientID, &o.EncounterID, &o.SpecimenConceptID, &o.SpecimenName,
		&o.RequestingClinician, &o.TargetLab, &o.ReasonConceptID, &o.ReasonName,
		&o.AccessionNumber, &o.OrderDate, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &o, err
}

func scanTest(row pgx.Row) (*LabTest, error) {
	var t LabTest
	err := row.Scan(&t.ID, &t.OrderID, &t.ConceptID, &t.Name, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &t, err
}

func scanResult(row pgx.Row) (*TestResult, error) {
	var tr TestResult
	err := row.Scan(&tr.ID, &tr.TestID, &tr.IndicatorID, &tr.Modifier, &tr.ValueText, &tr.ValueNumeric, &tr.ValueType,
		&tr.Comment, &tr.ResultDate, &tr.EnteredBy, &tr.CreatedAt)
	return &tr, err
}

func (r *orderRepoPG) Create(ctx context.Context, o *LabOrder) error {
	o.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO lab_order (id, patient_id, encounter_id, specimen_concept_id, specimen_name,
			requesting_clinician, target_lab, reason_concept_id, reason_name,
			accession_number, order_date, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`,
		o.ID, o.PatientID, o.EncounterID, o.SpecimenConceptID, o.SpecimenName,
		o.RequestingClinician, o.TargetLab, o.ReasonConceptID, o.ReasonName,
		o.AccessionNumber, o.OrderDate, o.CreatedBy,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert lab order: %w", err)
	}
	for _, t := range o.Tests {
		t.OrderID = o.ID
		if err := r.AddTest(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (r *orderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*LabOrder, error) {
	o, err := r.scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM lab_order WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	tests, err := r.ListTests(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, t := range tests {
		if t.Results, err = r.ListResults(ctx, t.ID); err != nil {
			return nil, err
		}
	}
	o.Tests = tests
	return o, nil
}

func (r *orderRepoPG) Update(ctx context.Context, o *LabOrder) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE lab_order SET patient_id=$2, encounter_id=$3, specimen_concept_id=$4, specimen_name=$5,
			requesting_clinician=$6, target_lab=$7, reason_concept_id=$8, reason_name=$9,
			accession_number=$10, order_date=$11, updated_at=NOW()
		WHERE id = $1`,
		o.ID, o.PatientID, o.EncounterID, o.SpecimenConceptID, o.SpecimenName,
		o.RequestingClinician, o.TargetLab, o.ReasonConceptID, o.ReasonName,
		o.AccessionNumber, o.OrderDate)
	if err != nil {
		return fmt.Errorf("update lab order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *orderRepoPG) AddTest(ctx context.Context, t *LabTest) error {
	t.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO lab_test (id, order_id, concept_id, name) VALUES ($1,$2,$3,$4)
		RETURNING created_at`,
		t.ID, t.OrderID, t.ConceptID, t.Name,
	).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert lab test: %w", err)
	}
	return nil
}

func (r *orderRepoPG) ListTests(ctx context.Context, orderID uuid.UUID) ([]*LabTest, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+testCols+` FROM lab_test WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*LabTest
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *orderRepoPG) FindTestByName(ctx context.Context, orderID uuid.UUID, name string) (*LabTest, error) {
	return scanTest(r.conn(ctx).QueryRow(ctx,
		`SELECT `+testCols+` FROM lab_test WHERE order_id = $1 AND LOWER(name) = LOWER($2) ORDER BY created_at LIMIT 1`,
		orderID, name))
}

// ReplaceTestResults deletes the test's current results and writes results.
// Callers wrap it in a transaction together with the order write.
func (r *orderRepoPG) ReplaceTestResults(ctx context.Context, testID uuid.UUID, results []*TestResult) error {
	q := r.conn(ctx)
	if _, err := q.Exec(ctx, `DELETE FROM test_result WHERE test_id = $1`, testID); err != nil {
		return fmt.Errorf("delete test results: %w", err)
	}
	for _, tr := range results {
		tr.ID = uuid.New()
		tr.TestID = testID
		err := q.QueryRow(ctx, `
			INSERT INTO test_result (id, test_id, indicator_id, modifier, value_text, value_numeric, value_type,
				comment, result_date, entered_by)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			RETURNING created_at`,
			tr.ID, tr.TestID, tr.IndicatorID, tr.Modifier, tr.ValueText, tr.ValueNumeric, tr.ValueType,
			tr.Comment, tr.ResultDate, tr.EnteredBy,
		).Scan(&tr.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert test result: %w", err)
		}
	}
	return nil
}

func (r *orderRepoPG) ListResults(ctx context.Context, testID uuid.UUID) ([]*TestResult, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+resultCols+` FROM test_result WHERE test_id = $1 ORDER BY created_at`, testID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*TestResult
	for rows.Next() {
		tr, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, tr)
	}
	return items, rows.Err()
}
