package labsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/labsync/internal/domain/diagnostics"
	"github.com/ehr/labsync/internal/platform/lims"
)

// PushPending pushes unmapped local orders in batches of batchSize until a
// selection comes back empty. Orders that fail are skipped for the rest of
// the drain and stay eligible for the next one; their errors are joined into
// the returned error.
func (w *Worker) PushPending(ctx context.Context, batchSize int) (PushResult, error) {
	var (
		total  PushResult
		failed []uuid.UUID
		errs   []error
	)
	for {
		res, failures, err := w.pushBatch(ctx, batchSize, failed)
		total.add(res)
		for _, f := range failures {
			failed = append(failed, f.orderID)
			errs = append(errs, f.err)
		}
		if err != nil {
			errs = append(errs, err)
			break
		}
		if res.Processed == 0 {
			break
		}
	}
	return total, errors.Join(errs...)
}

// PushBatch pushes at most batchSize unmapped local orders.
func (w *Worker) PushBatch(ctx context.Context, batchSize int) (PushResult, error) {
	res, failures, err := w.pushBatch(ctx, batchSize, nil)
	errs := make([]error, 0, len(failures)+1)
	for _, f := range failures {
		errs = append(errs, f.err)
	}
	errs = append(errs, err)
	return res, errors.Join(errs...)
}

type pushFailure struct {
	orderID uuid.UUID
	err     error
}

func (w *Worker) pushBatch(ctx context.Context, batchSize int, exclude []uuid.UUID) (PushResult, []pushFailure, error) {
	var res PushResult
	ids, err := w.mappings.ListUnmapped(ctx, batchSize, exclude)
	if err != nil {
		return res, nil, fmt.Errorf("list unmapped orders: %w", err)
	}

	var failures []pushFailure
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, failures, err
		}
		res.Processed++
		created, err := w.PushOrder(ctx, id)
		if err != nil {
			res.Failed++
			w.metrics.push("failed")
			w.logger.Error().Err(err).Str("order_id", id.String()).Msg("push failed, order stays pending")
			failures = append(failures, pushFailure{orderID: id, err: err})
			continue
		}
		if created {
			res.Created++
			w.metrics.push("created")
		} else {
			res.Updated++
			w.metrics.push("updated")
		}
	}
	return res, failures, nil
}

// PushOrder sends one local order to the LIMS. An order without a mapping is
// created remotely and mapped; a mapped order is updated in place. The remote
// call and the mapping write share a transaction, so a failed call leaves no
// mapping behind.
func (w *Worker) PushOrder(ctx context.Context, orderID uuid.UUID) (created bool, err error) {
	err = w.tx.WithinTx(ctx, func(ctx context.Context) error {
		order, err := w.orders.GetOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("load order: %w", err)
		}
		dto := toOrderDTO(order)

		m, err := w.mappings.GetByLocalOrderID(ctx, orderID)
		if err != nil {
			return fmt.Errorf("get mapping: %w", err)
		}

		if m == nil {
			ref, err := w.remote.CreateOrder(ctx, dto)
			if err != nil {
				return fmt.Errorf("create remote order: %w", err)
			}
			now := w.now()
			if err := w.mappings.Create(ctx, &OrderMapping{
				LocalOrderID:     orderID,
				RemoteDocumentID: ref.ID,
				RemoteRevision:   optionalString(ref.Revision),
				PushedAt:         &now,
			}); err != nil {
				return err
			}
			created = true
			w.logger.Info().Str("order_id", orderID.String()).Str("remote_id", ref.ID).
				Str("tracking_number", order.AccessionNumber).Msg("order created in LIMS")
			return nil
		}

		ref, err := w.remote.UpdateOrder(ctx, m.RemoteDocumentID, dto)
		if err != nil {
			return fmt.Errorf("update remote order %s: %w", m.RemoteDocumentID, err)
		}
		if err := w.mappings.MarkPushed(ctx, m.ID, optionalString(ref.Revision)); err != nil {
			return fmt.Errorf("mark pushed: %w", err)
		}
		w.logger.Info().Str("order_id", orderID.String()).Str("remote_id", m.RemoteDocumentID).
			Str("tracking_number", order.AccessionNumber).Msg("order updated in LIMS")
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("push order %s: %w", orderID, err)
	}
	return created, nil
}

func toOrderDTO(o *diagnostics.LabOrder) lims.OrderDTO {
	dto := lims.OrderDTO{
		OrderID:             o.ID.String(),
		PatientID:           o.PatientID.String(),
		EncounterID:         uuidString(o.EncounterID),
		OrderDate:           o.OrderDate,
		TrackingNumber:      o.AccessionNumber,
		Specimen:            lims.ConceptRef{ConceptID: derefString(uuidString(o.SpecimenConceptID)), Name: o.SpecimenName},
		RequestingClinician: o.RequestingClinician,
		TargetLab:           o.TargetLab,
		ReasonForTest:       lims.ConceptRef{ConceptID: derefString(uuidString(o.ReasonConceptID)), Name: o.ReasonName},
		Tests:               make([]lims.TestDTO, 0, len(o.Tests)),
	}
	for _, t := range o.Tests {
		td := lims.TestDTO{
			ID:        t.ID.String(),
			ConceptID: derefString(uuidString(t.ConceptID)),
			Name:      t.Name,
		}
		if len(t.Results) > 0 {
			r := t.Results[0]
			value := r.ValueText
			if r.Modifier != "" && r.Modifier != "=" {
				value = r.Modifier + value
			}
			td.Result = &lims.ResultDTO{ID: r.ID.String(), Value: value, Date: r.ResultDate}
		}
		dto.Tests = append(dto.Tests, td)
	}
	return dto
}

func uuidString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
