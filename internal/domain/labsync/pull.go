package labsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/labsync/internal/domain/diagnostics"
	"github.com/ehr/labsync/internal/domain/identity"
	"github.com/ehr/labsync/internal/platform/lims"
)

// PullUpdates replays up to limit feed entries after from (nil replays the
// whole feed). The checkpoint is saved after every handled entry, accepted or
// rejected. An entry that fails with an unclassified error is not
// checkpointed and stops the pull.
func (w *Worker) PullUpdates(ctx context.Context, from *string, limit int) (PullResult, error) {
	res := PullResult{Position: from}

	err := w.remote.ConsumeOrders(ctx, from, limit, func(ctx context.Context, entry lims.Entry, feed lims.FeedContext) (lims.EntryResult, error) {
		log := w.logger.With().Str("remote_id", entry.ID).Str("position", feed.Position).Logger()

		outcome, err := w.HandleEntry(ctx, entry)
		if err != nil {
			log.Error().Err(err).Msg("entry failed, checkpoint not advanced")
			return lims.EntryResult{}, fmt.Errorf("handle entry %s at %s: %w", entry.ID, feed.Position, err)
		}
		if err := w.checkpoints.Set(ctx, w.cfg.Name, feed.Position); err != nil {
			return lims.EntryResult{}, fmt.Errorf("save checkpoint %s: %w", feed.Position, err)
		}

		pos := feed.Position
		res.Position = &pos
		res.Processed++
		if outcome.Status == OutcomeAccepted {
			res.Accepted++
		} else {
			res.Rejected++
		}
		w.metrics.pull(outcome)
		log.Debug().Str("outcome", string(outcome.Status)).Msg(outcome.Message)

		return lims.EntryResult{Accepted: outcome.Status == OutcomeAccepted, Message: outcome.Message}, nil
	})
	return res, err
}

// HandleEntry reconciles one feed entry and applies it locally. Classified
// failures, including documents the local order store refuses, are written
// to the failed-import ledger and reported as a rejected Outcome with a nil
// error; any other error, including a panic, is returned.
func (w *Worker) HandleEntry(ctx context.Context, entry lims.Entry) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling entry %s: %v", entry.ID, r)
		}
	}()

	doc, err := w.loadDocument(ctx, entry)
	if err != nil {
		base := FailedImport{RemoteDocumentID: entry.ID}
		var verr *lims.ValidationError
		if errors.As(err, &verr) {
			return w.reject(ctx, FailureInvalidDocument, base, verr.Error(), nil)
		}
		var herr *lims.HTTPError
		if errors.As(err, &herr) {
			return w.reject(ctx, FailureExternalError, base, herr.Error(), nil)
		}
		return Outcome{}, err
	}
	return w.applyDocument(ctx, doc)
}

func (w *Worker) loadDocument(ctx context.Context, entry lims.Entry) (*lims.Document, error) {
	var (
		doc *lims.Document
		err error
	)
	if entry.IsStub() {
		doc, err = w.remote.GetOrder(ctx, entry.ID)
	} else {
		doc, err = lims.ParseDocument(entry.Doc)
	}
	if err != nil {
		return nil, err
	}
	if doc.Revision == "" {
		doc.Revision = entry.Revision
	}
	return doc, nil
}

func (w *Worker) applyDocument(ctx context.Context, doc *lims.Document) (Outcome, error) {
	base := FailedImport{
		RemoteDocumentID:  doc.ID,
		TrackingNumber:    optionalString(strings.TrimSpace(doc.Order.TrackingNumber)),
		ExternalPatientID: optionalString(strings.TrimSpace(doc.Patient.ID)),
	}

	if base.TrackingNumber == nil {
		return w.reject(ctx, FailureMissingAccession, base, "document has no tracking number", nil)
	}

	patient, err := w.reconciler.ResolveLocalPatient(ctx, doc.Patient.ID)
	if errors.Is(err, ErrDuplicateIdentifier) {
		return w.reject(ctx, FailureDuplicateIdentifier, base, err.Error(), nil)
	}
	if err != nil {
		return Outcome{}, err
	}
	if patient == nil {
		return w.reject(ctx, FailureNoPatientMatch, base, fmt.Sprintf("no local patient with identifier %q", doc.Patient.ID), nil)
	}

	if diff := DiffDemographics(patient, doc.Patient); len(diff) > 0 {
		raw, err := json.Marshal(diff)
		if err != nil {
			return Outcome{}, fmt.Errorf("encode demographics diff: %w", err)
		}
		return w.reject(ctx, FailureDemographicsMismatch, base, fmt.Sprintf("demographics differ from patient %s", patient.ID), raw)
	}

	orderID, created, err := w.applyOrder(ctx, doc, patient)
	if errors.Is(err, diagnostics.ErrValidation) {
		return w.reject(ctx, FailureInvalidDocument, base, err.Error(), nil)
	}
	if err != nil {
		return Outcome{}, err
	}
	verb := "updated"
	if created {
		verb = "created"
	}
	w.logger.Info().Str("remote_id", doc.ID).Str("order_id", orderID.String()).
		Str("tracking_number", doc.Order.TrackingNumber).Msgf("local order %s from LIMS", verb)
	return accepted(fmt.Sprintf("order %s %s", orderID, verb)), nil
}

// applyOrder writes the order, its mapping and any results in one
// transaction. Remote data wins over local edits.
func (w *Worker) applyOrder(ctx context.Context, doc *lims.Document, patient *identity.Patient) (orderID uuid.UUID, created bool, err error) {
	err = w.tx.WithinTx(ctx, func(ctx context.Context) error {
		m, err := w.mappings.GetByRemoteDocumentID(ctx, doc.ID)
		if err != nil {
			return fmt.Errorf("get mapping: %w", err)
		}
		revision := optionalString(doc.Revision)

		var order *diagnostics.LabOrder
		if m == nil {
			order = &diagnostics.LabOrder{}
			if err := w.fillOrder(ctx, order, doc, patient); err != nil {
				return err
			}
			if err := w.orders.CreateOrder(ctx, order); err != nil {
				return fmt.Errorf("create local order: %w", err)
			}
			now := w.now()
			if err := w.mappings.Create(ctx, &OrderMapping{
				LocalOrderID:     order.ID,
				RemoteDocumentID: doc.ID,
				RemoteRevision:   revision,
				PulledAt:         &now,
			}); err != nil {
				return err
			}
			created = true
		} else {
			order, err = w.orders.GetOrder(ctx, m.LocalOrderID)
			if err != nil {
				return fmt.Errorf("load mapped order %s: %w", m.LocalOrderID, err)
			}
			if err := w.fillOrder(ctx, order, doc, patient); err != nil {
				return err
			}
			if err := w.orders.UpdateOrder(ctx, order); err != nil {
				return fmt.Errorf("update local order: %w", err)
			}
			if err := w.mappings.MarkPulled(ctx, m.ID, revision); err != nil {
				return fmt.Errorf("mark pulled: %w", err)
			}
		}
		orderID = order.ID

		if len(doc.TestResults) == 0 {
			return nil
		}
		translated, err := w.translator.TranslateResultSet(ctx, order, doc.TestResults, w.cfg.Actor)
		if err != nil {
			return fmt.Errorf("translate results: %w", err)
		}
		for _, tt := range translated {
			if err := w.orders.ReplaceTestResults(ctx, tt.Test.ID, tt.Results()); err != nil {
				return fmt.Errorf("store results for %q: %w", tt.Test.Name, err)
			}
		}
		return nil
	})
	return orderID, created, err
}

// fillOrder copies the remote order onto o. Fields the document leaves empty
// keep their local value.
func (w *Worker) fillOrder(ctx context.Context, o *diagnostics.LabOrder, doc *lims.Document, patient *identity.Patient) error {
	src := doc.Order
	o.PatientID = patient.ID
	o.AccessionNumber = strings.TrimSpace(src.TrackingNumber)

	if src.EncounterID != nil {
		if id, err := uuid.Parse(*src.EncounterID); err == nil {
			o.EncounterID = &id
		}
	}
	if !src.OrderDate.IsZero() {
		o.OrderDate = src.OrderDate
	} else if o.OrderDate.IsZero() {
		o.OrderDate = w.now()
	}
	if src.RequestingClinician != nil {
		o.RequestingClinician = src.RequestingClinician
	}
	if src.TargetLab != "" {
		o.TargetLab = src.TargetLab
	}

	if src.Specimen.Name != "" {
		id, err := w.resolveConcept(ctx, src.Specimen)
		if err != nil {
			return err
		}
		o.SpecimenName, o.SpecimenConceptID = src.Specimen.Name, id
	}
	if src.ReasonForTest.Name != "" {
		id, err := w.resolveConcept(ctx, src.ReasonForTest)
		if err != nil {
			return err
		}
		o.ReasonName, o.ReasonConceptID = src.ReasonForTest.Name, id
	}

	if o.ID == uuid.Nil && w.cfg.Actor.UserID != uuid.Nil {
		actor := w.cfg.Actor.UserID
		o.CreatedBy = &actor
	}

	tests := make([]*diagnostics.LabTest, 0, len(src.Tests))
	for _, t := range src.Tests {
		name, err := w.concepts.CanonicalTestName(ctx, t.Name)
		if err != nil {
			return fmt.Errorf("canonical name for %q: %w", t.Name, err)
		}
		conceptID, err := w.resolveConcept(ctx, lims.ConceptRef{ConceptID: t.ConceptID, Name: name})
		if err != nil {
			return err
		}
		tests = append(tests, &diagnostics.LabTest{Name: name, ConceptID: conceptID})
	}
	o.Tests = tests
	return nil
}

// resolveConcept maps a remote concept reference to a local concept by name,
// falling back to the reference's id when it is already a local UUID.
func (w *Worker) resolveConcept(ctx context.Context, ref lims.ConceptRef) (*uuid.UUID, error) {
	id, ok, err := w.concepts.ResolveConceptID(ctx, ref.Name)
	if err != nil {
		return nil, fmt.Errorf("resolve concept %q: %w", ref.Name, err)
	}
	if ok {
		return &id, nil
	}
	if parsed, err := uuid.Parse(ref.ConceptID); err == nil {
		return &parsed, nil
	}
	return nil, nil
}

func (w *Worker) reject(ctx context.Context, kind FailureKind, f FailedImport, message string, diff json.RawMessage) (Outcome, error) {
	f.Reason = kind.Reason()
	if kind == FailureExternalError {
		f.Reason = message
	}
	f.Diff = diff
	if err := w.failedImports.Create(ctx, &f); err != nil {
		return Outcome{}, fmt.Errorf("record failed import for %s: %w", f.RemoteDocumentID, err)
	}
	w.logger.Warn().
		Str("remote_id", f.RemoteDocumentID).
		Str("kind", string(kind)).
		Str("tracking_number", derefString(f.TrackingNumber)).
		Msg(message)
	return rejected(kind, message), nil
}
