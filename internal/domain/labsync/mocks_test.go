package labsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/labsync/internal/domain/diagnostics"
	"github.com/ehr/labsync/internal/domain/identity"
	"github.com/ehr/labsync/internal/platform/checkpoint"
	"github.com/ehr/labsync/internal/platform/lims"
	"github.com/ehr/labsync/internal/platform/lock"
)

// -- Mock Order Repository --

type mockOrderRepo struct {
	orders  map[uuid.UUID]*diagnostics.LabOrder
	created []uuid.UUID
	tests   map[uuid.UUID]*diagnostics.LabTest
	results map[uuid.UUID][]*diagnostics.TestResult
}

func newMockOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{
		orders:  make(map[uuid.UUID]*diagnostics.LabOrder),
		tests:   make(map[uuid.UUID]*diagnostics.LabTest),
		results: make(map[uuid.UUID][]*diagnostics.TestResult),
	}
}

func (m *mockOrderRepo) Create(ctx context.Context, o *diagnostics.LabOrder) error {
	o.ID = uuid.New()
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	m.orders[o.ID] = o
	m.created = append(m.created, o.ID)
	for _, t := range o.Tests {
		t.OrderID = o.ID
		if err := m.AddTest(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockOrderRepo) GetByID(ctx context.Context, id uuid.UUID) (*diagnostics.LabOrder, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, diagnostics.ErrNotFound
	}
	o.Tests, _ = m.ListTests(ctx, id)
	for _, t := range o.Tests {
		t.Results = m.results[t.ID]
	}
	return o, nil
}

func (m *mockOrderRepo) Update(_ context.Context, o *diagnostics.LabOrder) error {
	if _, ok := m.orders[o.ID]; !ok {
		return diagnostics.ErrNotFound
	}
	o.UpdatedAt = time.Now()
	m.orders[o.ID] = o
	return nil
}

func (m *mockOrderRepo) AddTest(_ context.Context, t *diagnostics.LabTest) error {
	t.ID = uuid.New()
	t.CreatedAt = time.Now()
	m.tests[t.ID] = t
	return nil
}

func (m *mockOrderRepo) ListTests(_ context.Context, orderID uuid.UUID) ([]*diagnostics.LabTest, error) {
	var result []*diagnostics.LabTest
	for _, t := range m.tests {
		if t.OrderID == orderID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (m *mockOrderRepo) FindTestByName(_ context.Context, orderID uuid.UUID, name string) (*diagnostics.LabTest, error) {
	for _, t := range m.tests {
		if t.OrderID == orderID && strings.EqualFold(t.Name, name) {
			return t, nil
		}
	}
	return nil, diagnostics.ErrNotFound
}

func (m *mockOrderRepo) ReplaceTestResults(_ context.Context, testID uuid.UUID, results []*diagnostics.TestResult) error {
	for _, r := range results {
		r.ID = uuid.New()
		r.TestID = testID
	}
	m.results[testID] = results
	return nil
}

func (m *mockOrderRepo) ListResults(_ context.Context, testID uuid.UUID) ([]*diagnostics.TestResult, error) {
	return m.results[testID], nil
}

// -- Mock Mapping Repository --

type mockMappingRepo struct {
	orders *mockOrderRepo
	rows   []*OrderMapping
	now    time.Time
}

func (m *mockMappingRepo) GetByLocalOrderID(_ context.Context, orderID uuid.UUID) (*OrderMapping, error) {
	for _, r := range m.rows {
		if r.LocalOrderID == orderID {
			return r, nil
		}
	}
	return nil, nil
}

func (m *mockMappingRepo) GetByRemoteDocumentID(_ context.Context, remoteID string) (*OrderMapping, error) {
	for _, r := range m.rows {
		if r.RemoteDocumentID == remoteID {
			return r, nil
		}
	}
	return nil, nil
}

func (m *mockMappingRepo) Create(_ context.Context, mp *OrderMapping) error {
	for _, r := range m.rows {
		if r.LocalOrderID == mp.LocalOrderID || r.RemoteDocumentID == mp.RemoteDocumentID {
			return fmt.Errorf("duplicate mapping for order %s / document %s", mp.LocalOrderID, mp.RemoteDocumentID)
		}
	}
	mp.ID = uuid.New()
	mp.CreatedAt = time.Now()
	mp.UpdatedAt = mp.CreatedAt
	m.rows = append(m.rows, mp)
	return nil
}

func (m *mockMappingRepo) touch(id uuid.UUID, revision *string, pushed bool) error {
	for _, r := range m.rows {
		if r.ID != id {
			continue
		}
		now := time.Now()
		if pushed {
			r.PushedAt = &now
		} else {
			r.PulledAt = &now
		}
		if revision != nil {
			r.RemoteRevision = revision
		}
		r.UpdatedAt = now
		return nil
	}
	return errors.New("mapping not found")
}

func (m *mockMappingRepo) MarkPushed(_ context.Context, id uuid.UUID, revision *string) error {
	return m.touch(id, revision, true)
}

func (m *mockMappingRepo) MarkPulled(_ context.Context, id uuid.UUID, revision *string) error {
	return m.touch(id, revision, false)
}

func (m *mockMappingRepo) ListUnmapped(ctx context.Context, limit int, exclude []uuid.UUID) ([]uuid.UUID, error) {
	skip := make(map[uuid.UUID]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	var ids []uuid.UUID
	for _, id := range m.orders.created {
		if len(ids) == limit {
			break
		}
		if skip[id] {
			continue
		}
		if mp, _ := m.GetByLocalOrderID(ctx, id); mp != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *mockMappingRepo) Count(_ context.Context) (int, error) {
	return len(m.rows), nil
}

// -- Mock Failed Import Repository --

type mockFailedImportRepo struct {
	rows      []*FailedImport
	createErr error
}

func (m *mockFailedImportRepo) Create(_ context.Context, f *FailedImport) error {
	if m.createErr != nil {
		return m.createErr
	}
	f.ID = uuid.New()
	f.CreatedAt = time.Now()
	m.rows = append(m.rows, f)
	return nil
}

func (m *mockFailedImportRepo) List(_ context.Context, limit, offset int) ([]*FailedImport, int, error) {
	total := len(m.rows)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return m.rows[offset:end], total, nil
}

// -- Mock Patient Store --

type mockPatientStore struct {
	patients    map[uuid.UUID]*identity.Patient
	identifiers []*identity.PatientIdentifier
}

func newMockPatientStore() *mockPatientStore {
	return &mockPatientStore{patients: make(map[uuid.UUID]*identity.Patient)}
}

func (m *mockPatientStore) add(first, last, gender string, identifiers ...*identity.PatientIdentifier) *identity.Patient {
	p := &identity.Patient{ID: uuid.New(), Active: true, FirstName: first, LastName: last}
	if gender != "" {
		p.Gender = &gender
	}
	m.patients[p.ID] = p
	for _, ident := range identifiers {
		ident.ID = uuid.New()
		ident.PatientID = p.ID
		m.identifiers = append(m.identifiers, ident)
	}
	return p
}

func nationalID(value string) *identity.PatientIdentifier {
	return &identity.PatientIdentifier{TypeCode: "national_id", Value: value}
}

func (m *mockPatientStore) GetByID(_ context.Context, id uuid.UUID) (*identity.Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, errors.New("patient not found")
	}
	return p, nil
}

func (m *mockPatientStore) FindPatientIDsByIdentifier(_ context.Context, value string, typeCodes []string, voided bool) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, ident := range m.identifiers {
		if ident.Value != value || ident.Voided != voided || !contains(typeCodes, ident.TypeCode) {
			continue
		}
		if !seen[ident.PatientID] {
			seen[ident.PatientID] = true
			ids = append(ids, ident.PatientID)
		}
	}
	return ids, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// -- Mock Concept Resolver --

type mockConcepts struct {
	ids     map[string]uuid.UUID
	aliases map[string]string
}

func newMockConcepts(names ...string) *mockConcepts {
	c := &mockConcepts{ids: make(map[string]uuid.UUID), aliases: make(map[string]string)}
	for _, n := range names {
		c.ids[strings.ToLower(n)] = uuid.New()
	}
	return c
}

func (c *mockConcepts) ResolveConceptID(_ context.Context, name string) (uuid.UUID, bool, error) {
	id, ok := c.ids[strings.ToLower(strings.TrimSpace(name))]
	return id, ok, nil
}

func (c *mockConcepts) CanonicalTestName(_ context.Context, name string) (string, error) {
	if canonical, ok := c.aliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return canonical, nil
	}
	return strings.TrimSpace(name), nil
}

// -- Mock LIMS --

type mockRemote struct {
	creates   []lims.OrderDTO
	updates   map[string]int
	createErr error
	updateErr error
	entries   []lims.Entry
	docs      map[string]*lims.Document
	getErrs   map[string]error
	consumed  int
}

func newMockRemote() *mockRemote {
	return &mockRemote{
		updates: make(map[string]int),
		docs:    make(map[string]*lims.Document),
		getErrs: make(map[string]error),
	}
}

func (r *mockRemote) CreateOrder(_ context.Context, order lims.OrderDTO) (lims.DocumentRef, error) {
	if r.createErr != nil {
		return lims.DocumentRef{}, r.createErr
	}
	r.creates = append(r.creates, order)
	return lims.DocumentRef{ID: fmt.Sprintf("lims-%d", len(r.creates)), Revision: "1-a"}, nil
}

func (r *mockRemote) UpdateOrder(_ context.Context, remoteID string, _ lims.OrderDTO) (lims.DocumentRef, error) {
	if r.updateErr != nil {
		return lims.DocumentRef{}, r.updateErr
	}
	r.updates[remoteID]++
	return lims.DocumentRef{ID: remoteID, Revision: fmt.Sprintf("%d-b", r.updates[remoteID]+1)}, nil
}

func (r *mockRemote) GetOrder(_ context.Context, remoteID string) (*lims.Document, error) {
	if err := r.getErrs[remoteID]; err != nil {
		return nil, err
	}
	doc, ok := r.docs[remoteID]
	if !ok {
		return nil, &lims.HTTPError{StatusCode: 404, Code: "not_found", Message: "missing"}
	}
	return doc, nil
}

// ConsumeOrders replays entries after the one whose Seq equals *from.
func (r *mockRemote) ConsumeOrders(ctx context.Context, from *string, limit int, fn lims.EntryFunc) error {
	start := 0
	if from != nil {
		for i, e := range r.entries {
			if e.Seq == *from {
				start = i + 1
			}
		}
	}
	n := 0
	for i := start; i < len(r.entries) && n < limit; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := r.entries[i]
		r.consumed++
		if _, err := fn(ctx, e, lims.FeedContext{Position: e.Seq, Index: n}); err != nil {
			return err
		}
		n++
	}
	return nil
}

// -- Transactions --

type passthroughTx struct{ calls int }

func (p *passthroughTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	p.calls++
	return fn(ctx)
}

// -- Harness --

type harness struct {
	w           *Worker
	remote      *mockRemote
	orders      *mockOrderRepo
	svc         *diagnostics.Service
	mappings    *mockMappingRepo
	failed      *mockFailedImportRepo
	patients    *mockPatientStore
	concepts    *mockConcepts
	checkpoints *checkpoint.FileStore
	tx          *passthroughTx
	actor       Actor
	stateDir    string
}

const testWorker = "lims-order-sync-test"

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	cps, err := checkpoint.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	locker, err := lock.NewFileLocker(dir, testWorker)
	if err != nil {
		t.Fatalf("NewFileLocker: %v", err)
	}

	h := &harness{
		remote:      newMockRemote(),
		orders:      newMockOrderRepo(),
		failed:      &mockFailedImportRepo{},
		patients:    newMockPatientStore(),
		concepts:    newMockConcepts("Viral Load", "Blood", "Routine", "HIV Load"),
		checkpoints: cps,
		tx:          &passthroughTx{},
		actor:       Actor{UserID: uuid.New(), Username: "lims_sync"},
		stateDir:    dir,
	}
	h.svc = diagnostics.NewService(h.orders)
	h.mappings = &mockMappingRepo{orders: h.orders}

	logger := zerolog.Nop()
	h.w = NewWorker(Config{
		Name:          testWorker,
		PushBatchSize: 2,
		PullLimit:     100,
		Actor:         h.actor,
	}, Deps{
		Remote:        h.remote,
		Orders:        h.svc,
		Concepts:      h.concepts,
		Mappings:      h.mappings,
		FailedImports: h.failed,
		Reconciler:    NewReconciler(h.patients, []string{"national_id"}),
		Translator:    NewTranslator(h.svc, h.concepts, logger),
		Checkpoints:   cps,
		Locker:        locker,
		Tx:            h.tx,
	}, logger)
	return h
}

// placeOrder creates a local order the way order placement would.
func (h *harness) placeOrder(t *testing.T, accession string) *diagnostics.LabOrder {
	t.Helper()
	o := &diagnostics.LabOrder{
		PatientID:       uuid.New(),
		AccessionNumber: accession,
		OrderDate:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		TargetLab:       "Central Lab",
		SpecimenName:    "Blood",
		Tests:           []*diagnostics.LabTest{{Name: "Viral Load"}},
	}
	if err := h.svc.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return o
}

func (h *harness) position(t *testing.T) string {
	t.Helper()
	cp, err := h.checkpoints.Get(context.Background(), testWorker)
	if err != nil {
		t.Fatalf("checkpoint Get: %v", err)
	}
	if cp == nil {
		return ""
	}
	return cp.Position
}

func (h *harness) feed(entries ...lims.Entry) {
	h.remote.entries = append(h.remote.entries, entries...)
}

// orderDoc builds a feed document for a patient holding a national id.
// Overrides replace top-level keys; a nil override removes the key.
func orderDoc(t *testing.T, id, tracking, patientID string, overrides map[string]interface{}) json.RawMessage {
	t.Helper()
	doc := map[string]interface{}{
		"_id":             id,
		"_rev":            "1-a",
		"tracking_number": tracking,
		"order_date":      "2026-03-01T09:00:00Z",
		"target_lab":      "Central Lab",
		"specimen":        map[string]interface{}{"concept_id": "SP-1", "name": "Blood"},
		"reason_for_test": map[string]interface{}{"name": "Routine"},
		"patient": map[string]interface{}{
			"id":         patientID,
			"first_name": "Jane",
			"last_name":  "Doe",
			"gender":     "F",
		},
		"tests": []interface{}{map[string]interface{}{"name": "Viral Load"}},
	}
	for k, v := range overrides {
		if v == nil {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal doc: %v", err)
	}
	return raw
}

func entry(seq, id string, doc json.RawMessage) lims.Entry {
	return lims.Entry{Seq: seq, ID: id, Revision: "1-a", Doc: doc}
}

func ledgerReasons(rows []*FailedImport) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Reason)
	}
	sort.Strings(out)
	return out
}
