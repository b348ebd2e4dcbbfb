package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ehr/labsync/internal/config"
	"github.com/ehr/labsync/internal/domain/labsync"
	"github.com/ehr/labsync/internal/platform/lims"
)

const (
	actorID    = "6f1c9a52-8f3e-4d8e-9a55-2f0f5b0f1c11"
	locationID = "0b7d3c1e-4f2a-4b6c-8d9e-1a2b3c4d5e6f"
)

func TestActorFromConfig(t *testing.T) {
	actor := actorFromConfig(&config.Config{
		ActorID:         actorID,
		ActorUsername:   "lims_sync",
		ActorLocationID: locationID,
	})
	if actor.UserID.String() != actorID {
		t.Errorf("UserID = %s, want %s", actor.UserID, actorID)
	}
	if actor.Username != "lims_sync" {
		t.Errorf("Username = %q", actor.Username)
	}
	if actor.LocationID == nil || actor.LocationID.String() != locationID {
		t.Errorf("LocationID = %v, want %s", actor.LocationID, locationID)
	}
}

func TestActorFromConfig_Anonymous(t *testing.T) {
	actor := actorFromConfig(&config.Config{ActorUsername: "lims_sync"})
	if actor.UserID != uuid.Nil {
		t.Errorf("expected nil UserID, got %s", actor.UserID)
	}
	if actor.LocationID != nil {
		t.Errorf("expected nil LocationID, got %s", actor.LocationID)
	}
}

func TestTokenSource_PrefersJWT(t *testing.T) {
	cfg := &config.Config{LIMSJWTSecret: "s3cret", LIMSToken: "static", LIMSJWTAudience: "lims"}
	actor := actorFromConfig(&config.Config{ActorID: actorID, ActorUsername: "lims_sync"})

	src := tokenSource(cfg, actor)
	if _, ok := src.(*lims.JWTSigner); !ok {
		t.Fatalf("expected *lims.JWTSigner, got %T", src)
	}
	raw, err := src.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	claims := &lims.ServiceClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return []byte("s3cret"), nil
	}, jwt.WithAudience("lims"))
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.Subject != actorID {
		t.Errorf("subject = %q, want %q", claims.Subject, actorID)
	}
	if claims.Username != "lims_sync" {
		t.Errorf("username = %q", claims.Username)
	}
}

func TestTokenSource_Static(t *testing.T) {
	src := tokenSource(&config.Config{LIMSToken: "static"}, labsync.Actor{})
	tok, err := src.Token()
	if err != nil || tok != "static" {
		t.Errorf("Token() = %q, %v", tok, err)
	}
}

func TestTokenSource_None(t *testing.T) {
	if src := tokenSource(&config.Config{}, labsync.Actor{}); src != nil {
		t.Errorf("expected nil token source, got %T", src)
	}
}

func fileConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		WorkerName:   "lims-order-sync",
		StateBackend: config.StateBackendFile,
		StateDir:     t.TempDir(),
	}
}

func TestOpenState_File(t *testing.T) {
	ctx := context.Background()
	cfg := fileConfig(t)

	st, err := openState(ctx, cfg)
	if err != nil {
		t.Fatalf("openState: %v", err)
	}
	defer st.Close()

	if err := st.checkpoints.Set(ctx, cfg.WorkerName, "42"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	cp, err := st.checkpoints.Get(ctx, cfg.WorkerName)
	if err != nil || cp == nil || cp.Position != "42" {
		t.Fatalf("Get = %+v, %v", cp, err)
	}
	if err := st.locker.TryLock(ctx); err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if err := st.locker.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

func TestResetCheckpoint(t *testing.T) {
	ctx := context.Background()
	cfg := fileConfig(t)
	st, err := openState(ctx, cfg)
	if err != nil {
		t.Fatalf("openState: %v", err)
	}
	if err := st.checkpoints.Set(ctx, cfg.WorkerName, "7"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := resetCheckpoint(ctx, st, cfg.WorkerName); err != nil {
		t.Fatalf("resetCheckpoint: %v", err)
	}
	cp, err := st.checkpoints.Get(ctx, cfg.WorkerName)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cp != nil {
		t.Errorf("expected checkpoint cleared, got %+v", cp)
	}
}

func TestResetCheckpoint_RefusesWhileLocked(t *testing.T) {
	ctx := context.Background()
	cfg := fileConfig(t)
	running, err := openState(ctx, cfg)
	if err != nil {
		t.Fatalf("openState: %v", err)
	}
	if err := running.checkpoints.Set(ctx, cfg.WorkerName, "7"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := running.locker.TryLock(ctx); err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	defer running.locker.Unlock(ctx)

	other, err := openState(ctx, cfg)
	if err != nil {
		t.Fatalf("openState: %v", err)
	}
	if err := resetCheckpoint(ctx, other, cfg.WorkerName); err == nil {
		t.Fatal("expected reset to fail while the worker holds the lock")
	}
	cp, _ := other.checkpoints.Get(ctx, cfg.WorkerName)
	if cp == nil || cp.Position != "7" {
		t.Errorf("checkpoint should be untouched, got %+v", cp)
	}
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeFailedImports struct{}

func (fakeFailedImports) Create(context.Context, *labsync.FailedImport) error { return nil }

func (fakeFailedImports) List(context.Context, int, int) ([]*labsync.FailedImport, int, error) {
	return []*labsync.FailedImport{{ID: uuid.New(), RemoteDocumentID: "doc-1", Reason: labsync.FailureNoPatientMatch.Reason()}}, 1, nil
}

type fakeRunner struct{ err error }

func (r fakeRunner) RunCycle(context.Context) (labsync.CycleResult, error) {
	return labsync.CycleResult{}, r.err
}

func (r fakeRunner) Status(context.Context) (*labsync.Status, error) {
	return &labsync.Status{Worker: "lims-order-sync", Mappings: 3}, nil
}

func testOpsServer(t *testing.T, pinger fakePinger, runner fakeRunner) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	labsync.NewMetrics(reg)
	h := labsync.NewHandler(fakeFailedImports{}, runner)
	return newOpsServer(zerolog.Nop(), pinger, reg, h)
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestOpsServer_Health(t *testing.T) {
	rec := serve(testOpsServer(t, fakePinger{}, fakeRunner{}), http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	rec = serve(testOpsServer(t, fakePinger{err: errors.New("down")}, fakeRunner{}), http.MethodGet, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when the database is down, got %d", rec.Code)
	}
}

func TestOpsServer_Metrics(t *testing.T) {
	rec := serve(testOpsServer(t, fakePinger{}, fakeRunner{}), http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "labsync_cycle_duration_seconds") {
		t.Errorf("expected cycle histogram in metrics output")
	}
}

func TestOpsServer_API(t *testing.T) {
	srv := testOpsServer(t, fakePinger{}, fakeRunner{})

	rec := serve(srv, http.MethodGet, "/api/v1/failed-imports")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "doc-1") {
		t.Errorf("failed-imports: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}

	rec = serve(srv, http.MethodGet, "/api/v1/sync/status")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"mappings":3`) {
		t.Errorf("status: %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(srv, http.MethodPost, "/api/v1/sync/run")
	if rec.Code != http.StatusOK {
		t.Errorf("run: %d %s", rec.Code, rec.Body.String())
	}
}

func TestOpsServer_RunConflict(t *testing.T) {
	srv := testOpsServer(t, fakePinger{}, fakeRunner{err: labsync.ErrCycleInProgress})
	rec := serve(srv, http.MethodPost, "/api/v1/sync/run")
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}
