package labsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/labsync/internal/platform/checkpoint"
	"github.com/ehr/labsync/internal/platform/db"
	"github.com/ehr/labsync/internal/platform/lims"
	"github.com/ehr/labsync/internal/platform/lock"
)

// Config holds the worker's tunables.
type Config struct {
	// Name keys the checkpoint and the lock.
	Name          string
	PushBatchSize int
	PullLimit     int
	// Actor is recorded as creator of pulled orders and enterer of results.
	Actor Actor
}

// Deps are the collaborators a Worker drives.
type Deps struct {
	Remote        lims.Remote
	Orders        OrderStore
	Concepts      ConceptResolver
	Mappings      MappingRepository
	FailedImports FailedImportRepository
	Reconciler    *Reconciler
	Translator    *Translator
	Checkpoints   checkpoint.Store
	Locker        lock.Locker
	Tx            db.TxRunner
	Metrics       *Metrics
}

// Worker synchronizes lab orders with the LIMS. Records are processed one at
// a time; a full cycle holds the lock from the first push to the last pull.
type Worker struct {
	cfg           Config
	remote        lims.Remote
	orders        OrderStore
	concepts      ConceptResolver
	mappings      MappingRepository
	failedImports FailedImportRepository
	reconciler    *Reconciler
	translator    *Translator
	checkpoints   checkpoint.Store
	locker        lock.Locker
	tx            db.TxRunner
	metrics       *Metrics
	logger        zerolog.Logger
	now           func() time.Time

	mu        sync.Mutex
	lastCycle *cycleRecord
}

type cycleRecord struct {
	result   CycleResult
	finished time.Time
	err      error
}

func NewWorker(cfg Config, deps Deps, logger zerolog.Logger) *Worker {
	return &Worker{
		cfg:           cfg,
		remote:        deps.Remote,
		orders:        deps.Orders,
		concepts:      deps.Concepts,
		mappings:      deps.Mappings,
		failedImports: deps.FailedImports,
		reconciler:    deps.Reconciler,
		translator:    deps.Translator,
		checkpoints:   deps.Checkpoints,
		locker:        deps.Locker,
		tx:            deps.Tx,
		metrics:       deps.Metrics,
		logger:        logger.With().Str("component", "labsync-worker").Str("worker", cfg.Name).Logger(),
		now:           time.Now,
	}
}

// RunCycle drains pending pushes, then pulls from the stored checkpoint.
// It returns ErrCycleInProgress without doing anything when the lock is
// held, whether by another process or by a cycle already running here.
func (w *Worker) RunCycle(ctx context.Context) (CycleResult, error) {
	if err := w.locker.TryLock(ctx); err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return CycleResult{}, ErrCycleInProgress
		}
		return CycleResult{}, fmt.Errorf("acquire worker lock: %w", err)
	}
	defer func() {
		if err := w.locker.Unlock(context.WithoutCancel(ctx)); err != nil {
			w.logger.Error().Err(err).Msg("failed to release worker lock")
		}
	}()

	start := w.now()
	var res CycleResult

	push, pushErr := w.PushPending(ctx, w.cfg.PushBatchSize)
	res.Push = push
	if pushErr != nil {
		w.logger.Error().Err(pushErr).Int("failed", push.Failed).Msg("push drain finished with errors")
	}

	var pullErr error
	if ctx.Err() == nil {
		res.Pull, pullErr = w.pullFromCheckpoint(ctx)
		if pullErr != nil {
			w.logger.Error().Err(pullErr).Msg("pull stopped")
		}
	}

	res.Duration = w.now().Sub(start)
	w.metrics.cycle(res.Duration)

	err := errors.Join(pushErr, pullErr)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	w.record(res, err)

	w.logger.Info().
		Int("pushed", res.Push.Processed).
		Int("push_failed", res.Push.Failed).
		Int("pulled", res.Pull.Processed).
		Int("rejected", res.Pull.Rejected).
		Dur("duration", res.Duration).
		Msg("sync cycle finished")
	return res, err
}

func (w *Worker) pullFromCheckpoint(ctx context.Context) (PullResult, error) {
	cp, err := w.checkpoints.Get(ctx, w.cfg.Name)
	if err != nil {
		return PullResult{}, fmt.Errorf("read checkpoint: %w", err)
	}
	return w.PullUpdates(ctx, cp.PositionPtr(), w.cfg.PullLimit)
}

// Start runs a cycle immediately and then every interval until ctx is done.
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.runScheduled(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runScheduled(ctx)
		}
	}
}

func (w *Worker) runScheduled(ctx context.Context) {
	_, err := w.RunCycle(ctx)
	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, ErrCycleInProgress):
		w.logger.Info().Msg("another worker holds the lock, skipping cycle")
	default:
		w.logger.Error().Err(err).Msg("sync cycle failed")
	}
}

func (w *Worker) record(res CycleResult, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastCycle = &cycleRecord{result: res, finished: w.now(), err: err}
}

// Status is a snapshot of the worker's persisted and in-memory state.
type Status struct {
	Worker       string                 `json:"worker"`
	Checkpoint   *checkpoint.Checkpoint `json:"checkpoint"`
	Mappings     int                    `json:"mappings"`
	LastCycle    *CycleResult           `json:"last_cycle,omitempty"`
	LastCycleAt  *time.Time             `json:"last_cycle_at,omitempty"`
	LastCycleErr string                 `json:"last_cycle_error,omitempty"`
}

func (w *Worker) Status(ctx context.Context) (*Status, error) {
	cp, err := w.checkpoints.Get(ctx, w.cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	n, err := w.mappings.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count mappings: %w", err)
	}

	st := &Status{Worker: w.cfg.Name, Checkpoint: cp, Mappings: n}
	w.mu.Lock()
	if lc := w.lastCycle; lc != nil {
		res, at := lc.result, lc.finished
		st.LastCycle = &res
		st.LastCycleAt = &at
		if lc.err != nil {
			st.LastCycleErr = lc.err.Error()
		}
	}
	w.mu.Unlock()
	return st, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
