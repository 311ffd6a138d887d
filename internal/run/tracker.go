// Package run tracks the lifecycle of one ingestion execution. A Tracker
// is created at run start and finalized at run end; it is explicitly
// passed through the pipeline rather than held as process-wide state, so
// disjoint-window runs can execute concurrently and tests stay
// deterministic.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ccloud-cost/pkg/model"
)

// maxErrorDetails bounds the structured error list persisted with a run.
const maxErrorDetails = 100

// Store persists ingestion run rows.
type Store interface {
	CreateRun(ctx context.Context, r *model.IngestionRun) error
	UpdateRun(ctx context.Context, r *model.IngestionRun) error
}

// ChunkResult reports one durably committed chunk of work. Counters are
// only ever fed to the tracker after the chunk's writes have committed,
// so a retried chunk is never double-counted.
type ChunkResult struct {
	Processed int
	Inserted  int
	Updated   int
	Failed    int
	Errors    []model.RecordError
}

// Tracker drives the pending -> running -> completed|failed state machine
// for a single ingestion run. Transitions are one-directional, counters
// never decrease, and a terminal run is immutable.
type Tracker struct {
	mu     sync.Mutex
	run    model.IngestionRun
	store  Store
	logger *slog.Logger
	clock  func() time.Time
}

// NewTracker creates a pending run record for the given billing window.
func NewTracker(ctx context.Context, store Store, runType model.RunType, periodStart, periodEnd time.Time, logger *slog.Logger) (*Tracker, error) {
	if periodEnd.Before(periodStart) {
		return nil, fmt.Errorf("period_end %s before period_start %s", periodEnd, periodStart)
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		store:  store,
		logger: logger,
		clock:  time.Now,
		run: model.IngestionRun{
			ID:          uuid.New(),
			RunType:     runType,
			Status:      model.RunPending,
			PeriodStart: periodStart,
			PeriodEnd:   periodEnd,
			CreatedAt:   time.Now().UTC(),
		},
	}
	if err := store.CreateRun(ctx, &t.run); err != nil {
		return nil, fmt.Errorf("create ingestion run: %w", err)
	}
	return t, nil
}

// ID returns the run identifier.
func (t *Tracker) ID() uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run.ID
}

// Snapshot returns a copy of the current run state.
func (t *Tracker) Snapshot() model.IngestionRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run
}

// Start transitions pending -> running and records the start timestamp.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.run.Status != model.RunPending {
		return fmt.Errorf("cannot start run in status %s", t.run.Status)
	}
	now := t.clock().UTC()
	t.run.Status = model.RunRunning
	t.run.StartedAt = &now
	t.logger.Info("ingestion run started",
		"run_id", t.run.ID, "run_type", t.run.RunType,
		"period_start", t.run.PeriodStart, "period_end", t.run.PeriodEnd)
	return t.store.UpdateRun(ctx, &t.run)
}

// RecordChunk folds a committed chunk into the run's counters.
func (t *Tracker) RecordChunk(ctx context.Context, res ChunkResult) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.run.Status != model.RunRunning {
		return fmt.Errorf("cannot record chunk in status %s", t.run.Status)
	}
	t.run.RecordsProcessed += res.Processed
	t.run.RecordsInserted += res.Inserted
	t.run.RecordsUpdated += res.Updated
	t.run.RecordsFailed += res.Failed
	for _, re := range res.Errors {
		if len(t.run.ErrorDetails) >= maxErrorDetails {
			break
		}
		t.run.ErrorDetails = append(t.run.ErrorDetails, re)
	}
	return t.store.UpdateRun(ctx, &t.run)
}

// Complete transitions running -> completed. Partial record failures are
// a normal completed outcome; callers inspect records_failed.
func (t *Tracker) Complete(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.run.Status != model.RunRunning {
		return fmt.Errorf("cannot complete run in status %s", t.run.Status)
	}
	t.finalizeLocked(model.RunCompleted)
	t.logger.Info("ingestion run completed",
		"run_id", t.run.ID,
		"processed", t.run.RecordsProcessed,
		"inserted", t.run.RecordsInserted,
		"updated", t.run.RecordsUpdated,
		"failed", t.run.RecordsFailed,
		"duration_seconds", t.run.DurationSeconds)
	return t.store.UpdateRun(ctx, &t.run)
}

// Fail transitions the run to failed with the systemic error recorded.
// Allowed from pending (setup failure) or running; terminal states are
// immutable.
func (t *Tracker) Fail(ctx context.Context, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.run.Status.Terminal() {
		return fmt.Errorf("cannot fail run in status %s", t.run.Status)
	}
	t.finalizeLocked(model.RunFailed)
	if cause != nil {
		t.run.ErrorMessage = cause.Error()
		if len(t.run.ErrorDetails) < maxErrorDetails {
			t.run.ErrorDetails = append(t.run.ErrorDetails, model.RecordError{
				Code:    "RUN_FAILED",
				Message: cause.Error(),
			})
		}
	}
	t.logger.Error("ingestion run failed",
		"run_id", t.run.ID, "error", t.run.ErrorMessage,
		"processed", t.run.RecordsProcessed, "failed", t.run.RecordsFailed)
	return t.store.UpdateRun(ctx, &t.run)
}

func (t *Tracker) finalizeLocked(status model.RunStatus) {
	now := t.clock().UTC()
	t.run.Status = status
	t.run.CompletedAt = &now
	if t.run.StartedAt != nil {
		t.run.DurationSeconds = int(now.Sub(*t.run.StartedAt) / time.Second)
	}
}
