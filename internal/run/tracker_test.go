package run

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ccloud-cost/pkg/model"
)

type fakeRunStore struct {
	mu      sync.Mutex
	created int
	updates []model.IngestionRun
	err     error
}

func (f *fakeRunStore) CreateRun(ctx context.Context, r *model.IngestionRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.created++
	return nil
}

func (f *fakeRunStore) UpdateRun(ctx context.Context, r *model.IngestionRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.updates = append(f.updates, *r)
	return nil
}

func (f *fakeRunStore) lastUpdate() model.IngestionRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates[len(f.updates)-1]
}

var (
	periodStart = time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	periodEnd   = periodStart.AddDate(0, 0, 1)
)

func newTracker(t *testing.T, store *fakeRunStore) *Tracker {
	t.Helper()
	tracker, err := NewTracker(context.Background(), store, model.RunTypeDaily, periodStart, periodEnd, nil)
	require.NoError(t, err)
	return tracker
}

func TestNewTracker(t *testing.T) {
	t.Run("creates a pending run", func(t *testing.T) {
		store := &fakeRunStore{}
		tracker := newTracker(t, store)

		snap := tracker.Snapshot()
		assert.Equal(t, model.RunPending, snap.Status)
		assert.Equal(t, model.RunTypeDaily, snap.RunType)
		assert.Equal(t, periodStart, snap.PeriodStart)
		assert.Equal(t, periodEnd, snap.PeriodEnd)
		assert.NotEqual(t, [16]byte{}, [16]byte(snap.ID))
		assert.Equal(t, 1, store.created)
	})

	t.Run("rejects inverted windows", func(t *testing.T) {
		_, err := NewTracker(context.Background(), &fakeRunStore{}, model.RunTypeDaily, periodEnd, periodStart, nil)
		require.Error(t, err)
	})

	t.Run("propagates store failure", func(t *testing.T) {
		store := &fakeRunStore{err: stderrors.New("down")}
		_, err := NewTracker(context.Background(), store, model.RunTypeDaily, periodStart, periodEnd, nil)
		require.Error(t, err)
	})
}

func TestTrackerStateMachine(t *testing.T) {
	ctx := context.Background()

	t.Run("pending to running to completed", func(t *testing.T) {
		store := &fakeRunStore{}
		tracker := newTracker(t, store)

		require.NoError(t, tracker.Start(ctx))
		assert.Equal(t, model.RunRunning, tracker.Snapshot().Status)
		assert.NotNil(t, tracker.Snapshot().StartedAt)

		require.NoError(t, tracker.Complete(ctx))
		snap := tracker.Snapshot()
		assert.Equal(t, model.RunCompleted, snap.Status)
		assert.NotNil(t, snap.CompletedAt)
	})

	t.Run("cannot start twice", func(t *testing.T) {
		tracker := newTracker(t, &fakeRunStore{})
		require.NoError(t, tracker.Start(ctx))
		assert.Error(t, tracker.Start(ctx))
	})

	t.Run("cannot complete without starting", func(t *testing.T) {
		tracker := newTracker(t, &fakeRunStore{})
		assert.Error(t, tracker.Complete(ctx))
	})

	t.Run("terminal runs are immutable", func(t *testing.T) {
		tracker := newTracker(t, &fakeRunStore{})
		require.NoError(t, tracker.Start(ctx))
		require.NoError(t, tracker.Complete(ctx))

		assert.Error(t, tracker.Start(ctx))
		assert.Error(t, tracker.Complete(ctx))
		assert.Error(t, tracker.Fail(ctx, stderrors.New("late")))
		assert.Error(t, tracker.RecordChunk(ctx, ChunkResult{Processed: 1}))
		assert.Equal(t, model.RunCompleted, tracker.Snapshot().Status)
	})

	t.Run("fail from pending records setup errors", func(t *testing.T) {
		tracker := newTracker(t, &fakeRunStore{})
		require.NoError(t, tracker.Fail(ctx, stderrors.New("upstream fetch failed")))

		snap := tracker.Snapshot()
		assert.Equal(t, model.RunFailed, snap.Status)
		assert.Contains(t, snap.ErrorMessage, "upstream fetch failed")
	})

	t.Run("failed runs cannot be revived", func(t *testing.T) {
		tracker := newTracker(t, &fakeRunStore{})
		require.NoError(t, tracker.Start(ctx))
		require.NoError(t, tracker.Fail(ctx, stderrors.New("boom")))
		assert.Error(t, tracker.Complete(ctx))
		assert.Error(t, tracker.Fail(ctx, stderrors.New("again")))
	})
}

func TestTrackerCounters(t *testing.T) {
	ctx := context.Background()

	t.Run("chunks accumulate monotonically", func(t *testing.T) {
		store := &fakeRunStore{}
		tracker := newTracker(t, store)
		require.NoError(t, tracker.Start(ctx))

		require.NoError(t, tracker.RecordChunk(ctx, ChunkResult{Processed: 10, Inserted: 230, Updated: 10}))
		require.NoError(t, tracker.RecordChunk(ctx, ChunkResult{Processed: 5, Inserted: 100, Updated: 20, Failed: 1,
			Errors: []model.RecordError{{ResourceID: "lkc-x", Code: "DIMENSION_RESOLUTION_FAILED", Message: "no org"}}}))

		snap := tracker.Snapshot()
		assert.Equal(t, 15, snap.RecordsProcessed)
		assert.Equal(t, 330, snap.RecordsInserted)
		assert.Equal(t, 30, snap.RecordsUpdated)
		assert.Equal(t, 1, snap.RecordsFailed)
		require.Len(t, snap.ErrorDetails, 1)
		assert.Equal(t, "lkc-x", snap.ErrorDetails[0].ResourceID)
	})

	t.Run("error details are bounded", func(t *testing.T) {
		tracker := newTracker(t, &fakeRunStore{})
		require.NoError(t, tracker.Start(ctx))

		errs := make([]model.RecordError, maxErrorDetails+50)
		for i := range errs {
			errs[i] = model.RecordError{Code: "PERSISTENCE_FAILED", Message: "dup"}
		}
		require.NoError(t, tracker.RecordChunk(ctx, ChunkResult{Processed: len(errs), Failed: len(errs), Errors: errs}))

		snap := tracker.Snapshot()
		assert.Len(t, snap.ErrorDetails, maxErrorDetails)
		assert.Equal(t, maxErrorDetails+50, snap.RecordsFailed)
	})

	t.Run("every transition persists", func(t *testing.T) {
		store := &fakeRunStore{}
		tracker := newTracker(t, store)
		require.NoError(t, tracker.Start(ctx))
		require.NoError(t, tracker.RecordChunk(ctx, ChunkResult{Processed: 1, Inserted: 24}))
		require.NoError(t, tracker.Complete(ctx))

		require.Len(t, store.updates, 3)
		assert.Equal(t, model.RunRunning, store.updates[0].Status)
		assert.Equal(t, model.RunCompleted, store.lastUpdate().Status)
		assert.Equal(t, 24, store.lastUpdate().RecordsInserted)
	})
}

func TestTrackerDuration(t *testing.T) {
	tracker := newTracker(t, &fakeRunStore{})
	now := time.Date(2026, 8, 26, 6, 0, 0, 0, time.UTC)
	tracker.clock = func() time.Time { return now }

	require.NoError(t, tracker.Start(context.Background()))
	now = now.Add(90 * time.Second)
	require.NoError(t, tracker.Complete(context.Background()))

	assert.Equal(t, 90, tracker.Snapshot().DurationSeconds)
}
