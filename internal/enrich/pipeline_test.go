package enrich

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ccloud-cost/internal/run"
	"ccloud-cost/pkg/model"
)

// fakeStore implements Store and run.Store in memory with the same
// observable behavior as the Postgres implementation: idempotent fact
// upserts keyed by the identity tuple and window locks.
type fakeStore struct {
	*fakeDims

	mu        sync.Mutex
	facts     map[string]*model.HourlyCostFact
	rules     []model.AllocationRule
	locks     map[string]bool
	runs      map[string]model.IngestionRun
	upsertErr error
	rulesErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		fakeDims: newFakeDims(),
		facts:    map[string]*model.HourlyCostFact{},
		locks:    map[string]bool{},
		runs:     map[string]model.IngestionRun{},
	}
}

func (f *fakeStore) UpsertFacts(ctx context.Context, facts []*model.HourlyCostFact) (FactBatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return FactBatchResult{}, f.upsertErr
	}
	var res FactBatchResult
	for _, fact := range facts {
		key := fact.IdentityKey()
		if _, ok := f.facts[key]; ok {
			res.Updated++
		} else {
			res.Inserted++
		}
		cp := *fact
		f.facts[key] = &cp
	}
	return res, nil
}

func (f *fakeStore) ActiveRules(ctx context.Context) ([]model.AllocationRule, error) {
	if f.rulesErr != nil {
		return nil, f.rulesErr
	}
	return f.rules, nil
}

func windowKey(start, end time.Time) string {
	return fmt.Sprintf("%d-%d", start.Unix(), end.Unix())
}

func (f *fakeStore) TryLockWindow(ctx context.Context, start, end time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := windowKey(start, end)
	if f.locks[key] {
		return false, nil
	}
	f.locks[key] = true
	return true, nil
}

func (f *fakeStore) UnlockWindow(ctx context.Context, start, end time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, windowKey(start, end))
	return nil
}

func (f *fakeStore) CreateRun(ctx context.Context, r *model.IngestionRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[r.ID.String()] = *r
	return nil
}

func (f *fakeStore) UpdateRun(ctx context.Context, r *model.IngestionRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[r.ID.String()] = *r
	return nil
}

func (f *fakeStore) totalCost() decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := decimal.Zero
	for _, fact := range f.facts {
		sum = sum.Add(fact.CostUSD)
	}
	return sum
}

func billingRecord(amount string) model.RawBillingRecord {
	return model.RawBillingRecord{
		ResourceID:     "lkc-abc",
		OrganizationID: "org-1",
		EnvironmentID:  "env-prod",
		PrincipalID:    "sa-123",
		Product:        "kafka",
		AmountUSD:      decimal.RequireFromString(amount),
		BillingDay:     time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC),
		CostSource:     model.CostSourceBillingAPI,
	}
}

func newTestTracker(t *testing.T, store run.Store) *run.Tracker {
	t.Helper()
	start := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	tracker, err := run.NewTracker(context.Background(), store, model.RunTypeDaily, start, start.AddDate(0, 0, 1), nil)
	require.NoError(t, err)
	return tracker
}

func TestPipelineRun(t *testing.T) {
	ctx := context.Background()

	t.Run("one record produces 24 hourly facts", func(t *testing.T) {
		store := newFakeStore()
		p := NewPipeline(store, nil)
		tracker := newTestTracker(t, store)

		err := p.Run(ctx, tracker, []model.RawBillingRecord{billingRecord("100.00")})
		require.NoError(t, err)

		snap := tracker.Snapshot()
		assert.Equal(t, model.RunCompleted, snap.Status)
		assert.Equal(t, 1, snap.RecordsProcessed)
		assert.Equal(t, 24, snap.RecordsInserted)
		assert.Equal(t, 0, snap.RecordsUpdated)
		assert.Equal(t, 0, snap.RecordsFailed)

		assert.Len(t, store.facts, 24)
		assert.True(t, store.totalCost().Equal(decimal.RequireFromString("100.00")))
	})

	t.Run("re-ingestion updates instead of duplicating", func(t *testing.T) {
		store := newFakeStore()
		p := NewPipeline(store, nil)

		first := newTestTracker(t, store)
		require.NoError(t, p.Run(ctx, first, []model.RawBillingRecord{billingRecord("100.00")}))

		second := newTestTracker(t, store)
		require.NoError(t, p.Run(ctx, second, []model.RawBillingRecord{billingRecord("120.00")}))

		snap := second.Snapshot()
		assert.Equal(t, 0, snap.RecordsInserted)
		assert.Equal(t, 24, snap.RecordsUpdated)

		assert.Len(t, store.facts, 24)
		assert.True(t, store.totalCost().Equal(decimal.RequireFromString("120.00")))
	})

	t.Run("record failure does not block the batch", func(t *testing.T) {
		store := newFakeStore()
		p := NewPipeline(store, nil)
		tracker := newTestTracker(t, store)

		bad := billingRecord("50.00")
		bad.OrganizationID = ""
		err := p.Run(ctx, tracker, []model.RawBillingRecord{bad, billingRecord("100.00")})
		require.NoError(t, err)

		snap := tracker.Snapshot()
		assert.Equal(t, model.RunCompleted, snap.Status)
		assert.Equal(t, 2, snap.RecordsProcessed)
		assert.Equal(t, 1, snap.RecordsFailed)
		assert.Equal(t, 24, snap.RecordsInserted)
		require.Len(t, snap.ErrorDetails, 1)
		assert.Equal(t, "DIMENSION_RESOLUTION_FAILED", snap.ErrorDetails[0].Code)
	})

	t.Run("locked window fails the run", func(t *testing.T) {
		store := newFakeStore()
		start := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
		locked, err := store.TryLockWindow(ctx, start, start.AddDate(0, 0, 1))
		require.NoError(t, err)
		require.True(t, locked)

		p := NewPipeline(store, nil)
		tracker := newTestTracker(t, store)
		err = p.Run(ctx, tracker, []model.RawBillingRecord{billingRecord("100.00")})
		require.Error(t, err)
		assert.Equal(t, model.RunFailed, tracker.Snapshot().Status)
	})

	t.Run("disjoint windows run independently", func(t *testing.T) {
		store := newFakeStore()
		start := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
		locked, err := store.TryLockWindow(ctx, start, start.AddDate(0, 0, 1))
		require.NoError(t, err)
		require.True(t, locked)

		p := NewPipeline(store, nil)
		tracker := newTestTracker(t, store) // window is 2026-08-25
		require.NoError(t, p.Run(ctx, tracker, []model.RawBillingRecord{billingRecord("100.00")}))
		assert.Equal(t, model.RunCompleted, tracker.Snapshot().Status)
	})

	t.Run("lock is released after the run", func(t *testing.T) {
		store := newFakeStore()
		p := NewPipeline(store, nil)
		tracker := newTestTracker(t, store)
		require.NoError(t, p.Run(ctx, tracker, []model.RawBillingRecord{billingRecord("100.00")}))

		again := newTestTracker(t, store)
		require.NoError(t, p.Run(ctx, again, []model.RawBillingRecord{billingRecord("100.00")}))
		assert.Equal(t, model.RunCompleted, again.Snapshot().Status)
	})

	t.Run("storage failure aborts the run", func(t *testing.T) {
		store := newFakeStore()
		store.upsertErr = stderrors.New("connection reset")
		p := NewPipeline(store, nil)
		tracker := newTestTracker(t, store)

		err := p.Run(ctx, tracker, []model.RawBillingRecord{billingRecord("100.00")})
		require.Error(t, err)
		snap := tracker.Snapshot()
		assert.Equal(t, model.RunFailed, snap.Status)
		assert.NotEmpty(t, snap.ErrorMessage)
	})

	t.Run("rule load failure aborts before processing", func(t *testing.T) {
		store := newFakeStore()
		store.rulesErr = stderrors.New("relation does not exist")
		p := NewPipeline(store, nil)
		tracker := newTestTracker(t, store)

		err := p.Run(ctx, tracker, []model.RawBillingRecord{billingRecord("100.00")})
		require.Error(t, err)
		assert.Equal(t, model.RunFailed, tracker.Snapshot().Status)
		assert.Empty(t, store.facts)
	})

	t.Run("empty batch completes cleanly", func(t *testing.T) {
		store := newFakeStore()
		p := NewPipeline(store, nil)
		tracker := newTestTracker(t, store)
		require.NoError(t, p.Run(ctx, tracker, nil))
		snap := tracker.Snapshot()
		assert.Equal(t, model.RunCompleted, snap.Status)
		assert.Equal(t, 0, snap.RecordsProcessed)
	})
}

func TestPipelineRunWithSplitRule(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.rules = []model.AllocationRule{{
		Name:     "org-1-split",
		Type:     model.RuleProportional,
		Priority: 10,
		Conditions: []model.Condition{
			{Field: model.FieldOrgID, Equals: "org-1"},
		},
		Weights: model.SplitWeights{Splits: []model.BusinessSplit{
			{BusinessUnit: "platform", Weight: decimal.NewFromInt(3)},
			{BusinessUnit: "analytics", Weight: decimal.NewFromInt(1)},
		}},
		Active: true,
	}}

	p := NewPipeline(store, nil)
	tracker := newTestTracker(t, store)
	require.NoError(t, p.Run(ctx, tracker, []model.RawBillingRecord{billingRecord("100.00")}))

	snap := tracker.Snapshot()
	assert.Equal(t, model.RunCompleted, snap.Status)
	// 24 hours fanned out into 2 business legs each.
	assert.Equal(t, 48, snap.RecordsInserted)
	assert.Len(t, store.facts, 48)
	assert.True(t, store.totalCost().Equal(decimal.RequireFromString("100.00")))

	// Re-ingestion regenerates the same legs and updates them in place.
	again := newTestTracker(t, store)
	require.NoError(t, p.Run(ctx, again, []model.RawBillingRecord{billingRecord("100.00")}))
	assert.Equal(t, 0, again.Snapshot().RecordsInserted)
	assert.Equal(t, 48, again.Snapshot().RecordsUpdated)
	assert.Len(t, store.facts, 48)
}

func TestPipelineUsageWeightedConfidence(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	p := NewPipeline(store, nil)
	tracker := newTestTracker(t, store)

	rec := billingRecord("100.00")
	rec.UsageWeights = make([]decimal.Decimal, 24)
	for i := range rec.UsageWeights {
		rec.UsageWeights[i] = decimal.NewFromInt(int64(i + 1))
	}
	require.NoError(t, p.Run(ctx, tracker, []model.RawBillingRecord{rec}))

	for _, fact := range store.facts {
		assert.Equal(t, model.MethodUsageBased, fact.AllocationMethod)
		// No rule matched, so high confidence is capped at medium.
		assert.Equal(t, model.ConfidenceMedium, fact.AllocationConfidence)
	}
}
