package jobs

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

	"ccloud-cost/internal/collector"
	"ccloud-cost/internal/enrich"
	"ccloud-cost/pkg/model"
)

// fakeSource serves canned billing data per day and records which days
// were requested.
type fakeSource struct {
	mu       sync.Mutex
	byDay    map[string][]model.RawBillingRecord
	fetched  []string
	fetchErr error
	dims     *collector.Dimensions
	dimsErr  error
}

func (f *fakeSource) FetchDailyCosts(ctx context.Context, day time.Time) ([]model.RawBillingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := day.Format("2006-01-02")
	f.fetched = append(f.fetched, key)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.byDay[key], nil
}

func (f *fakeSource) FetchCoreObjects(ctx context.Context) (*collector.Dimensions, error) {
	if f.dimsErr != nil {
		return nil, f.dimsErr
	}
	return f.dims, nil
}

// memStore is an in-memory Store with the Postgres implementation's
// observable semantics.
type memStore struct {
	mu         sync.Mutex
	orgs       map[string]*model.Organization
	envs       map[string]*model.Environment
	clusters   map[string]*model.Cluster
	principals map[string]*model.Principal
	facts      map[string]*model.HourlyCostFact
	locks      map[string]bool
	runs       map[string]model.IngestionRun
}

func newMemStore() *memStore {
	return &memStore{
		orgs:       map[string]*model.Organization{},
		envs:       map[string]*model.Environment{},
		clusters:   map[string]*model.Cluster{},
		principals: map[string]*model.Principal{},
		facts:      map[string]*model.HourlyCostFact{},
		locks:      map[string]bool{},
		runs:       map[string]model.IngestionRun{},
	}
}

func (m *memStore) UpsertOrg(ctx context.Context, org *model.Organization) (*model.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.orgs[org.ID]; ok {
		existing.Name = org.Name
		return existing, nil
	}
	cp := *org
	m.orgs[org.ID] = &cp
	return &cp, nil
}

func (m *memStore) UpsertEnv(ctx context.Context, env *model.Environment) (*model.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.envs[env.ID]; ok {
		existing.Name = env.Name
		return existing, nil
	}
	cp := *env
	m.envs[env.ID] = &cp
	return &cp, nil
}

func (m *memStore) UpsertCluster(ctx context.Context, cluster *model.Cluster) (*model.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.clusters[cluster.ID]; ok {
		existing.Name = cluster.Name
		return existing, nil
	}
	cp := *cluster
	m.clusters[cluster.ID] = &cp
	return &cp, nil
}

func (m *memStore) UpsertPrincipal(ctx context.Context, principal *model.Principal) (*model.Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.principals[principal.ID]; ok {
		return existing, nil
	}
	cp := *principal
	m.principals[principal.ID] = &cp
	return &cp, nil
}

func (m *memStore) UpsertFacts(ctx context.Context, facts []*model.HourlyCostFact) (enrich.FactBatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res enrich.FactBatchResult
	for _, f := range facts {
		key := f.IdentityKey()
		if _, ok := m.facts[key]; ok {
			res.Updated++
		} else {
			res.Inserted++
		}
		cp := *f
		m.facts[key] = &cp
	}
	return res, nil
}

func (m *memStore) ActiveRules(ctx context.Context) ([]model.AllocationRule, error) {
	return nil, nil
}

func (m *memStore) TryLockWindow(ctx context.Context, start, end time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%d-%d", start.Unix(), end.Unix())
	if m.locks[key] {
		return false, nil
	}
	m.locks[key] = true
	return true, nil
}

func (m *memStore) UnlockWindow(ctx context.Context, start, end time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, fmt.Sprintf("%d-%d", start.Unix(), end.Unix()))
	return nil
}

func (m *memStore) CreateRun(ctx context.Context, r *model.IngestionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID.String()] = *r
	return nil
}

func (m *memStore) UpdateRun(ctx context.Context, r *model.IngestionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID.String()] = *r
	return nil
}

func (m *memStore) runStatuses() map[model.RunStatus]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[model.RunStatus]int{}
	for _, r := range m.runs {
		out[r.Status]++
	}
	return out
}

func record(day time.Time, amount string) model.RawBillingRecord {
	return model.RawBillingRecord{
		ResourceID:     "lkc-abc",
		OrganizationID: "org-1",
		EnvironmentID:  "env-prod",
		Product:        "kafka",
		AmountUSD:      decimal.RequireFromString(amount),
		BillingDay:     day,
		CostSource:     model.CostSourceBillingAPI,
	}
}

func newTestJob(source *fakeSource, store *memStore) *CollectorJob {
	pipeline := enrich.NewPipeline(store, nil)
	return NewCollectorJob(source, store, pipeline, nil)
}

func TestCollectorJobCollectDay(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)

	t.Run("collects and enriches one day", func(t *testing.T) {
		store := newMemStore()
		source := &fakeSource{byDay: map[string][]model.RawBillingRecord{
			"2026-08-25": {record(day, "100.00")},
		}}

		tracker, err := newTestJob(source, store).CollectDay(ctx, day, model.RunTypeDaily)
		require.NoError(t, err)

		snap := tracker.Snapshot()
		assert.Equal(t, model.RunCompleted, snap.Status)
		assert.Equal(t, model.RunTypeDaily, snap.RunType)
		assert.Equal(t, day, snap.PeriodStart)
		assert.Equal(t, day.AddDate(0, 0, 1), snap.PeriodEnd)
		assert.Equal(t, 24, snap.RecordsInserted)
		assert.Len(t, store.facts, 24)
	})

	t.Run("fetch failure leaves a failed run behind", func(t *testing.T) {
		store := newMemStore()
		source := &fakeSource{fetchErr: stderrors.New("upstream 503")}

		tracker, err := newTestJob(source, store).CollectDay(ctx, day, model.RunTypeDaily)
		require.Error(t, err)
		require.NotNil(t, tracker)
		assert.Equal(t, model.RunFailed, tracker.Snapshot().Status)
		assert.Contains(t, tracker.Snapshot().ErrorMessage, "upstream 503")
		assert.Equal(t, 1, store.runStatuses()[model.RunFailed])
	})

	t.Run("empty day completes with zero counters", func(t *testing.T) {
		store := newMemStore()
		source := &fakeSource{byDay: map[string][]model.RawBillingRecord{}}

		tracker, err := newTestJob(source, store).CollectDay(ctx, day, model.RunTypeDaily)
		require.NoError(t, err)
		assert.Equal(t, model.RunCompleted, tracker.Snapshot().Status)
		assert.Equal(t, 0, tracker.Snapshot().RecordsProcessed)
	})
}

func TestCollectorJobBackfill(t *testing.T) {
	ctx := context.Background()
	from := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC)

	t.Run("sweeps every day in the range", func(t *testing.T) {
		store := newMemStore()
		source := &fakeSource{byDay: map[string][]model.RawBillingRecord{
			"2026-08-20": {record(from, "10.00")},
			"2026-08-21": {record(from.AddDate(0, 0, 1), "20.00")},
			"2026-08-22": {record(from.AddDate(0, 0, 2), "30.00")},
		}}

		require.NoError(t, newTestJob(source, store).Backfill(ctx, from, to))
		assert.Equal(t, []string{"2026-08-20", "2026-08-21", "2026-08-22"}, source.fetched)
		assert.Equal(t, 3, store.runStatuses()[model.RunCompleted])
		assert.Len(t, store.facts, 72)
	})

	t.Run("rejects inverted ranges", func(t *testing.T) {
		store := newMemStore()
		err := newTestJob(&fakeSource{}, store).Backfill(ctx, to, from)
		require.Error(t, err)
		assert.Empty(t, store.runs)
	})

	t.Run("single-day range runs once", func(t *testing.T) {
		store := newMemStore()
		source := &fakeSource{byDay: map[string][]model.RawBillingRecord{}}
		require.NoError(t, newTestJob(source, store).Backfill(ctx, from, from))
		assert.Equal(t, []string{"2026-08-20"}, source.fetched)
	})
}

func TestCollectorJobSyncDimensions(t *testing.T) {
	ctx := context.Background()

	t.Run("upserts the full hierarchy", func(t *testing.T) {
		store := newMemStore()
		source := &fakeSource{dims: &collector.Dimensions{
			Organizations: []model.Organization{{ID: "org-1", Name: "Acme"}},
			Environments:  []model.Environment{{ID: "env-prod", OrgID: "org-1", Name: "prod"}},
			Clusters:      []model.Cluster{{ID: "lkc-abc", OrgID: "org-1", EnvID: "env-prod", Name: "orders"}},
			Principals:    []model.Principal{{ID: "sa-123", OrgID: "org-1", PrincipalType: model.PrincipalServiceAccount, Name: "writer"}},
		}}

		require.NoError(t, newTestJob(source, store).SyncDimensions(ctx))
		assert.Contains(t, store.orgs, "org-1")
		assert.Contains(t, store.envs, "env-prod")
		assert.Contains(t, store.clusters, "lkc-abc")
		assert.Contains(t, store.principals, "sa-123")
	})

	t.Run("propagates fetch failure", func(t *testing.T) {
		source := &fakeSource{dimsErr: stderrors.New("unauthorized")}
		err := newTestJob(source, newMemStore()).SyncDimensions(ctx)
		require.Error(t, err)
	})
}
