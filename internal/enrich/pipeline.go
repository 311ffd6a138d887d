package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"ccloud-cost/internal/run"
	"ccloud-cost/pkg/errors"
	"ccloud-cost/pkg/model"
)

// FactBatchResult reports one committed chunk of fact upserts. Errors are
// record-level failures (non-idempotency-key constraint violations) that
// did not abort the chunk.
type FactBatchResult struct {
	Inserted int
	Updated  int
	Errors   []model.RecordError
}

// FactStore persists enriched hourly facts. UpsertFacts writes one chunk
// in a single transaction; a returned error means the chunk did not
// commit (systemic failure).
type FactStore interface {
	UpsertFacts(ctx context.Context, facts []*model.HourlyCostFact) (FactBatchResult, error)
}

// RuleStore loads the currently-active allocation rules.
type RuleStore interface {
	ActiveRules(ctx context.Context) ([]model.AllocationRule, error)
}

// WindowLocker serializes runs over the same billing window. Disjoint
// windows lock independently and may run concurrently.
type WindowLocker interface {
	TryLockWindow(ctx context.Context, start, end time.Time) (bool, error)
	UnlockWindow(ctx context.Context, start, end time.Time) error
}

// Store is everything the pipeline needs from the relational store.
type Store interface {
	DimensionStore
	FactStore
	RuleStore
	WindowLocker
}

// Pipeline runs one ingestion batch: dimension resolution, hourly
// distribution, confidence scoring and rule attribution per record, then
// chunked idempotent fact upserts. Record-level failures are counted and
// logged without blocking the batch; systemic failures abort the run.
type Pipeline struct {
	store     Store
	resolver  *Resolver
	logger    *slog.Logger
	chunkSize int
	workers   int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithChunkSize sets how many raw records are written per transaction.
func WithChunkSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.chunkSize = n
		}
	}
}

// WithWorkers bounds the per-record enrichment parallelism.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

func NewPipeline(store Store, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		store:     store,
		resolver:  NewResolver(store, logger),
		logger:    logger,
		chunkSize: 200,
		workers:   8,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// enriched is the outcome of enriching one raw record.
type enriched struct {
	facts []*model.HourlyCostFact
	err   *model.RecordError
}

// Run processes a batch of raw daily billing records under the given run
// tracker. The rule set is snapshotted once so every fact in the batch
// sees the same policy. Counters advance only after a chunk's writes have
// committed. Returns the systemic error that failed the run, if any.
func (p *Pipeline) Run(ctx context.Context, tracker *run.Tracker, records []model.RawBillingRecord) error {
	snap := tracker.Snapshot()

	locked, err := p.store.TryLockWindow(ctx, snap.PeriodStart, snap.PeriodEnd)
	if err != nil {
		return p.failRun(ctx, tracker, errors.NewStorageUnavailableError(err))
	}
	if !locked {
		return p.failRun(ctx, tracker, fmt.Errorf("window %s..%s is already being ingested", snap.PeriodStart, snap.PeriodEnd))
	}
	defer func() {
		if err := p.store.UnlockWindow(context.WithoutCancel(ctx), snap.PeriodStart, snap.PeriodEnd); err != nil {
			p.logger.Warn("failed to release window lock", "run_id", snap.ID, "error", err)
		}
	}()

	rawRules, err := p.store.ActiveRules(ctx)
	if err != nil {
		return p.failRun(ctx, tracker, errors.NewStorageUnavailableError(err))
	}
	rules := NewRuleSet(rawRules)

	if err := tracker.Start(ctx); err != nil {
		return err
	}
	p.logger.Info("processing batch",
		"run_id", snap.ID, "records", len(records), "rules", rules.Len())

	results := make([]enriched, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i := range records {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, sysErr := p.enrichRecord(gctx, &records[i], rules)
			if sysErr != nil {
				return sysErr
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return p.failRun(ctx, tracker, err)
	}

	for start := 0; start < len(records); start += p.chunkSize {
		end := start + p.chunkSize
		if end > len(records) {
			end = len(records)
		}
		if err := p.writeChunk(ctx, tracker, results[start:end]); err != nil {
			return p.failRun(ctx, tracker, err)
		}
	}

	return tracker.Complete(context.WithoutCancel(ctx))
}

// enrichRecord resolves dimensions, distributes the daily amount across
// hours, scores confidence and applies the rule snapshot. Record-level
// problems come back inside the result; only systemic errors are
// returned.
func (p *Pipeline) enrichRecord(ctx context.Context, rec *model.RawBillingRecord, rules *RuleSet) (enriched, error) {
	dims, err := p.resolver.Resolve(ctx, rec)
	if err != nil {
		if errors.IsSystemic(err) {
			return enriched{}, err
		}
		p.logger.Warn("record rejected",
			"resource_id", rec.ResourceID, "org_id", rec.OrganizationID, "error", err)
		return enriched{err: &model.RecordError{
			ResourceID: rec.ResourceID,
			Code:       errors.CodeOf(err),
			Message:    err.Error(),
		}}, nil
	}

	shares, method, err := DistributeDaily(rec.AmountUSD, rec.BillingDay, rec.UsageWeights)
	if err != nil {
		p.logger.Warn("record rejected",
			"resource_id", rec.ResourceID, "billing_day", rec.BillingDay, "error", err)
		return enriched{err: &model.RecordError{
			ResourceID: rec.ResourceID,
			Code:       errors.CodeOf(err),
			Message:    err.Error(),
		}}, nil
	}

	source := rec.CostSource
	if source == "" {
		source = model.CostSourceBillingAPI
	}
	confidence := ScoreConfidence(method, method == model.MethodUsageBased, source)

	var facts []*model.HourlyCostFact
	for _, share := range shares {
		candidate := model.HourlyCostFact{
			Timestamp:            share.Hour.UTC().Truncate(time.Hour),
			OrgID:                dims.OrgID,
			EnvID:                dims.EnvID,
			ClusterID:            dims.ClusterID,
			PrincipalID:          dims.PrincipalID,
			CostUSD:              share.Amount,
			CostSource:           source,
			Product:              rec.Product,
			Tags:                 rec.Tags,
			AllocationConfidence: confidence,
			AllocationMethod:     method,
			RawSource:            rec.Raw,
			SourceAPIVersion:     rec.APIVersion,
		}
		for _, attributed := range rules.Apply(candidate) {
			attributed := attributed
			facts = append(facts, &attributed)
		}
	}
	return enriched{facts: facts}, nil
}

// writeChunk commits one chunk of records and, only after the commit,
// folds the outcome into the tracker.
func (p *Pipeline) writeChunk(ctx context.Context, tracker *run.Tracker, chunk []enriched) error {
	res := run.ChunkResult{Processed: len(chunk)}
	var facts []*model.HourlyCostFact
	for _, e := range chunk {
		if e.err != nil {
			res.Failed++
			res.Errors = append(res.Errors, *e.err)
			continue
		}
		facts = append(facts, e.facts...)
	}

	if len(facts) > 0 {
		batch, err := p.store.UpsertFacts(ctx, facts)
		if err != nil {
			return errors.NewStorageUnavailableError(err)
		}
		res.Inserted = batch.Inserted
		res.Updated = batch.Updated
		res.Failed += len(batch.Errors)
		res.Errors = append(res.Errors, batch.Errors...)
	}

	return tracker.RecordChunk(context.WithoutCancel(ctx), res)
}

func (p *Pipeline) failRun(ctx context.Context, tracker *run.Tracker, cause error) error {
	if err := tracker.Fail(context.WithoutCancel(ctx), cause); err != nil {
		p.logger.Error("failed to mark run as failed", "error", err)
	}
	return cause
}
