// Package jobs wires the collector and the enrichment pipeline into
// schedulable units of work: daily collection, backfill sweeps and
// dimension synchronization.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ccloud-cost/internal/collector"
	"ccloud-cost/internal/enrich"
	"ccloud-cost/internal/run"
	"ccloud-cost/pkg/model"
)

// BillingSource is the upstream API surface the jobs consume.
type BillingSource interface {
	FetchDailyCosts(ctx context.Context, day time.Time) ([]model.RawBillingRecord, error)
	FetchCoreObjects(ctx context.Context) (*collector.Dimensions, error)
}

// Store is everything the jobs need from the relational store.
type Store interface {
	enrich.Store
	run.Store
}

// CollectorJob executes one collection cycle end to end: fetch the raw
// records for a billing day, then run them through the enrichment
// pipeline under a tracked ingestion run.
type CollectorJob struct {
	source   BillingSource
	store    Store
	pipeline *enrich.Pipeline
	logger   *slog.Logger
}

func NewCollectorJob(source BillingSource, store Store, pipeline *enrich.Pipeline, logger *slog.Logger) *CollectorJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CollectorJob{
		source:   source,
		store:    store,
		pipeline: pipeline,
		logger:   logger,
	}
}

// CollectDay ingests one calendar day. The run is created before the
// upstream fetch so a fetch failure still leaves a failed run row
// behind. Returns the run ID alongside any systemic error.
func (j *CollectorJob) CollectDay(ctx context.Context, day time.Time, runType model.RunType) (*run.Tracker, error) {
	dayStart := day.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.AddDate(0, 0, 1)

	tracker, err := run.NewTracker(ctx, j.store, runType, dayStart, dayEnd, j.logger)
	if err != nil {
		return nil, err
	}

	records, err := j.source.FetchDailyCosts(ctx, dayStart)
	if err != nil {
		err = fmt.Errorf("fetch billing data for %s: %w", dayStart.Format("2006-01-02"), err)
		if failErr := tracker.Fail(context.WithoutCancel(ctx), err); failErr != nil {
			j.logger.Error("failed to mark run as failed", "run_id", tracker.ID(), "error", failErr)
		}
		return tracker, err
	}

	if err := j.pipeline.Run(ctx, tracker, records); err != nil {
		return tracker, err
	}
	return tracker, nil
}

// Backfill re-ingests every day in [from, to] inclusive. Days fail
// independently; the first error is returned after the sweep finishes
// so one bad day does not block the rest of the range.
func (j *CollectorJob) Backfill(ctx context.Context, from, to time.Time) error {
	from = from.UTC().Truncate(24 * time.Hour)
	to = to.UTC().Truncate(24 * time.Hour)
	if to.Before(from) {
		return fmt.Errorf("backfill range end %s before start %s", to.Format("2006-01-02"), from.Format("2006-01-02"))
	}

	var firstErr error
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return err
		}
		j.logger.Info("backfilling day", "day", day.Format("2006-01-02"))
		if _, err := j.CollectDay(ctx, day, model.RunTypeBackfill); err != nil {
			j.logger.Error("backfill day failed", "day", day.Format("2006-01-02"), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SyncDimensions sweeps the org hierarchy and upserts every dimension
// row in dependency order, so facts ingested afterwards resolve against
// fresh names and metadata.
func (j *CollectorJob) SyncDimensions(ctx context.Context) error {
	dims, err := j.source.FetchCoreObjects(ctx)
	if err != nil {
		return fmt.Errorf("fetch core objects: %w", err)
	}

	for i := range dims.Organizations {
		if _, err := j.store.UpsertOrg(ctx, &dims.Organizations[i]); err != nil {
			return fmt.Errorf("sync organization %s: %w", dims.Organizations[i].ID, err)
		}
	}
	for i := range dims.Environments {
		if _, err := j.store.UpsertEnv(ctx, &dims.Environments[i]); err != nil {
			return fmt.Errorf("sync environment %s: %w", dims.Environments[i].ID, err)
		}
	}
	for i := range dims.Clusters {
		if _, err := j.store.UpsertCluster(ctx, &dims.Clusters[i]); err != nil {
			return fmt.Errorf("sync cluster %s: %w", dims.Clusters[i].ID, err)
		}
	}
	for i := range dims.Principals {
		if _, err := j.store.UpsertPrincipal(ctx, &dims.Principals[i]); err != nil {
			return fmt.Errorf("sync principal %s: %w", dims.Principals[i].ID, err)
		}
	}

	j.logger.Info("dimension sync completed",
		"organizations", len(dims.Organizations),
		"environments", len(dims.Environments),
		"clusters", len(dims.Clusters),
		"principals", len(dims.Principals))
	return nil
}
