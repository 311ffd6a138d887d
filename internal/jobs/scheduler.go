package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"ccloud-cost/pkg/model"
)

// SchedulerConfig carries the cron expressions for the recurring jobs.
// Specs use the standard five-field cron format, evaluated in UTC.
type SchedulerConfig struct {
	// CollectSpec triggers collection of the previous day's costs.
	CollectSpec string
	// DimensionSyncSpec triggers the org hierarchy sweep.
	DimensionSyncSpec string
	// JobTimeout bounds a single scheduled execution.
	JobTimeout time.Duration
}

// DefaultSchedulerConfig collects yesterday's costs at 06:00 UTC, after
// the upstream billing data has settled, and refreshes dimensions every
// six hours.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		CollectSpec:       "0 6 * * *",
		DimensionSyncSpec: "0 */6 * * *",
		JobTimeout:        30 * time.Minute,
	}
}

// Scheduler runs the collector job on a cron cadence. Overlapping
// executions of the same job are skipped rather than queued.
type Scheduler struct {
	cron   *cron.Cron
	job    *CollectorJob
	cfg    SchedulerConfig
	logger *slog.Logger
}

func NewScheduler(job *CollectorJob, cfg SchedulerConfig, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}

	s := &Scheduler{
		job:    job,
		cfg:    cfg,
		logger: logger,
	}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	if _, err := s.cron.AddFunc(cfg.CollectSpec, s.collectYesterday); err != nil {
		return nil, fmt.Errorf("invalid collect schedule %q: %w", cfg.CollectSpec, err)
	}
	if _, err := s.cron.AddFunc(cfg.DimensionSyncSpec, s.syncDimensions); err != nil {
		return nil, fmt.Errorf("invalid dimension sync schedule %q: %w", cfg.DimensionSyncSpec, err)
	}
	return s, nil
}

// Start begins scheduling in a background goroutine.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started",
		"collect_spec", s.cfg.CollectSpec,
		"dimension_sync_spec", s.cfg.DimensionSyncSpec)
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight jobs to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) collectYesterday() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	day := time.Now().UTC().AddDate(0, 0, -1)
	tracker, err := s.job.CollectDay(ctx, day, model.RunTypeDaily)
	if err != nil {
		s.logger.Error("scheduled collection failed",
			"day", day.Format("2006-01-02"), "error", err)
		return
	}
	snap := tracker.Snapshot()
	s.logger.Info("scheduled collection finished",
		"run_id", snap.ID,
		"processed", snap.RecordsProcessed,
		"failed", snap.RecordsFailed)
}

func (s *Scheduler) syncDimensions() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	if err := s.job.SyncDimensions(ctx); err != nil {
		s.logger.Error("scheduled dimension sync failed", "error", err)
	}
}
