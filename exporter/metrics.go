// Package exporter publishes enriched hourly cost facts as Prometheus
// metrics so existing dashboards can graph spend next to usage.
package exporter

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ccloud-cost/pkg/model"
)

// FactSource is the slice of the store the exporter reads.
type FactSource interface {
	RecentFacts(ctx context.Context, lookback time.Duration) ([]model.HourlyCostFact, error)
}

// Exporter maintains the ccloud_cost_usd_hourly gauge from the trailing
// window of facts. Refreshes fully reset the gauge so deleted or
// re-attributed facts do not linger as stale series.
type Exporter struct {
	source   FactSource
	lookback time.Duration
	logger   *slog.Logger

	registry *prometheus.Registry
	costs    *prometheus.GaugeVec
	facts    prometheus.Gauge
	lastRun  prometheus.Gauge
}

func New(source FactSource, lookback time.Duration, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	if lookback <= 0 {
		lookback = 48 * time.Hour
	}

	e := &Exporter{
		source:   source,
		lookback: lookback,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		costs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ccloud_cost_usd_hourly",
			Help: "Hourly cost in USD, labeled by dimension and allocation metadata.",
		}, []string{
			"org_id", "env_id", "cluster_id", "principal_id",
			"business_unit", "product", "cost_center", "allocation_confidence",
		}),
		facts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ccloud_cost_facts_exported",
			Help: "Number of cost facts in the exported window.",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ccloud_cost_export_last_refresh_timestamp_seconds",
			Help: "Unix time of the last successful metrics refresh.",
		}),
	}
	e.registry.MustRegister(e.costs, e.facts, e.lastRun)
	return e
}

// Handler serves the exporter's registry in Prometheus exposition
// format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Refresh reloads the gauge from the store. Facts sharing a label set
// (hours within the window for the same dimensions) are summed.
func (e *Exporter) Refresh(ctx context.Context) error {
	facts, err := e.source.RecentFacts(ctx, e.lookback)
	if err != nil {
		return err
	}

	e.costs.Reset()
	for i := range facts {
		f := &facts[i]
		cost, _ := f.CostUSD.Float64()
		e.costs.WithLabelValues(
			f.OrgID, f.EnvID, f.ClusterID, f.PrincipalID,
			f.BusinessUnit, f.Product, f.CostCenter, string(f.AllocationConfidence),
		).Add(cost)
	}
	e.facts.Set(float64(len(facts)))
	e.lastRun.SetToCurrentTime()

	e.logger.Debug("cost metrics refreshed", "facts", len(facts), "lookback", e.lookback)
	return nil
}

// Run refreshes the gauge on the given interval until the context is
// canceled. An initial refresh happens immediately.
func (e *Exporter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if err := e.Refresh(ctx); err != nil {
		e.logger.Error("metrics refresh failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Refresh(ctx); err != nil {
				e.logger.Error("metrics refresh failed", "error", err)
			}
		}
	}
}
