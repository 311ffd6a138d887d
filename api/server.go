// Package api exposes the cost portal over HTTP: aggregated cost
// queries, dimension listings, ingestion run inspection and on-demand
// collection triggers.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"ccloud-cost/db/postgres"
	"ccloud-cost/internal/jobs"
	"ccloud-cost/pkg/model"
)

var version = "0.1.0"

// Config holds server configuration.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	store      *postgres.Store
	job        *jobs.CollectorJob
	metrics    http.Handler
	config     *Config
	startTime  time.Time
}

// NewServer wires the store, the collector job and the metrics handler
// into an HTTP server. The metrics handler may be nil when the exporter
// is disabled.
func NewServer(store *postgres.Store, job *jobs.CollectorJob, metrics http.Handler, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	return &Server{
		store:     store,
		job:       job,
		metrics:   metrics,
		config:    config,
		startTime: time.Now(),
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleLiveness)
	r.Get("/health/ready", s.handleReadiness)
	r.Get("/version", s.handleVersion)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/costs", s.handleQueryCosts)
		r.Get("/dimensions/{kind}", s.handleListDimensions)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Post("/collect", s.handleCollect)
	})

	return r
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithGracefulShutdown starts the server and drains it on SIGINT
// or SIGTERM.
func (s *Server) StartWithGracefulShutdown() error {
	errChan := make(chan error, 1)
	go func() {
		if err := s.Start(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case <-quit:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "ccloud-cost",
		"version": version,
		"uptime":  time.Since(s.startTime).String(),
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.jsonError(w, http.StatusServiceUnavailable, "database not ready")
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"version": version,
		"service": "ccloud-cost",
	})
}

// filterParams are the query parameters accepted as exact-match fact
// filters.
var filterParams = []string{
	"org_id", "env_id", "cluster_id", "principal_id",
	"business_unit", "product", "cost_center", "team",
	"allocation_confidence", "cost_source",
}

func (s *Server) handleQueryCosts(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()

	from, err := parseTimeParam(qs.Get("from"), time.Now().UTC().AddDate(0, 0, -7))
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	to, err := parseTimeParam(qs.Get("to"), time.Now().UTC())
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}
	if !to.After(from) {
		s.jsonError(w, http.StatusBadRequest, "to must be after from")
		return
	}

	q := postgres.CostQuery{
		From:    from,
		To:      to,
		Filters: map[string]string{},
		Limit:   intParam(qs.Get("limit"), 100),
		Offset:  intParam(qs.Get("offset"), 0),
	}
	if groupBy := qs.Get("group_by"); groupBy != "" {
		q.GroupBy = strings.Split(groupBy, ",")
	}
	for _, p := range filterParams {
		if v := qs.Get(p); v != "" {
			q.Filters[p] = v
		}
	}

	rows, err := s.store.QueryCosts(r.Context(), q)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"from":    from,
		"to":      to,
		"results": rows,
	})
}

func (s *Server) handleListDimensions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		out any
		err error
	)
	switch kind := chi.URLParam(r, "kind"); kind {
	case "organizations":
		out, err = s.store.ListOrgs(ctx)
	case "environments":
		out, err = s.store.ListEnvs(ctx)
	case "clusters":
		out, err = s.store.ListClusters(ctx)
	case "principals":
		out, err = s.store.ListPrincipals(ctx)
	default:
		s.jsonError(w, http.StatusNotFound, fmt.Sprintf("unknown dimension kind %q", kind))
		return
	}
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, out)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	status := model.RunStatus(r.URL.Query().Get("status"))
	limit := intParam(r.URL.Query().Get("limit"), 50)

	runs, err := s.store.ListRuns(r.Context(), status, limit)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		s.jsonError(w, http.StatusNotFound, "run not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, run)
}

// CollectRequest triggers ingestion of one day, or a backfill sweep
// when end_date is set.
type CollectRequest struct {
	Date    string `json:"date"`
	EndDate string `json:"end_date,omitempty"`
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	if s.job == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "collection is not configured")
		return
	}

	var req CollectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	day, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	if req.EndDate != "" {
		end, err := time.Parse("2006-01-02", req.EndDate)
		if err != nil {
			s.jsonError(w, http.StatusBadRequest, "end_date must be YYYY-MM-DD")
			return
		}
		// Backfills can span weeks; run them detached from the request.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 4*time.Hour)
			defer cancel()
			s.job.Backfill(ctx, day, end)
		}()
		s.jsonResponse(w, http.StatusAccepted, map[string]string{
			"status": "backfill started",
			"from":   req.Date,
			"to":     req.EndDate,
		})
		return
	}

	tracker, err := s.job.CollectDay(r.Context(), day, model.RunTypeDaily)
	if tracker == nil && err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	snap := tracker.Snapshot()
	status := http.StatusOK
	if snap.Status == model.RunFailed {
		status = http.StatusBadGateway
	}
	s.jsonResponse(w, status, snap)
}

func parseTimeParam(val string, fallback time.Time) (time.Time, error) {
	if val == "" {
		return fallback, nil
	}
	if t, err := time.Parse(time.RFC3339, val); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", val)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func intParam(val string, fallback int) int {
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}
