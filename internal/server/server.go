// Package server exposes the queue and the worker pool over a JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gabelul/autocoder/internal/blockers"
	"github.com/gabelul/autocoder/internal/db"
	"github.com/gabelul/autocoder/internal/orchestrator"
	"github.com/gabelul/autocoder/pkg/models"
)

const maxBodySize = 1 << 20

// Store is the part of the work queue served over HTTP.
type Store interface {
	Stats(ctx context.Context) (models.QueueStats, error)
	ListFeatures(ctx context.Context, filter db.ListFilter) ([]*models.Feature, error)
	GetFeature(ctx context.Context, id int64) (*models.Feature, error)
	ClaimFeatures(ctx context.Context, workerID string, max int) ([]*models.Feature, error)
	Release(ctx context.Context, req models.ReleaseRequest) (bool, error)
	GetForRegression(ctx context.Context) (*models.Feature, error)
	ReportRegression(ctx context.Context, regressionOf int64, summary, details string) (int64, bool, error)
}

// Pool is the worker pool under control. It may be nil when the server
// only serves the queue.
type Pool interface {
	Start(ctx context.Context) error
	Stop() error
	Pause() error
	Resume() error
	SetTargetWorkers(n int)
	Status() orchestrator.Status
}

type Blockers interface {
	Summarize(ctx context.Context) (*blockers.Summary, error)
	Retry(ctx context.Context, req blockers.RetryRequest) (*blockers.RetryResult, error)
}

type Server struct {
	store    Store
	pool     Pool
	blockers Blockers
	log      *zap.Logger

	mu sync.Mutex
	// runCtx bounds pools started through the API.
	runCtx context.Context
	server *http.Server
}

func NewServer(store Store, pool Pool, b Blockers, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{store: store, pool: pool, blockers: b, log: log.Named("http"), runCtx: context.Background()}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/start", s.handleStart)
	mux.HandleFunc("POST /api/stop", s.control(func(p Pool) error { return p.Stop() }))
	mux.HandleFunc("POST /api/pause", s.control(func(p Pool) error { return p.Pause() }))
	mux.HandleFunc("POST /api/resume", s.control(func(p Pool) error { return p.Resume() }))
	mux.HandleFunc("POST /api/workers", s.handleWorkers)

	mux.HandleFunc("GET /api/features", s.handleFeatures)
	mux.HandleFunc("GET /api/features/{id}", s.handleFeature)
	mux.HandleFunc("POST /api/claim", s.handleClaim)
	mux.HandleFunc("POST /api/release", s.handleRelease)
	mux.HandleFunc("POST /api/regression/next", s.handleRegressionNext)
	mux.HandleFunc("POST /api/regression/report", s.handleRegressionReport)

	mux.HandleFunc("GET /api/blockers", s.handleBlockers)
	mux.HandleFunc("POST /api/blockers/retry", s.handleBlockersRetry)

	mux.Handle("GET /metrics", promhttp.Handler())
	return s.logRequests(mux)
}

// Start serves on addr until Shutdown. Pools started through the API run
// under ctx.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.runCtx = ctx
	s.server = srv
	s.mu.Unlock()

	s.log.Info("control API listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type statusResponse struct {
	Pool  *orchestrator.Status `json:"pool,omitempty"`
	Queue models.QueueStats    `json:"queue"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	resp := statusResponse{Queue: stats}
	if s.pool != nil {
		st := s.pool.Status()
		resp.Pool = &st
	}
	s.respond(w, http.StatusOK, resp)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		s.writeError(w, http.StatusNotFound, "no worker pool attached")
		return
	}
	switch state := s.pool.Status().State; state {
	case orchestrator.StateStopped, orchestrator.StateCrashed:
	default:
		s.writeError(w, http.StatusConflict, "pool is "+string(state))
		return
	}
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	go func() {
		if err := s.pool.Start(ctx); err != nil {
			s.log.Error("pool exited", zap.Error(err))
		}
	}()
	s.respond(w, http.StatusAccepted, map[string]string{"status": "starting"})
}

func (s *Server) control(fn func(Pool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.pool == nil {
			s.writeError(w, http.StatusNotFound, "no worker pool attached")
			return
		}
		if err := fn(s.pool); err != nil {
			s.fail(w, err)
			return
		}
		s.respond(w, http.StatusOK, s.pool.Status())
	}
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		s.writeError(w, http.StatusNotFound, "no worker pool attached")
		return
	}
	var body struct {
		Workers int `json:"workers"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.Workers < 1 {
		s.writeError(w, http.StatusBadRequest, "workers must be at least 1")
		return
	}
	s.pool.SetTargetWorkers(body.Workers)
	s.respond(w, http.StatusOK, s.pool.Status())
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.ListFilter{Category: q.Get("category")}
	if v := q.Get("status"); v != "" {
		status, err := models.ParseFeatureStatus(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = &status
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	features, err := s.store.ListFeatures(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"features": features})
}

func (s *Server) handleFeature(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid feature id")
		return
	}
	f, err := s.store.GetFeature(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if f == nil {
		s.writeError(w, http.StatusNotFound, "feature not found")
		return
	}
	s.respond(w, http.StatusOK, f)
}

type claimRequest struct {
	WorkerID string `json:"worker_id"`
	Max      int    `json:"max"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.WorkerID == "" {
		s.writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	if req.Max <= 0 {
		req.Max = 1
	}
	features, err := s.store.ClaimFeatures(r.Context(), req.WorkerID, req.Max)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"features": features})
}

type releaseRequest struct {
	FeatureID  int64  `json:"feature_id"`
	WorkerID   string `json:"worker_id"`
	Outcome    string `json:"outcome"`
	Notes      string `json:"notes"`
	RetryAfter string `json:"retry_after"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var body releaseRequest
	if !s.decode(w, r, &body) {
		return
	}
	outcome, err := models.ParseOutcome(body.Outcome)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := models.ReleaseRequest{FeatureID: body.FeatureID, WorkerID: body.WorkerID, Outcome: outcome, Notes: body.Notes}
	if body.RetryAfter != "" {
		d, err := time.ParseDuration(body.RetryAfter)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "retry_after: "+err.Error())
			return
		}
		req.RetryAfter = d
	}

	changed, err := s.store.Release(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"changed": changed})
}

func (s *Server) handleRegressionNext(w http.ResponseWriter, r *http.Request) {
	f, err := s.store.GetForRegression(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if f == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.respond(w, http.StatusOK, f)
}

type regressionReport struct {
	RegressionOf int64  `json:"regression_of"`
	Summary      string `json:"summary"`
	Details      string `json:"details"`
}

func (s *Server) handleRegressionReport(w http.ResponseWriter, r *http.Request) {
	var body regressionReport
	if !s.decode(w, r, &body) {
		return
	}
	if body.Summary == "" {
		s.writeError(w, http.StatusBadRequest, "summary is required")
		return
	}
	id, created, err := s.store.ReportRegression(r.Context(), body.RegressionOf, body.Summary, body.Details)
	if err != nil {
		s.fail(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.respond(w, status, map[string]any{"id": id, "created": created})
}

func (s *Server) handleBlockers(w http.ResponseWriter, r *http.Request) {
	summary, err := s.blockers.Summarize(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, summary)
}

type retryRequest struct {
	Mode         string `json:"mode"`
	Group        string `json:"group"`
	MaxImmediate int    `json:"max_immediate"`
	Stagger      string `json:"stagger"`
}

func (s *Server) handleBlockersRetry(w http.ResponseWriter, r *http.Request) {
	var body retryRequest
	if !s.decode(w, r, &body) {
		return
	}
	mode, err := blockers.ParseRetryMode(body.Mode)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := blockers.RetryRequest{Mode: mode, GroupKey: body.Group, MaxImmediate: body.MaxImmediate}
	if body.Stagger != "" {
		d, err := time.ParseDuration(body.Stagger)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "stagger: "+err.Error())
			return
		}
		req.Stagger = d
	}

	res, err := s.blockers.Retry(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respond(w, http.StatusOK, res)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// fail maps store and pool errors to status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, db.ErrNotClaimant), errors.Is(err, db.ErrUnmetDependencies),
		errors.Is(err, orchestrator.ErrInvalidState):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.respond(w, status, map[string]string{"error": msg})
}

func (s *Server) respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("failed to write response", zap.Error(err))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}
