package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relieftools/harvester/internal/config"
	"github.com/relieftools/harvester/internal/framework"
	"github.com/relieftools/harvester/internal/metrics"
)

// RunReport summarises one completed harvest.
type RunReport struct {
	Fallbacks  []string           `json:"fallbacks,omitempty"`
	Sources    []framework.Source `json:"sources"`
	SourceURLs []string           `json:"source_urls,omitempty"`
}

// Harvester executes a harvest over the given scraper names, all of them
// when names is empty.
type Harvester interface {
	Harvest(ctx context.Context, scrapers []string) (RunReport, error)
}

// Server wires HTTP handlers to the run store and harvester.
type Server struct {
	router    chi.Router
	store     *RunStore
	harvester Harvester
	logger    *zap.Logger
	cfg       config.Config

	reports reportStore
}

// NewServer constructs a Server with middleware and routes.
func NewServer(store *RunStore, harvester Harvester, cfg config.Config, logger *zap.Logger) *Server {
	s := &Server{
		store:     store,
		harvester: harvester,
		logger:    logger,
		cfg:       cfg,
		reports:   reportStore{byRun: make(map[string]RunReport)},
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.submitRun)
			r.Get("/", s.listRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getRun)
				r.Get("/sources", s.getRunSources)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type runRequest struct {
	Scrapers []string `json:"scrapers"`
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	run := Run{
		ID:        uuid.NewString(),
		Status:    RunStatusQueued,
		Scrapers:  req.Scrapers,
		Submitted: time.Now().UTC(),
	}
	s.store.Create(run)
	go s.execute(run.ID, req.Scrapers)
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID})
}

// execute performs the harvest outside the request, recording lifecycle
// transitions in the store.
func (s *Server) execute(runID string, scrapers []string) {
	started := time.Now().UTC()
	_ = s.store.Update(runID, func(run *Run) {
		run.Status = RunStatusRunning
		run.Started = &started
	})
	report, err := s.harvester.Harvest(context.Background(), scrapers)
	finished := time.Now().UTC()
	_ = s.store.Update(runID, func(run *Run) {
		run.Finished = &finished
		if err != nil {
			run.Status = RunStatusFailed
			run.Error = err.Error()
			return
		}
		run.Status = RunStatusSucceeded
		run.Fallbacks = report.Fallbacks
	})
	if err != nil {
		s.logger.Error("harvest run failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	s.reports.put(runID, report)
	s.logger.Info("harvest run completed",
		zap.String("run_id", runID),
		zap.Int("sources", len(report.Sources)),
		zap.Strings("fallbacks", report.Fallbacks))
}

func (s *Server) listRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.store.List()})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.store.Get(runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) getRunSources(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if _, err := s.store.Get(runID); err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	report, ok := s.reports.get(runID)
	if !ok {
		writeError(w, http.StatusConflict, "run has not completed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request counts and latencies labelled by the
// matched chi route pattern, so /v1/runs/{run_id} stays one series no
// matter how many run IDs are requested.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

// reportStore keeps completed run reports for the sources endpoint.
type reportStore struct {
	mu    sync.RWMutex
	byRun map[string]RunReport
}

func (rs *reportStore) put(runID string, report RunReport) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.byRun[runID] = report
}

func (rs *reportStore) get(runID string) (RunReport, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	report, ok := rs.byRun[runID]
	return report, ok
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
