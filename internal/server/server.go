// Package server serves the benchmark report over HTTP: plots and CSVs as
// static files, parsed results as JSON and the harness metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/FairForge/inferbench/internal/logging"
	"github.com/FairForge/inferbench/internal/metrics"
	"github.com/FairForge/inferbench/internal/reporting"
	"github.com/FairForge/inferbench/internal/results"
	"github.com/FairForge/inferbench/internal/store"
)

const defaultRunsLimit = 20

// RunLister lists stored runs, e.g. the Postgres store.
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]store.RunSummary, error)
}

// Options configure a Server. A nil Collector gets a fresh one.
type Options struct {
	Addr      string
	ReportDir string
	Collector *metrics.Collector
	// Runs backs /api/runs. Nil answers 503.
	Runs   RunLister
	Logger *zap.Logger
}

type Server struct {
	opts       Options
	logger     *zap.Logger
	router     chi.Router
	httpServer *http.Server
}

// New builds the router. It does not listen until Start.
func New(opts Options) *Server {
	if opts.Collector == nil {
		opts.Collector = metrics.NewCollector()
	}
	s := &Server{
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("server"),
		router: chi.NewRouter(),
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(metrics.Middleware(s.opts.Collector))
	s.router.Use(s.loggingMiddleware)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", s.opts.Collector.Handler())
	s.router.Get("/api/runs", s.handleRuns)
	s.router.Get("/api/results/{testType}", s.handleResults)
	s.router.Get("/api/results/{testType}/summary", s.handleSummary)

	files := http.StripPrefix("/files", http.FileServer(http.Dir(s.opts.ReportDir)))
	s.router.Method(http.MethodGet, "/files/*", files)
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("starting report server",
		zap.String("addr", s.opts.Addr),
		zap.String("report_dir", s.opts.ReportDir))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": s.opts.Collector.Uptime().Seconds(),
	})
}

// handleResults handles GET /api/results/{testType}
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	frame, status := s.loadFrame(r)
	if frame == nil {
		http.Error(w, http.StatusText(status), status)
		return
	}
	s.writeJSON(w, http.StatusOK, frame)
}

// handleSummary handles GET /api/results/{testType}/summary?format=markdown
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	frame, status := s.loadFrame(r)
	if frame == nil {
		http.Error(w, http.StatusText(status), status)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = reporting.FormatJSON
	}
	body, err := reporting.SummaryTable(frame).Export(format)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch format {
	case reporting.FormatJSON:
		w.Header().Set("Content-Type", "application/json")
	case reporting.FormatCSV:
		w.Header().Set("Content-Type", "text/csv")
	default:
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	}
	_, _ = w.Write(body)
}

// loadFrame reads the merged CSV the report step wrote for the requested
// test type. A nil frame comes with the status to answer.
func (s *Server) loadFrame(r *http.Request) (*results.Frame, int) {
	tt, err := results.ParseTestType(chi.URLParam(r, "testType"))
	if err != nil {
		return nil, http.StatusBadRequest
	}
	frame, err := results.LoadCSV(filepath.Join(s.opts.ReportDir, string(tt)+".csv"), tt)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, http.StatusNotFound
	case err != nil:
		s.logger.Error("failed to load results", zap.String("test_type", string(tt)), zap.Error(err))
		return nil, http.StatusInternalServerError
	}
	return frame, http.StatusOK
}

// handleRuns handles GET /api/runs?limit=N
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runs == nil {
		http.Error(w, "results store not configured", http.StatusServiceUnavailable)
		return
	}
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := s.opts.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", zap.Error(err))
		http.Error(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []store.RunSummary{}
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("latency", time.Since(start)),
		)
	})
}
