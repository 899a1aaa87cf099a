// Package api provides the REST API serving harness run reports.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/piwi3910/dns-harness/pkg/api/types"
	"github.com/piwi3910/dns-harness/pkg/config"
	"github.com/piwi3910/dns-harness/pkg/harness"
)

// Version is reported by the health endpoint.
var Version = "dev"

// maxScenarioBytes bounds an uploaded scenario document.
const maxScenarioBytes = 1 << 20

// RunFunc executes a scenario as run id.
type RunFunc func(ctx context.Context, id string, s *harness.Scenario) (*harness.Report, error)

// Options configures a Server.
type Options struct {
	Logger zerolog.Logger

	// Runner executes uploaded scenarios; nil runs them with harness.RunScenario.
	Runner RunFunc

	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Server is the results API server.
type Server struct {
	config     *config.Config
	store      *RunStore
	runner     RunFunc
	gatherer   prometheus.Gatherer
	log        zerolog.Logger
	startTime  time.Time
	httpServer *http.Server

	// runCtx is cancelled on Shutdown to abort runs in flight.
	runCtx    context.Context
	cancelRun context.CancelFunc
	runs      sync.WaitGroup
}

// NewServer creates a new API server over store.
func NewServer(cfg *config.Config, store *RunStore, opts Options) *Server {
	s := &Server{
		config:    cfg,
		store:     store,
		runner:    opts.Runner,
		gatherer:  opts.Gatherer,
		log:       opts.Logger,
		startTime: time.Now(),
	}
	s.runCtx, s.cancelRun = context.WithCancel(context.Background())

	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.runner == nil {
		s.runner = s.runScenario
	}

	return s
}

// Start starts the API server.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.API.ListenAddress,
		Handler:           s.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.log.Info().Str("addr", s.config.API.ListenAddress).Msg("API server starting")

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Shutdown stops accepting requests, aborts runs in flight and waits for
// their teardown.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	s.cancelRun()

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.API.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/runs", s.handleGetRuns)
	r.Post("/api/runs", s.handleCreateRun)
	r.Get("/api/runs/{id}", s.handleGetRun)

	if s.config.Metrics.Enabled {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Dur("took", time.Since(start)).
			Msg("API request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := types.HealthResponse{
		Status:    "ok",
		Version:   Version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).String(),
		Running:   s.store.Running(),
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRuns(w http.ResponseWriter, r *http.Request) {
	reports := s.store.List()

	resp := types.RunsResponse{Runs: make([]types.RunSummary, 0, len(reports)), Total: len(reports)}
	for _, rep := range reports {
		resp.Runs = append(resp.Runs, summarize(rep))
	}

	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	report, ok := s.store.Get(id)
	if !ok {
		s.sendError(w, http.StatusNotFound, "Run not found")
		return
	}

	s.sendJSON(w, http.StatusOK, report)
}

// handleCreateRun accepts a YAML scenario document and runs it in the
// background. The run is listed as running until it finishes.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxScenarioBytes))
	if err != nil {
		s.sendError(w, http.StatusRequestEntityTooLarge, "Scenario too large")
		return
	}

	scenario, err := harness.ParseScenario(data, "upload")
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.runCtx.Err() != nil {
		s.sendError(w, http.StatusServiceUnavailable, "Server shutting down")
		return
	}

	id := uuid.NewString()
	pending := &harness.Report{
		ID:      id,
		Name:    scenario.Name,
		Result:  harness.ResultRunning,
		Started: time.Now(),
	}
	if scenario.Seed != nil {
		pending.Seed = *scenario.Seed
	}
	s.store.Put(pending)

	s.runs.Add(1)
	go s.execute(pending, scenario)

	s.sendJSON(w, http.StatusAccepted, types.CreateRunResponse{Success: true, ID: id, Name: scenario.Name})
}

func (s *Server) execute(pending *harness.Report, scenario *harness.Scenario) {
	defer s.runs.Done()

	report, err := s.runner(s.runCtx, pending.ID, scenario)
	if report == nil {
		failed := *pending
		failed.Result = ""
		failed.Finish(err)
		report = &failed
	}
	report.ID = pending.ID

	if err != nil {
		s.log.Warn().Err(err).Str("run", pending.ID).Str("result", report.Result).Msg("Scenario run did not pass")
	}
	s.store.Put(report)
}

func (s *Server) runScenario(ctx context.Context, id string, scenario *harness.Scenario) (*harness.Report, error) {
	return harness.RunScenario(ctx, harness.Options{
		Config: s.config,
		Logger: s.log,
		ID:     id,
	}, scenario)
}

// Helper functions
func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Debug().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	resp := types.APIResponse{
		Success:   false,
		Error:     message,
		Timestamp: time.Now(),
	}
	s.sendJSON(w, status, resp)
}
