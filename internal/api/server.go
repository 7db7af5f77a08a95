// Package api exposes the spooler over HTTP: job submission and lifecycle,
// plotter control, and an event stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/penplot/axispool/internal/dispatch"
	"github.com/penplot/axispool/internal/events"
	"github.com/penplot/axispool/internal/job"
	"github.com/penplot/axispool/internal/plotter"
	"github.com/penplot/axispool/internal/uploads"
)

// JobQueue is the slice of the queue manager the handlers need.
type JobQueue interface {
	Enqueue(ctx context.Context, filename, filepath string, params job.Parameters) (*job.Job, error)
	Position(ctx context.Context, j *job.Job) (int, error)
	Depth(ctx context.Context) (int, error)
}

// JobCanceller routes cancellation to wherever the job currently is.
type JobCanceller interface {
	CancelJob(ctx context.Context, id string) (dispatch.CancelResult, error)
}

// Plotter is the device-control surface exposed through the API.
type Plotter interface {
	Snapshot() plotter.StatusSnapshot
	Probe(ctx context.Context) (plotter.Info, error)
	Cancel() bool
	Reset() error
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey protects the /api routes when set. Empty disables auth.
	APIKey  string
	Version string
}

// Server is the HTTP API server.
type Server struct {
	config    Config
	store     *job.Store
	queue     JobQueue
	canceller JobCanceller
	plotter   Plotter
	uploads   *uploads.Store
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

func New(config Config, store *job.Store, queue JobQueue, canceller JobCanceller, pl Plotter, up *uploads.Store, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		store:     store,
		queue:     queue,
		canceller: canceller,
		plotter:   pl,
		uploads:   up,
		hub:       hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: /api/events connections stay open indefinitely.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Delete("/jobs/{jobID}", s.handleDeleteJob)
		r.Post("/jobs/{jobID}/cancel", s.handleCancelJob)

		r.Get("/plotter", s.handlePlotterStatus)
		r.Post("/plotter/probe", s.handlePlotterProbe)
		r.Post("/plotter/cancel", s.handlePlotterCancel)
		r.Post("/plotter/reset", s.handlePlotterReset)

		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
