// Package server runs the operator HTTP API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"jobdock/internal/server/handlers"
	"jobdock/internal/server/middleware"
)

// Config holds the listener settings.
type Config struct {
	ListenAddr string
	// RatePerMinute bounds job API requests per client host. Zero or
	// negative disables the limiter.
	RatePerMinute int
}

// Server wraps the HTTP server for the operator API.
type Server struct {
	httpServer *http.Server
	log        *slog.Logger
}

// New creates the API server. The metrics handler is mounted on /metrics
// when non-nil. The rate limiter covers the job endpoints only; health
// probes and metrics scrapes always pass.
func New(h *handlers.Handlers, metrics http.Handler, log *slog.Logger, config Config) *Server {
	jobs := http.NewServeMux()
	jobs.HandleFunc("POST /jobs", h.SubmitJob)
	jobs.HandleFunc("GET /jobs", h.ListJobs)
	jobs.HandleFunc("GET /jobs/{id}", h.GetJob)
	jobs.HandleFunc("POST /jobs/{id}/abort", h.AbortJob)
	jobs.HandleFunc("GET /jobs/{id}/log", h.TailLog)
	jobs.HandleFunc("GET /jobs/{id}/log/stream", h.StreamLog)

	perSecond := float64(config.RatePerMinute) / 60.0
	burst := config.RatePerMinute / 6
	if burst < 1 {
		burst = 1
	}
	limited := middleware.RateLimit(perSecond, burst)(jobs)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	mux.Handle("/jobs", limited)
	mux.Handle("/jobs/", limited)

	handler := middleware.RequestID()(middleware.AccessLog(log)(mux))

	srv := &http.Server{
		Addr:              config.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// No WriteTimeout: the log stream endpoint holds its response open
		// for as long as the job runs.
		IdleTimeout: 60 * time.Second,
	}

	return &Server{httpServer: srv, log: log}
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		s.log.Info("api server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
