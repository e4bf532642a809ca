// Package api exposes the workflow controller over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"exchange-risk-ledger/internal/config"
	"exchange-risk-ledger/internal/metrics"
	"exchange-risk-ledger/internal/storage"
	"exchange-risk-ledger/internal/workflow"
)

// EventLister reads the workflow event journal.
type EventLister interface {
	ListRecentEvents(ctx context.Context, limit int) ([]storage.EventRecord, error)
}

// Deps are the collaborators served by the API. Events and Metrics are optional.
type Deps struct {
	Controller *workflow.Controller
	Events     EventLister
	Metrics    *metrics.Metrics
}

// Server wires routes, middleware and lifecycle.
type Server struct {
	deps    Deps
	cfg     config.APIConfig
	logger  zerolog.Logger
	limiter *rate.Limiter
}

// NewServer builds a Server. It does not listen until Run.
func NewServer(deps Deps, cfg config.APIConfig, logger zerolog.Logger) *Server {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Server{
		deps:    deps,
		cfg:     cfg,
		logger:  logger.With().Str("component", "api").Logger(),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Router returns the fully decorated handler.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	read := func(path, route string, fn http.HandlerFunc) {
		r.Handle(path, s.deps.Metrics.WrapHandler(route, fn)).Methods(http.MethodGet)
	}
	write := func(path, route string, fn http.HandlerFunc) {
		h := s.requireToken(s.rateLimited(fn))
		r.Handle(path, s.deps.Metrics.WrapHandler(route, h)).Methods(http.MethodPost)
	}

	read("/health", "health", s.handleHealth)
	read("/api/records", "records_list", s.handleListRecords)
	read("/api/records/{id}", "records_get", s.handleGetRecord)
	read("/api/summary", "summary", s.handleSummary)
	read("/api/trend", "trend", s.handleTrend)
	read("/api/status", "status", s.handleStatus)
	read("/api/events", "events", s.handleEvents)

	write("/api/records", "records_create", s.handleCreate)
	write("/api/records/{id}/verify", "records_verify", s.handleVerify)
	write("/api/records/{id}/reject", "records_reject", s.handleReject)
	write("/api/refresh", "refresh", s.handleRefresh)

	r.HandleFunc("/ws/status", s.handleStatusWS).Methods(http.MethodGet)
	r.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)

	var h http.Handler = r
	if len(s.cfg.AllowedOrigins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(s.cfg.AllowedOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
		)(h)
	}
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(h)
	return handlers.LoggingHandler(os.Stdout, h)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve api: %w", err)
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api: %w", err)
	}
	s.logger.Info().Msg("api stopped")
	return nil
}
