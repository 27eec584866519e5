// Package server exposes the admin queries and the browser ingest endpoints
// over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/localanalytics/localanalytics/pkg/admin"
	"github.com/localanalytics/localanalytics/pkg/capture"
	"github.com/localanalytics/localanalytics/pkg/metrics"
)

// Config configures the HTTP server.
type Config struct {
	Addr        string
	MaxBodySize int64   // bytes per ingest request; 0 means 1MB
	RateLimit   float64 // ingest requests per second; 0 disables limiting
	RateBurst   int
}

// Facades are the capture facades ingest requests are replayed through.
// Each request derives a copy bound to its own session.
type Facades struct {
	PostHog   *capture.PostHog
	Sentry    *capture.Sentry
	Clarity   *capture.Clarity
	Plausible *capture.Plausible
}

// Server serves the admin API and the ingest endpoints.
type Server struct {
	cfg      Config
	api      *admin.API
	facades  Facades
	limiter  *rate.Limiter
	validate *validator.Validate
	logger   *slog.Logger
	httpSrv  *http.Server
}

// New creates a server. facades.PostHog, facades.Sentry and
// facades.Plausible are required for ingest; a nil Clarity rejects click
// and session-recording ingest.
func New(cfg Config, api *admin.API, facades Facades, logger *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8090"
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 1 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		api:      api,
		facades:  facades,
		validate: validator.New(),
		logger:   logger,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s
}

// Handler returns the routed handler, wrapped by the Sentry recover
// middleware when a Sentry facade is configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterAdminRoutes(mux)
	s.RegisterIngestRoutes(mux)
	if s.facades.Sentry != nil {
		return s.facades.Sentry.Middleware(mux)
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("analytics server listening", "addr", s.cfg.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("analytics server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// statusWriter remembers the response code for the ingest metric.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument counts ingest requests by endpoint and status code.
func instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next(sw, r)
		metrics.IngestRequests.WithLabelValues(endpoint, strconv.Itoa(sw.code)).Inc()
	}
}

// limited rejects requests over the ingest rate with 429.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
