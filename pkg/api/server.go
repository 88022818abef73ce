package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Server binds the HTTP surface: ingest, health, and the middleware
// chain (request ID, rate limiting, request logging).
type Server struct {
	httpServer *http.Server
	log        *slog.Logger
}

// ServerOptions carries the knobs the config layer resolves.
type ServerOptions struct {
	Addr           string
	RateLimitRPS   int
	RateLimitBurst int
}

func NewServer(opts ServerOptions, ingest *IngestHandler, health *HealthHandler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "api")

	mux := http.NewServeMux()
	mux.Handle("/api/leads", ingest)
	mux.Handle("/health", health)

	limiter := NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst)
	handler := RequestID(Logging(log, limiter.Middleware(mux)))

	return &Server{
		httpServer: &http.Server{
			Addr:              opts.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 30 * time.Second,
		},
		log: log,
	}
}

// ListenAndServe blocks until the server stops. http.ErrServerClosed
// is swallowed so a graceful shutdown reads as a clean exit.
func (s *Server) ListenAndServe() error {
	s.log.Info("listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
