// Package api is the public HTTP surface: the WebSocket gateway plus
// liveness and readiness probes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/felixgeelhaar/interpreta/pkg/observability"
)

// Mount is anything that registers routes, such as the WebSocket gateway.
type Mount interface {
	Register(mux *http.ServeMux)
}

// Server is the HTTP server.
type Server struct {
	mux    *http.ServeMux
	server *http.Server
	logger *slog.Logger
	health *observability.HealthRegistry
}

// ServerConfig holds configuration for the HTTP server. There is no write
// timeout because upgraded connections manage their own deadlines.
type ServerConfig struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ProbeTimeout      time.Duration
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:              ":8080",
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ProbeTimeout:      3 * time.Second,
	}
}

// NewServer creates the server. health may be nil, in which case readiness
// always passes.
func NewServer(cfg ServerConfig, health *observability.HealthRegistry, logger *slog.Logger, mounts ...Mount) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if health == nil {
		health = observability.NewHealthRegistry()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultServerConfig().ProbeTimeout
	}

	s := &Server{
		mux:    http.NewServeMux(),
		logger: logger.With("component", "http"),
		health: health,
	}
	s.mux.HandleFunc("GET /healthz", s.handleLive)
	s.mux.HandleFunc("GET /readyz", s.readyHandler(cfg.ProbeTimeout))
	for _, m := range mounts {
		m.Register(s.mux)
	}

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": string(observability.HealthStatusHealthy),
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// readyHandler fails only when a component is unhealthy; degraded optional
// dependencies still serve traffic.
func (s *Server) readyHandler(timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		overall := s.health.Check(ctx)
		status := http.StatusOK
		if overall.Status == observability.HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, overall)
	}
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("starting HTTP server", "addr", l.Addr().String())
	if err := s.server.Serve(l); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server. Hijacked WebSocket connections
// are not tracked here; the gateway closes those itself.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", "error", err)
		}
	}
}
