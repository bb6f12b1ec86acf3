// Package grpchealth serves the standard grpc.health.v1 service with
// statuses taken from the observability health registry.
package grpchealth

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/felixgeelhaar/interpreta/pkg/observability"
)

// DefaultRefreshInterval is how often Watch re-runs the health checks.
const DefaultRefreshInterval = 10 * time.Second

// Server is a gRPC server exposing only the health service.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	registry *observability.HealthRegistry
	logger   *slog.Logger
}

// New builds the server. Every component registered in registry is also
// reported as its own service name.
func New(registry *observability.HealthRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		grpc:     grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler())),
		health:   health.NewServer(),
		registry: registry,
		logger:   logger.With("component", "grpc_health"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	// Nothing has been checked yet.
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Refresh runs the registry checks once and publishes the results. Degraded
// components still serve.
func (s *Server) Refresh(ctx context.Context) observability.OverallHealth {
	overall := s.registry.Check(ctx)
	s.health.SetServingStatus("", servingStatus(overall.Status))
	for name, result := range overall.Checks {
		s.health.SetServingStatus(name, servingStatus(result.Status))
	}
	return overall
}

// Watch refreshes on every tick until ctx is done.
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	s.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			overall := s.Refresh(ctx)
			if overall.Status != observability.HealthStatusHealthy {
				s.logger.Warn("health check not healthy", "status", overall.Status)
			}
		}
	}
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve serves on an existing listener. A clean shutdown returns nil.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("starting gRPC health server", "addr", l.Addr().String())
	if err := s.grpc.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Shutdown marks every service NOT_SERVING and drains in-flight calls.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func servingStatus(status observability.HealthStatus) healthpb.HealthCheckResponse_ServingStatus {
	if status == observability.HealthStatusUnhealthy {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
