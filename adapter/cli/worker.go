package cli

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/interpreta/internal/app"
	"github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/interpreta/pkg/observability"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Relay lifecycle events and run their consumers",
	Long: `Publish pending outbox rows to RabbitMQ and consume them again for the
archiver. Worker health is served on WORKER_HEALTH_ADDR.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := Container(cmd.Context())
		if err != nil {
			return err
		}
		return RunWorker(cmd.Context(), c)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

// RunWorker runs the outbox relay and the event consumer until ctx is
// canceled or the consumer fails.
func RunWorker(ctx context.Context, c *app.Container) error {
	cfg := c.Config
	logger := c.Logger.With("component", "worker")
	processor := c.OutboxProcessor

	consumer, err := c.NewEventConsumer()
	if err != nil {
		return err
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			logger.Warn("error closing event consumer", "error", err)
		}
	}()

	if p, ok := consumer.(interface{ Ping(context.Context) error }); ok {
		c.Health.Register("consumer", observability.PingChecker("consumer", observability.HealthStatusUnhealthy, p.Ping))
	}

	if err := processor.Start(ctx); err != nil {
		return err
	}
	defer processor.Stop()

	consumerErr := make(chan error, 1)
	go func() { consumerErr <- consumer.Start(ctx) }()

	if cfg.WorkerHealthAddr != "" {
		healthSrv := &http.Server{
			Addr:              cfg.WorkerHealthAddr,
			Handler:           workerHealthHandler(processor, c.Health),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("health server starting", "addr", cfg.WorkerHealthAddr)
			if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := healthSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("health server shutdown error", "error", err)
			}
		}()
	}

	if cfg.OutboxStatsInterval > 0 {
		go logOutboxStats(ctx, processor, cfg.OutboxStatsInterval, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down worker")
		return nil
	case err := <-consumerErr:
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		logger.Error("event consumer stopped", "error", err)
		return err
	}
}

func logOutboxStats(ctx context.Context, processor *outbox.Processor, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := processor.GetStats()
			logger.Info("outbox stats",
				"running", stats.IsRunning,
				"published", stats.PublishedCount,
				"failed", stats.FailedCount,
				"dead", stats.DeadCount,
				"lag_seconds", stats.LagSeconds,
				"oldest_message_at", stats.OldestMessageAt,
				"last_processed_at", stats.LastProcessedAt,
				"last_error_at", stats.LastErrorAt,
				"last_error", stats.LastError,
			)
		}
	}
}

// workerHealthHandler serves /healthz with the relay counters and /readyz
// from the health registry.
func workerHealthHandler(processor *outbox.Processor, health *observability.HealthRegistry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		stats := processor.GetStats()
		writeWorkerJSON(w, http.StatusOK, map[string]any{
			"status":            "ok",
			"running":           stats.IsRunning,
			"published":         stats.PublishedCount,
			"failed":            stats.FailedCount,
			"dead":              stats.DeadCount,
			"last_processed_at": stats.LastProcessedAt,
			"last_error_at":     stats.LastErrorAt,
			"last_error":        stats.LastError,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		overall := health.Check(checkCtx)
		status := http.StatusOK
		if overall.Status == observability.HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeWorkerJSON(w, status, overall)
	})
	return mux
}

func writeWorkerJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
