package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/interpreta/adapter/grpchealth"
	"github.com/felixgeelhaar/interpreta/internal/app"
)

// shutdownTimeout bounds the graceful drain of connections.
const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the meeting gateway",
	Long: `Serve the WebSocket gateway with /healthz and /readyz on HTTP_ADDR and
the gRPC health service on GRPC_ADDR.

In development the outbox relay runs in the same process unless
OUTBOX_PROCESSOR_ENABLED=false; elsewhere run "interpreta worker".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := Container(cmd.Context())
		if err != nil {
			return err
		}
		return RunServer(cmd.Context(), c)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// RunServer serves until ctx is canceled or a listener fails, then drains
// the gateway, the HTTP server and the gRPC server in that order.
func RunServer(ctx context.Context, c *app.Container) error {
	cfg := c.Config
	logger := c.Logger

	if cfg.IsDevelopment() && cfg.OutboxProcessorEnabled {
		if err := c.OutboxProcessor.Start(ctx); err != nil {
			return err
		}
		defer c.OutboxProcessor.Stop()
	}

	grpcServer := grpchealth.New(c.Health, logger)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go grpcServer.Watch(watchCtx, grpchealth.DefaultRefreshInterval)

	errCh := make(chan error, 2)
	go func() { errCh <- c.HTTPServer.Start() }()
	if cfg.GRPCAddr != "" {
		go func() { errCh <- grpcServer.Start(cfg.GRPCAddr) }()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("server failed", "error", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	var errs []error
	if err := c.Gateway.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := c.HTTPServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	grpcServer.Shutdown()
	if err := errors.Join(errs...); err != nil {
		logger.Warn("unclean shutdown", "error", err)
	}
	return serveErr
}
