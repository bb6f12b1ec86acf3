// Command worker relays the lifecycle outbox and runs its consumers. It is
// the same loop as "interpreta worker", packaged as its own binary for
// deployments that scale the relay separately from the gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/felixgeelhaar/interpreta/adapter/cli"
	"github.com/felixgeelhaar/interpreta/internal/app"
	"github.com/felixgeelhaar/interpreta/pkg/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}
	logger := cli.NewLogger(cfg, os.Stdout).With("process", "worker")

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize container: %w", err)
	}
	defer container.Close()
	return cli.RunWorker(ctx, container)
}
