package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/felixgeelhaar/interpreta/adapter/cli"
	"github.com/felixgeelhaar/interpreta/internal/app"
	mcpinternal "github.com/felixgeelhaar/interpreta/internal/mcp"
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
	logger := cli.NewLogger(cfg, os.Stderr).With("process", "mcp")

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("mcp server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer container.Close()

	deps, err := mcpinternal.NewToolDependencies(container, cfg.OperatorAccountID)
	if err != nil {
		return err
	}
	err = mcpinternal.Serve(ctx, cfg, deps, cli.Version, logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
