package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/felixgeelhaar/interpreta/adapter/cli"
	"github.com/felixgeelhaar/interpreta/adapter/cli/mcp"
	"github.com/felixgeelhaar/interpreta/adapter/cli/session"
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

	logger := cli.NewLogger(cfg, os.Stderr)
	cli.SetLogger(logger)
	cli.SetApp(cli.NewApp(cfg, logger))

	cli.AddCommand(session.Cmd)
	cli.AddCommand(mcp.Cmd)

	cli.Execute(ctx)
}
