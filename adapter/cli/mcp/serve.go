package mcp

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/interpreta/adapter/cli"
	mcpinternal "github.com/felixgeelhaar/interpreta/internal/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server",
	Long: `Serve the session tools, the interpreta://sessions/{id} resource and
the session_recap prompt over HTTP on MCP_ADDR. Set MCP_AUTH_TOKEN to
require a bearer token.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a := cli.GetApp()
		if a == nil {
			return errors.New("app not initialized")
		}
		container, err := a.Container(ctx)
		if err != nil {
			return err
		}

		deps, err := mcpinternal.NewToolDependencies(container, a.Config.OperatorAccountID)
		if err != nil {
			return err
		}
		err = mcpinternal.Serve(ctx, a.Config, deps, cli.Version, container.Logger)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
