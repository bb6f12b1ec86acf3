package mcp

import (
	"context"
	"errors"
	"log/slog"

	mcpgo "github.com/felixgeelhaar/mcp-go"
	"github.com/felixgeelhaar/mcp-go/middleware"

	mcplocal "github.com/felixgeelhaar/interpreta/adapter/mcp"
	"github.com/felixgeelhaar/interpreta/pkg/config"
)

// NewServer builds the MCP server with the session tools, the session
// resource and the recap prompt registered.
func NewServer(deps mcplocal.ToolDependencies, version string, logger *slog.Logger) (*mcpgo.Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	srv := mcpgo.NewServer(mcpgo.ServerInfo{
		Name:    "interpreta-mcp",
		Version: version,
		Capabilities: mcpgo.Capabilities{
			Tools:     true,
			Resources: true,
			Prompts:   true,
		},
	})

	if err := mcplocal.RegisterTools(srv, deps); err != nil {
		return nil, err
	}
	// Resources and prompts are optional; the tools alone are usable.
	if err := mcplocal.RegisterResources(srv, deps); err != nil {
		logger.Warn("failed to register MCP resources", "error", err)
	}
	if err := mcplocal.RegisterPrompts(srv); err != nil {
		logger.Warn("failed to register MCP prompts", "error", err)
	}
	return srv, nil
}

// Serve starts the MCP server over HTTP and blocks until the context is canceled.
func Serve(ctx context.Context, cfg *config.Config, deps mcplocal.ToolDependencies, version string, logger *slog.Logger) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	srv, err := NewServer(deps, version, logger)
	if err != nil {
		return err
	}

	stack := middlewareStack(cfg.MCPAuthToken, logger)
	logger.Info("mcp server listening", "addr", cfg.MCPAddr)
	return mcpgo.ServeHTTPWithMiddleware(ctx, srv, cfg.MCPAddr, nil, mcpgo.WithMiddleware(stack...))
}

// middlewareStack is the default mcp-go stack, behind a static bearer
// token when one is configured.
func middlewareStack(token string, logger *slog.Logger) []middleware.Middleware {
	bridge := slogBridge{logger: logger.With("component", "mcp")}
	stack := middleware.DefaultStack(bridge)
	if token == "" {
		logger.Warn("MCP_AUTH_TOKEN not set; session tools are open to any caller")
		return stack
	}
	auth := middleware.BearerTokenAuthenticator(middleware.StaticTokens(map[string]*middleware.Identity{
		token: {ID: "operator", Name: "interpreta operator"},
	}))
	return append([]middleware.Middleware{middleware.Auth(auth, middleware.WithAuthLogger(bridge))}, stack...)
}

// slogBridge satisfies the mcp-go middleware logger.
type slogBridge struct {
	logger *slog.Logger
}

func (b slogBridge) Debug(msg string, fields ...middleware.Field) { b.log(slog.LevelDebug, msg, fields) }
func (b slogBridge) Info(msg string, fields ...middleware.Field)  { b.log(slog.LevelInfo, msg, fields) }
func (b slogBridge) Warn(msg string, fields ...middleware.Field)  { b.log(slog.LevelWarn, msg, fields) }
func (b slogBridge) Error(msg string, fields ...middleware.Field) { b.log(slog.LevelError, msg, fields) }

func (b slogBridge) log(level slog.Level, msg string, fields []middleware.Field) {
	b.logger.Log(context.Background(), level, msg, fieldsToArgs(fields)...)
}

func fieldsToArgs(fields []middleware.Field) []any {
	args := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		args = append(args, slog.Any(f.Key, f.Value))
	}
	return args
}
