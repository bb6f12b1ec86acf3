package mcp

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/felixgeelhaar/mcp-go/middleware"
	"github.com/felixgeelhaar/mcp-go/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplocal "github.com/felixgeelhaar/interpreta/adapter/mcp"
	"github.com/felixgeelhaar/interpreta/internal/app"
	"github.com/felixgeelhaar/interpreta/pkg/config"
)

func testContainer(t *testing.T) (*app.Container, *config.Config) {
	t.Helper()
	cfg := &config.Config{
		AppEnv:                  "development",
		OperatorAccountID:       "00000000-0000-0000-0000-000000000001",
		DatabaseDriver:          app.DriverMemory,
		BroadcastBackend:        config.BroadcastLocal,
		BroadcastQueueSize:      16,
		HTTPAddr:                "127.0.0.1:0",
		TranslateTimeout:        time.Second,
		TranslateMaxConcurrency: 2,
		OutboxPollInterval:      10 * time.Millisecond,
		OutboxBatchSize:         10,
		OutboxMaxRetries:        3,
	}
	container, err := app.NewContainer(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(container.Close)
	return container, cfg
}

func TestNewToolDependencies(t *testing.T) {
	container, cfg := testContainer(t)

	deps, err := NewToolDependencies(container, cfg.OperatorAccountID)
	require.NoError(t, err)
	assert.Equal(t, cfg.OperatorAccountID, deps.OperatorID.String())
	assert.NotNil(t, deps.Sessions)
	assert.NotNil(t, deps.Transcripts)

	_, err = NewToolDependencies(container, "operator")
	assert.ErrorContains(t, err, "OPERATOR_ACCOUNT_ID")

	_, err = NewToolDependencies(nil, cfg.OperatorAccountID)
	assert.Error(t, err)
}

func TestNewServer_RegistersSessionTools(t *testing.T) {
	container, cfg := testContainer(t)
	deps, err := NewToolDependencies(container, cfg.OperatorAccountID)
	require.NoError(t, err)

	srv, err := NewServer(deps, "test", nil)
	require.NoError(t, err)

	tc := testutil.NewTestClient(t, srv)
	defer tc.Close()
	tools, err := tc.ListTools()
	require.NoError(t, err)
	assert.Len(t, tools, 6)
}

func TestServe_RequiresConfig(t *testing.T) {
	assert.Error(t, Serve(context.Background(), nil, mcplocal.ToolDependencies{}, "test", nil))
}

func TestFieldsToArgs(t *testing.T) {
	args := fieldsToArgs([]middleware.Field{{Key: "method", Value: "tools/list"}})
	assert.Equal(t, []any{slog.Any("method", "tools/list")}, args)
}

func TestMiddlewareStack_AddsAuthForToken(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	open := middlewareStack("", logger)
	guarded := middlewareStack("s3cret", logger)
	assert.Len(t, guarded, len(open)+1)
}
