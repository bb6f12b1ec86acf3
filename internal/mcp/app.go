package mcp

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	mcplocal "github.com/felixgeelhaar/interpreta/adapter/mcp"
	"github.com/felixgeelhaar/interpreta/internal/app"
)

// NewToolDependencies wires the MCP tools to the container's registry and
// pipeline, acting as the operator account.
func NewToolDependencies(container *app.Container, operatorID string) (mcplocal.ToolDependencies, error) {
	if container == nil {
		return mcplocal.ToolDependencies{}, errors.New("container is required")
	}
	id, err := uuid.Parse(operatorID)
	if err != nil {
		return mcplocal.ToolDependencies{}, fmt.Errorf("invalid OPERATOR_ACCOUNT_ID %q: %w", operatorID, err)
	}
	return mcplocal.ToolDependencies{
		Sessions:    container.Registry,
		Transcripts: container.Pipeline,
		OperatorID:  id,
	}, nil
}
