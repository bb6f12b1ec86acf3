package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/felixgeelhaar/mcp-go"
)

// SessionResourceTemplate addresses one session snapshot.
const SessionResourceTemplate = "interpreta://sessions/{id}"

type sessionSnapshot struct {
	Session      sessionDTO       `json:"session"`
	Participants []participantDTO `json:"participants"`
}

// RegisterResources registers MCP resources that expose session state.
func RegisterResources(srv *mcp.Server, deps ToolDependencies) error {
	if srv == nil {
		return fmt.Errorf("server is required")
	}
	t := &sessionTools{deps: deps}

	srv.Resource(SessionResourceTemplate).
		Name("Session").
		Description("A session with its settings, counters and active participants").
		MimeType("application/json").
		Handler(func(ctx context.Context, uri string, params map[string]string) (*mcp.ResourceContent, error) {
			snapshot, err := t.snapshot(ctx, uri, params)
			if err != nil {
				return nil, err
			}
			data, err := json.MarshalIndent(snapshot, "", "  ")
			if err != nil {
				return nil, err
			}
			return &mcp.ResourceContent{
				URI:      uri,
				MimeType: "application/json",
				Text:     string(data),
			}, nil
		})
	return nil
}

func (t *sessionTools) snapshot(ctx context.Context, uri string, params map[string]string) (*sessionSnapshot, error) {
	id, err := sessionIDFromURI(uri, params)
	if err != nil {
		return nil, err
	}
	view, err := t.deps.Sessions.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	participants, err := t.participants(ctx, sessionIDInput{SessionID: id.String()})
	if err != nil {
		return nil, err
	}
	return &sessionSnapshot{Session: toSessionDTO(view), Participants: participants}, nil
}
