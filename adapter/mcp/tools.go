// Package mcp exposes session operations as MCP tools, resources and
// prompts for operators and assistants.
package mcp

import (
	"context"
	"errors"

	"github.com/felixgeelhaar/mcp-go"
	"github.com/google/uuid"

	"github.com/felixgeelhaar/interpreta/internal/meetings/application/pipeline"
	"github.com/felixgeelhaar/interpreta/internal/meetings/application/registry"
	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
)

// Sessions is the part of the registry the tools drive.
type Sessions interface {
	CreateSession(ctx context.Context, in registry.CreateSessionInput) (registry.SessionView, error)
	GetSession(ctx context.Context, id uuid.UUID) (registry.SessionView, error)
	EndSession(ctx context.Context, id, actorID uuid.UUID) error
	CancelSession(ctx context.Context, id, actorID uuid.UUID) error
	Metrics(ctx context.Context, id uuid.UUID) (domain.SessionMetrics, error)
	Participants(ctx context.Context, id uuid.UUID) ([]registry.ParticipantView, error)
}

// Transcripts reads a meeting's transcript in a display language.
type Transcripts interface {
	GetTranscripts(ctx context.Context, meetingID uuid.UUID, displayLanguage string) ([]pipeline.TranscriptView, error)
}

// ToolDependencies provides handlers and context for MCP tools.
type ToolDependencies struct {
	Sessions    Sessions
	Transcripts Transcripts
	// OperatorID is the account privileged tools act as.
	OperatorID uuid.UUID
}

// RegisterTools registers the session.* tools.
func RegisterTools(srv *mcp.Server, deps ToolDependencies) error {
	if srv == nil {
		return errors.New("server is required")
	}
	if deps.Sessions == nil || deps.Transcripts == nil {
		return errors.New("sessions and transcripts are required")
	}

	t := &sessionTools{deps: deps}
	srv.Tool("session.create").
		Description("Create a translated meeting session").
		Handler(t.create)
	srv.Tool("session.end").
		Description("End a live session; every participant is marked as left").
		Handler(t.end)
	srv.Tool("session.cancel").
		Description("Cancel a scheduled session before anyone joins").
		Handler(t.cancel)
	srv.Tool("session.metrics").
		Description("Live metrics for a session: participants, languages, translated characters, duration").
		Handler(t.metrics)
	srv.Tool("session.transcripts").
		Description("Transcript of a session rendered in a display language").
		Handler(t.transcripts)
	srv.Tool("session.participants").
		Description("Active participants of a session in join order").
		Handler(t.participants)
	return nil
}
