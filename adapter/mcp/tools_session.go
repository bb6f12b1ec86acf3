package mcp

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/interpreta/internal/meetings/application/registry"
	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
)

type sessionCreateInput struct {
	Title             string `json:"title" jsonschema:"required"`
	OwnerID           string `json:"owner_id,omitempty"`
	SourceLanguage    string `json:"source_language,omitempty"`
	TargetLanguage    string `json:"target_language,omitempty"`
	MeetingType       string `json:"meeting_type,omitempty"`
	MaxParticipants   int    `json:"max_participants,omitempty"`
	DurationMinutes   int    `json:"duration_minutes,omitempty"`
	EnableSuggestions *bool  `json:"enable_suggestions,omitempty"`
	EnableRecording   *bool  `json:"enable_recording,omitempty"`
}

type sessionIDInput struct {
	SessionID string `json:"session_id" jsonschema:"required"`
}

type sessionTranscriptsInput struct {
	SessionID string `json:"session_id" jsonschema:"required"`
	Language  string `json:"language,omitempty"`
}

type sessionDTO struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Status             string     `json:"status"`
	SourceLanguage     string     `json:"source_language"`
	TargetLanguage     string     `json:"target_language"`
	MeetingType        string     `json:"meeting_type"`
	MaxParticipants    int        `json:"max_participants"`
	EnableSuggestions  bool       `json:"enable_suggestions"`
	EnableRecording    bool       `json:"enable_recording"`
	DurationMinutes    int        `json:"duration_minutes"`
	CreatedBy          string     `json:"created_by"`
	JoinToken          string     `json:"join_token"`
	StartTime          *time.Time `json:"start_time,omitempty"`
	EndTime            *time.Time `json:"end_time,omitempty"`
	ActiveParticipants int        `json:"active_participants"`
	TotalParticipants  int        `json:"total_participants"`
	TranscriptCount    int        `json:"transcript_count"`
}

func toSessionDTO(v registry.SessionView) sessionDTO {
	return sessionDTO{
		ID:                 v.ID.String(),
		Title:              v.Title,
		Status:             string(v.Status),
		SourceLanguage:     v.SourceLanguage,
		TargetLanguage:     v.TargetLanguage,
		MeetingType:        v.Settings.MeetingType,
		MaxParticipants:    v.Settings.MaxParticipants,
		EnableSuggestions:  v.Settings.EnableSuggestions,
		EnableRecording:    v.Settings.EnableRecording,
		DurationMinutes:    v.Settings.DurationMinutes,
		CreatedBy:          v.CreatedBy.String(),
		JoinToken:          v.JoinToken,
		StartTime:          v.StartTime,
		EndTime:            v.EndTime,
		ActiveParticipants: v.ActiveParticipants,
		TotalParticipants:  v.TotalParticipants,
		TranscriptCount:    v.TranscriptCount,
	}
}

type statusDTO struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type metricsDTO struct {
	SessionID          string     `json:"session_id"`
	Status             string     `json:"status"`
	ActiveParticipants int        `json:"active_participants"`
	TotalParticipants  int        `json:"total_participants"`
	Languages          []string   `json:"languages"`
	TranslatedChars    int64      `json:"translated_chars"`
	TranscriptCount    int        `json:"transcript_count"`
	StartTime          *time.Time `json:"start_time,omitempty"`
	EndTime            *time.Time `json:"end_time,omitempty"`
	DurationSeconds    *float64   `json:"duration_seconds,omitempty"`
	CreatedBy          string     `json:"created_by"`
}

type participantDTO struct {
	ID       string     `json:"id"`
	UserID   string     `json:"user_id,omitempty"`
	Name     string     `json:"name"`
	Email    string     `json:"email,omitempty"`
	Language string     `json:"language"`
	JoinedAt *time.Time `json:"joined_at,omitempty"`
	Owner    bool       `json:"owner"`
}

type transcriptDTO struct {
	SegmentID        string            `json:"segment_id"`
	Sequence         int64             `json:"sequence"`
	ParticipantID    string            `json:"participant_id"`
	Kind             string            `json:"kind"`
	OriginalText     string            `json:"original_text"`
	OriginalLanguage string            `json:"original_language"`
	Translations     map[string]string `json:"translations,omitempty"`
	Text             string            `json:"text"`
	CreatedAt        time.Time         `json:"created_at"`
}

type sessionTools struct {
	deps ToolDependencies
}

func (t *sessionTools) create(ctx context.Context, input sessionCreateInput) (*sessionDTO, error) {
	if input.Title == "" {
		return nil, errors.New("title is required")
	}
	owner := t.deps.OperatorID
	if input.OwnerID != "" {
		id, err := parseUUID(input.OwnerID)
		if err != nil {
			return nil, err
		}
		owner = id
	}
	if owner == uuid.Nil {
		return nil, errors.New("owner_id is required")
	}
	view, err := t.deps.Sessions.CreateSession(ctx, registry.CreateSessionInput{
		Title:          input.Title,
		OwnerID:        owner,
		SourceLanguage: input.SourceLanguage,
		TargetLanguage: input.TargetLanguage,
		Settings: domain.SettingsOverrides{
			MeetingType:       input.MeetingType,
			MaxParticipants:   input.MaxParticipants,
			EnableSuggestions: input.EnableSuggestions,
			EnableRecording:   input.EnableRecording,
			DurationMinutes:   input.DurationMinutes,
		},
	})
	if err != nil {
		return nil, err
	}
	dto := toSessionDTO(view)
	return &dto, nil
}

func (t *sessionTools) end(ctx context.Context, input sessionIDInput) (*statusDTO, error) {
	return t.transition(ctx, input, t.deps.Sessions.EndSession)
}

func (t *sessionTools) cancel(ctx context.Context, input sessionIDInput) (*statusDTO, error) {
	return t.transition(ctx, input, t.deps.Sessions.CancelSession)
}

func (t *sessionTools) transition(ctx context.Context, input sessionIDInput, apply func(ctx context.Context, id, actorID uuid.UUID) error) (*statusDTO, error) {
	id, err := parseUUID(input.SessionID)
	if err != nil {
		return nil, err
	}
	if err := apply(ctx, id, t.deps.OperatorID); err != nil {
		return nil, err
	}
	view, err := t.deps.Sessions.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return &statusDTO{ID: view.ID.String(), Status: string(view.Status)}, nil
}

func (t *sessionTools) metrics(ctx context.Context, input sessionIDInput) (*metricsDTO, error) {
	id, err := parseUUID(input.SessionID)
	if err != nil {
		return nil, err
	}
	m, err := t.deps.Sessions.Metrics(ctx, id)
	if err != nil {
		return nil, err
	}
	dto := &metricsDTO{
		SessionID:          m.MeetingID.String(),
		Status:             string(m.Status),
		ActiveParticipants: m.ActiveParticipants,
		TotalParticipants:  m.TotalParticipants,
		Languages:          m.Languages,
		TranslatedChars:    m.TranslatedChars,
		TranscriptCount:    m.TranscriptCount,
		StartTime:          m.StartTime,
		EndTime:            m.EndTime,
		CreatedBy:          m.CreatedBy.String(),
	}
	if m.Duration != nil {
		secs := m.Duration.Seconds()
		dto.DurationSeconds = &secs
	}
	return dto, nil
}

func (t *sessionTools) transcripts(ctx context.Context, input sessionTranscriptsInput) ([]transcriptDTO, error) {
	id, err := parseUUID(input.SessionID)
	if err != nil {
		return nil, err
	}
	views, err := t.deps.Transcripts.GetTranscripts(ctx, id, input.Language)
	if err != nil {
		return nil, err
	}
	out := make([]transcriptDTO, 0, len(views))
	for _, v := range views {
		out = append(out, transcriptDTO{
			SegmentID:        v.SegmentID.String(),
			Sequence:         v.Sequence,
			ParticipantID:    v.ParticipantID.String(),
			Kind:             string(v.Kind),
			OriginalText:     v.OriginalText,
			OriginalLanguage: v.OriginalLanguage,
			Translations:     v.Translations,
			Text:             v.Text,
			CreatedAt:        v.CreatedAt,
		})
	}
	return out, nil
}

func (t *sessionTools) participants(ctx context.Context, input sessionIDInput) ([]participantDTO, error) {
	id, err := parseUUID(input.SessionID)
	if err != nil {
		return nil, err
	}
	views, err := t.deps.Sessions.Participants(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]participantDTO, 0, len(views))
	for _, p := range views {
		dto := participantDTO{
			ID:       p.ID.String(),
			Name:     p.Name,
			Email:    p.Email,
			Language: p.Language,
			JoinedAt: p.JoinedAt,
			Owner:    p.Owner,
		}
		if p.UserID != nil {
			dto.UserID = p.UserID.String()
		}
		out = append(out, dto)
	}
	return out, nil
}
