package observability

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	correlationIDCtxKey contextKey = "correlation_id"
	requestIDCtxKey     contextKey = "request_id"
	meetingIDCtxKey     contextKey = "meeting_id"
	participantIDCtxKey contextKey = "participant_id"
)

// Attribute keys shared by logs and metrics.
const (
	CorrelationIDKey = "correlation_id"
	RequestIDKey     = "request_id"
	MeetingIDKey     = "meeting_id"
	ParticipantIDKey = "participant_id"
	DurationKey      = "duration_ms"
	ErrorKey         = "error"
)

// WithCorrelationID adds a correlation ID to the context, generating one when id is empty.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.New().String()
	}
	return context.WithValue(ctx, correlationIDCtxKey, id)
}

// CorrelationIDFromContext extracts the correlation ID from context.
func CorrelationIDFromContext(ctx context.Context) string {
	return stringValue(ctx, correlationIDCtxKey)
}

// WithRequestID adds a request ID to the context, generating one when id is empty.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.New().String()
	}
	return context.WithValue(ctx, requestIDCtxKey, id)
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDCtxKey)
}

// WithMeeting scopes the context to a meeting. Log records emitted with this
// context carry the meeting id.
func WithMeeting(ctx context.Context, meetingID uuid.UUID) context.Context {
	return context.WithValue(ctx, meetingIDCtxKey, meetingID.String())
}

// MeetingIDFromContext extracts the meeting id, if any.
func MeetingIDFromContext(ctx context.Context) string {
	return stringValue(ctx, meetingIDCtxKey)
}

// WithParticipant scopes the context to a participant.
func WithParticipant(ctx context.Context, participantID uuid.UUID) context.Context {
	return context.WithValue(ctx, participantIDCtxKey, participantID.String())
}

// ParticipantIDFromContext extracts the participant id, if any.
func ParticipantIDFromContext(ctx context.Context) string {
	return stringValue(ctx, participantIDCtxKey)
}

// NewRequestContext starts a request scope, reusing parentCorrelationID when set.
func NewRequestContext(ctx context.Context, parentCorrelationID string) context.Context {
	return WithCorrelationID(WithRequestID(ctx, ""), parentCorrelationID)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}
