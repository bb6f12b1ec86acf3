package domain

import (
	"time"

	sharedDomain "github.com/felixgeelhaar/interpreta/internal/shared/domain"
	"github.com/google/uuid"
)

// AggregateType names the meeting aggregate on the outbox.
const AggregateType = "Meeting"

// Routing keys for lifecycle integration events.
const (
	RoutingSessionCreated    = "meetings.session.created"
	RoutingSessionStarted    = "meetings.session.started"
	RoutingSessionCompleted  = "meetings.session.completed"
	RoutingSessionCancelled  = "meetings.session.cancelled"
	RoutingParticipantJoined = "meetings.participant.joined"
	RoutingParticipantLeft   = "meetings.participant.left"
)

func newEvent(m *Meeting, routingKey string) sharedDomain.BaseEvent {
	return sharedDomain.NewBaseEvent(m.ID(), AggregateType, routingKey, m.UpdatedAt())
}

// SessionCreated is emitted when a meeting is created.
type SessionCreated struct {
	sharedDomain.BaseEvent
	MeetingID      uuid.UUID `json:"meeting_id"`
	OwnerID        uuid.UUID `json:"owner_id"`
	Title          string    `json:"title"`
	SourceLanguage string    `json:"source_language"`
	TargetLanguage string    `json:"target_language"`
	MeetingType    string    `json:"meeting_type"`
}

func NewSessionCreated(m *Meeting) *SessionCreated {
	return &SessionCreated{
		BaseEvent:      newEvent(m, RoutingSessionCreated),
		MeetingID:      m.ID(),
		OwnerID:        m.CreatedBy(),
		Title:          m.Title(),
		SourceLanguage: m.SourceLanguage(),
		TargetLanguage: m.TargetLanguage(),
		MeetingType:    m.Settings().MeetingType,
	}
}

// SessionStarted is emitted on the first join.
type SessionStarted struct {
	sharedDomain.BaseEvent
	MeetingID uuid.UUID `json:"meeting_id"`
	StartTime time.Time `json:"start_time"`
}

func NewSessionStarted(m *Meeting) *SessionStarted {
	return &SessionStarted{
		BaseEvent: newEvent(m, RoutingSessionStarted),
		MeetingID: m.ID(),
		StartTime: *m.StartTime(),
	}
}

// SessionCompleted is emitted when a live meeting ends.
type SessionCompleted struct {
	sharedDomain.BaseEvent
	MeetingID uuid.UUID `json:"meeting_id"`
	Title     string    `json:"title"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

func NewSessionCompleted(m *Meeting) *SessionCompleted {
	return &SessionCompleted{
		BaseEvent: newEvent(m, RoutingSessionCompleted),
		MeetingID: m.ID(),
		Title:     m.Title(),
		StartTime: *m.StartTime(),
		EndTime:   *m.EndTime(),
	}
}

// SessionCancelled is emitted when a scheduled meeting is cancelled.
type SessionCancelled struct {
	sharedDomain.BaseEvent
	MeetingID uuid.UUID `json:"meeting_id"`
}

func NewSessionCancelled(m *Meeting) *SessionCancelled {
	return &SessionCancelled{
		BaseEvent: newEvent(m, RoutingSessionCancelled),
		MeetingID: m.ID(),
	}
}

// ParticipantJoined is emitted for every admission, including rejoins.
type ParticipantJoined struct {
	sharedDomain.BaseEvent
	MeetingID     uuid.UUID  `json:"meeting_id"`
	ParticipantID uuid.UUID  `json:"participant_id"`
	UserID        *uuid.UUID `json:"user_id,omitempty"`
	Name          string     `json:"name"`
	Language      string     `json:"language"`
	Rejoin        bool       `json:"rejoin"`
}

func NewParticipantJoined(m *Meeting, p *Participant, rejoin bool) *ParticipantJoined {
	return &ParticipantJoined{
		BaseEvent:     sharedDomain.NewBaseEvent(m.ID(), AggregateType, RoutingParticipantJoined, p.UpdatedAt()),
		MeetingID:     m.ID(),
		ParticipantID: p.ID(),
		UserID:        p.UserID(),
		Name:          p.DisplayName(),
		Language:      p.Language(),
		Rejoin:        rejoin,
	}
}

// ParticipantLeft is emitted once per leave.
type ParticipantLeft struct {
	sharedDomain.BaseEvent
	MeetingID     uuid.UUID `json:"meeting_id"`
	ParticipantID uuid.UUID `json:"participant_id"`
	Name          string    `json:"name"`
}

func NewParticipantLeft(m *Meeting, p *Participant) *ParticipantLeft {
	return &ParticipantLeft{
		BaseEvent:     sharedDomain.NewBaseEvent(m.ID(), AggregateType, RoutingParticipantLeft, p.UpdatedAt()),
		MeetingID:     m.ID(),
		ParticipantID: p.ID(),
		Name:          p.DisplayName(),
	}
}
