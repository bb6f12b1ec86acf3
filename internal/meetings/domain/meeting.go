package domain

import (
	"context"
	"fmt"
	"strings"
	"time"

	sharedDomain "github.com/felixgeelhaar/interpreta/internal/shared/domain"
	"github.com/google/uuid"
)

// Status is the meeting lifecycle state.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusLive      Status = "live"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusScheduled, StatusLive, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Meeting is one translated session.
//
// Transitions: scheduled -> live -> completed, scheduled -> cancelled.
// startTime is set iff live or completed; endTime iff completed.
type Meeting struct {
	sharedDomain.BaseAggregateRoot
	title          string
	status         Status
	sourceLanguage string
	targetLanguage string
	createdBy      uuid.UUID
	joinToken      string
	settings       Settings
	startTime      *time.Time
	endTime        *time.Time
}

// NewMeeting creates a scheduled meeting and records SessionCreated.
func NewMeeting(ownerID uuid.UUID, title, sourceLanguage, targetLanguage, joinToken string, settings Settings, now time.Time) (*Meeting, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("meeting title is empty: %w", ErrInvalidInput)
	}
	if ownerID == uuid.Nil {
		return nil, fmt.Errorf("meeting owner is required: %w", ErrInvalidInput)
	}
	if joinToken == "" {
		return nil, fmt.Errorf("join token is required: %w", ErrInvalidInput)
	}
	if sourceLanguage = NormalizeLanguage(sourceLanguage); sourceLanguage == "" {
		sourceLanguage = DefaultSourceLanguage
	}
	if targetLanguage = NormalizeLanguage(targetLanguage); targetLanguage == "" {
		targetLanguage = DefaultTargetLanguage
	}

	m := &Meeting{
		BaseAggregateRoot: sharedDomain.NewBaseAggregateRoot(now),
		title:             title,
		status:            StatusScheduled,
		sourceLanguage:    sourceLanguage,
		targetLanguage:    targetLanguage,
		createdBy:         ownerID,
		joinToken:         joinToken,
		settings:          settings,
	}
	m.AddDomainEvent(NewSessionCreated(m))
	return m, nil
}

func (m *Meeting) Title() string          { return m.title }
func (m *Meeting) Status() Status         { return m.status }
func (m *Meeting) SourceLanguage() string { return m.sourceLanguage }
func (m *Meeting) TargetLanguage() string { return m.targetLanguage }
func (m *Meeting) CreatedBy() uuid.UUID   { return m.createdBy }
func (m *Meeting) JoinToken() string      { return m.joinToken }
func (m *Meeting) Settings() Settings     { return m.settings }
func (m *Meeting) StartTime() *time.Time  { return m.startTime }
func (m *Meeting) EndTime() *time.Time    { return m.endTime }

// CanAdmit reports whether participants may join.
func (m *Meeting) CanAdmit() bool {
	return m.status == StatusScheduled || m.status == StatusLive
}

// IsOwner reports whether id created the meeting.
func (m *Meeting) IsOwner(id uuid.UUID) bool {
	return id != uuid.Nil && id == m.createdBy
}

// Start moves scheduled to live. It is a no-op when already live.
func (m *Meeting) Start(now time.Time) error {
	switch m.status {
	case StatusLive:
		return nil
	case StatusScheduled:
	default:
		return fmt.Errorf("cannot start %s meeting: %w", m.status, ErrInvalidState)
	}
	now = now.UTC()
	m.status = StatusLive
	m.startTime = &now
	m.Touch(now)
	m.AddDomainEvent(NewSessionStarted(m))
	return nil
}

// Complete moves live to completed.
func (m *Meeting) Complete(now time.Time) error {
	if m.status != StatusLive {
		return fmt.Errorf("cannot complete %s meeting: %w", m.status, ErrInvalidState)
	}
	now = now.UTC()
	if m.startTime != nil && now.Before(*m.startTime) {
		now = *m.startTime
	}
	m.status = StatusCompleted
	m.endTime = &now
	m.Touch(now)
	m.AddDomainEvent(NewSessionCompleted(m))
	return nil
}

// Cancel moves scheduled to cancelled.
func (m *Meeting) Cancel(now time.Time) error {
	if m.status != StatusScheduled {
		return fmt.Errorf("cannot cancel %s meeting: %w", m.status, ErrInvalidState)
	}
	m.status = StatusCancelled
	m.Touch(now)
	m.AddDomainEvent(NewSessionCancelled(m))
	return nil
}

// RecordJoin records that p was admitted.
func (m *Meeting) RecordJoin(p *Participant, rejoin bool) {
	m.AddDomainEvent(NewParticipantJoined(m, p, rejoin))
}

// RecordLeave records that p left.
func (m *Meeting) RecordLeave(p *Participant) {
	m.AddDomainEvent(NewParticipantLeft(m, p))
}

// Duration is end-start, now-start while live, and false before start.
func (m *Meeting) Duration(now time.Time) (time.Duration, bool) {
	if m.startTime == nil {
		return 0, false
	}
	if m.endTime != nil {
		return m.endTime.Sub(*m.startTime), true
	}
	return now.Sub(*m.startTime), true
}

// RehydrateMeeting recreates a meeting from persisted state.
func RehydrateMeeting(
	id uuid.UUID,
	title string,
	status Status,
	sourceLanguage, targetLanguage string,
	createdBy uuid.UUID,
	joinToken string,
	settings Settings,
	startTime, endTime *time.Time,
	createdAt, updatedAt time.Time,
) *Meeting {
	entity := sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt)
	return &Meeting{
		BaseAggregateRoot: sharedDomain.RehydrateBaseAggregateRoot(entity),
		title:             title,
		status:            status,
		sourceLanguage:    sourceLanguage,
		targetLanguage:    targetLanguage,
		createdBy:         createdBy,
		joinToken:         joinToken,
		settings:          settings,
		startTime:         startTime,
		endTime:           endTime,
	}
}

// MeetingRepository persists meetings. Find methods return nil, nil when
// nothing matches.
type MeetingRepository interface {
	Save(ctx context.Context, meeting *Meeting) error
	FindByID(ctx context.Context, id uuid.UUID) (*Meeting, error)
	FindByJoinToken(ctx context.Context, token string) (*Meeting, error)
	JoinTokenExists(ctx context.Context, token string) (bool, error)
	// CountOpenByOwner counts scheduled and live meetings created by ownerID.
	CountOpenByOwner(ctx context.Context, ownerID uuid.UUID) (int, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]*Meeting, error)
	// Revision reads the meeting's change counter.
	Revision(ctx context.Context, id uuid.UUID) (int64, error)
	// ClaimRevision advances the counter from expected and holds the row
	// until the surrounding transaction ends. A stale expected value fails
	// with ErrConflict.
	ClaimRevision(ctx context.Context, id uuid.UUID, expected int64) error
}
