package domain

import (
	"context"
	"fmt"
	"strings"
	"time"

	sharedDomain "github.com/felixgeelhaar/interpreta/internal/shared/domain"
	"github.com/google/uuid"
)

// Participant is one identity or guest attached to a meeting. Rows are
// never deleted; leaving sets leftAt and rejoining clears it.
type Participant struct {
	sharedDomain.BaseEntity
	meetingID   uuid.UUID
	userID      *uuid.UUID
	displayName string
	email       string
	language    string
	joinedAt    *time.Time
	leftAt      *time.Time
}

// NewOwnerParticipant creates the owner's row at meeting creation. It is not
// active until the owner actually joins.
func NewOwnerParticipant(meetingID uuid.UUID, owner *Account, language string, now time.Time) *Participant {
	id := owner.ID
	return &Participant{
		BaseEntity:  sharedDomain.NewBaseEntity(now),
		meetingID:   meetingID,
		userID:      &id,
		displayName: owner.DisplayName,
		email:       owner.Email,
		language:    NormalizeLanguage(language),
	}
}

// NewParticipant admits a user (userID non-nil) or a guest, joined at now.
func NewParticipant(meetingID uuid.UUID, userID *uuid.UUID, displayName, email, language string, now time.Time) (*Participant, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, fmt.Errorf("participant name is empty: %w", ErrInvalidInput)
	}
	language = NormalizeLanguage(language)
	if language == "" {
		return nil, fmt.Errorf("participant language is empty: %w", ErrInvalidInput)
	}
	now = now.UTC()
	return &Participant{
		BaseEntity:  sharedDomain.NewBaseEntity(now),
		meetingID:   meetingID,
		userID:      userID,
		displayName: displayName,
		email:       strings.TrimSpace(email),
		language:    language,
		joinedAt:    &now,
	}, nil
}

func (p *Participant) MeetingID() uuid.UUID  { return p.meetingID }
func (p *Participant) UserID() *uuid.UUID    { return p.userID }
func (p *Participant) DisplayName() string   { return p.displayName }
func (p *Participant) Email() string         { return p.email }
func (p *Participant) Language() string      { return p.language }
func (p *Participant) JoinedAt() *time.Time  { return p.joinedAt }
func (p *Participant) LeftAt() *time.Time    { return p.leftAt }
func (p *Participant) IsGuest() bool         { return p.userID == nil }
func (p *Participant) IsActive() bool        { return p.joinedAt != nil && p.leftAt == nil }
func (p *Participant) HasJoinedBefore() bool { return p.joinedAt != nil }

// Join marks the participant present: joinedAt moves to now, leftAt clears.
func (p *Participant) Join(now time.Time) {
	now = now.UTC()
	p.joinedAt = &now
	p.leftAt = nil
	p.Touch(now)
}

// Leave sets leftAt and reports whether anything changed. leftAt is clamped
// so it never precedes joinedAt.
func (p *Participant) Leave(now time.Time) bool {
	if !p.IsActive() {
		return false
	}
	now = now.UTC()
	if now.Before(*p.joinedAt) {
		now = *p.joinedAt
	}
	p.leftAt = &now
	p.Touch(now)
	return true
}

// RehydrateParticipant recreates a participant from persisted state.
func RehydrateParticipant(
	id, meetingID uuid.UUID,
	userID *uuid.UUID,
	displayName, email, language string,
	joinedAt, leftAt *time.Time,
	createdAt, updatedAt time.Time,
) *Participant {
	return &Participant{
		BaseEntity:  sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt),
		meetingID:   meetingID,
		userID:      userID,
		displayName: displayName,
		email:       email,
		language:    language,
		joinedAt:    joinedAt,
		leftAt:      leftAt,
	}
}

// ParticipantRepository persists participants. Find methods return nil, nil
// when nothing matches.
type ParticipantRepository interface {
	Save(ctx context.Context, participant *Participant) error
	FindByID(ctx context.Context, id uuid.UUID) (*Participant, error)
	FindByMeetingAndUser(ctx context.Context, meetingID, userID uuid.UUID) (*Participant, error)
	ListByMeeting(ctx context.Context, meetingID uuid.UUID) ([]*Participant, error)
	// MarkAllLeft sets leftAt on every active participant in one statement.
	MarkAllLeft(ctx context.Context, meetingID uuid.UUID, at time.Time) (int64, error)
}
