package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionMetrics is derived per-meeting state. It is rebuilt from the store
// and never persisted.
type SessionMetrics struct {
	MeetingID          uuid.UUID
	Status             Status
	ActiveParticipants int
	TotalParticipants  int
	Languages          []string
	TranslatedChars    int64
	TranscriptCount    int
	StartTime          *time.Time
	EndTime            *time.Time
	Duration           *time.Duration
	CreatedBy          uuid.UUID
}
