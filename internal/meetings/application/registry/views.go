package registry

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
)

// SessionView is a point-in-time copy of a cached session.
type SessionView struct {
	ID                 uuid.UUID
	Title              string
	Status             domain.Status
	SourceLanguage     string
	TargetLanguage     string
	CreatedBy          uuid.UUID
	JoinToken          string
	Settings           domain.Settings
	StartTime          *time.Time
	EndTime            *time.Time
	ActiveParticipants int
	TotalParticipants  int
	TranscriptCount    int
}

// ParticipantView is a copy of one participant row.
type ParticipantView struct {
	ID        uuid.UUID
	MeetingID uuid.UUID
	UserID    *uuid.UUID
	Name      string
	Email     string
	Language  string
	JoinedAt  *time.Time
	LeftAt    *time.Time
	Active    bool
	Owner     bool
}

// Audience is who hears an utterance: the speaker and the languages it has
// to be translated into.
type Audience struct {
	Speaker ParticipantView
	Targets []string
}

// sessionState is the cached authoritative state of one meeting.
type sessionState struct {
	meeting         *domain.Meeting
	participants    map[uuid.UUID]*domain.Participant
	revision        int64
	lastSequence    int64
	transcriptCount int
	translatedChars int64
}

func (s *sessionState) activeCount() int {
	n := 0
	for _, p := range s.participants {
		if p.IsActive() {
			n++
		}
	}
	return n
}

func (s *sessionState) byUser(userID uuid.UUID) *domain.Participant {
	for _, p := range s.participants {
		if uid := p.UserID(); uid != nil && *uid == userID {
			return p
		}
	}
	return nil
}

// targets lists the distinct active languages other than source, sorted.
func (s *sessionState) targets(source string) []string {
	seen := make(map[string]struct{})
	for _, p := range s.participants {
		lang := p.Language()
		if !p.IsActive() || lang == "" || lang == source {
			continue
		}
		seen[lang] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for lang := range seen {
		out = append(out, lang)
	}
	slices.Sort(out)
	return out
}

func (s *sessionState) languages() []string {
	seen := make(map[string]struct{})
	for _, p := range s.participants {
		if p.IsActive() && p.Language() != "" {
			seen[p.Language()] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for lang := range seen {
		out = append(out, lang)
	}
	slices.Sort(out)
	return out
}

func (s *sessionState) view() SessionView {
	m := s.meeting
	return SessionView{
		ID:                 m.ID(),
		Title:              m.Title(),
		Status:             m.Status(),
		SourceLanguage:     m.SourceLanguage(),
		TargetLanguage:     m.TargetLanguage(),
		CreatedBy:          m.CreatedBy(),
		JoinToken:          m.JoinToken(),
		Settings:           m.Settings(),
		StartTime:          copyTime(m.StartTime()),
		EndTime:            copyTime(m.EndTime()),
		ActiveParticipants: s.activeCount(),
		TotalParticipants:  len(s.participants),
		TranscriptCount:    s.transcriptCount,
	}
}

func (s *sessionState) participantView(p *domain.Participant) ParticipantView {
	var userID *uuid.UUID
	if uid := p.UserID(); uid != nil {
		id := *uid
		userID = &id
	}
	return ParticipantView{
		ID:        p.ID(),
		MeetingID: p.MeetingID(),
		UserID:    userID,
		Name:      p.DisplayName(),
		Email:     p.Email(),
		Language:  p.Language(),
		JoinedAt:  copyTime(p.JoinedAt()),
		LeftAt:    copyTime(p.LeftAt()),
		Active:    p.IsActive(),
		Owner:     userID != nil && s.meeting.IsOwner(*userID),
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
