// Package suggestions produces meeting-assistant prompts for a participant:
// follow-up questions for an interviewer, answers for a candidate, talking
// points for a meeting.
package suggestions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
	"github.com/felixgeelhaar/interpreta/pkg/observability"
)

const (
	// DefaultCount is how many suggestions a request gets when it names none.
	DefaultCount = 3
	// ContextLines is how much of the transcript a generator sees.
	ContextLines = 5
)

// Meeting types with their own suggestion sets. Anything else is treated
// as an interview.
const (
	TypeInterview = "interview"
	TypeMeeting   = "meeting"
)

// Role is the requesting participant's part in the meeting.
type Role string

const (
	RoleInterviewer Role = "interviewer"
	RoleCandidate   Role = "candidate"
	RoleParticipant Role = "participant"
	RoleModerator   Role = "moderator"
)

// ParseRole accepts the role names clients send, including the older
// interviewee and host spellings.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "interviewer":
		return RoleInterviewer
	case "candidate", "interviewee":
		return RoleCandidate
	case "moderator", "host":
		return RoleModerator
	case "participant":
		return RoleParticipant
	default:
		return ""
	}
}

// Line is one transcript line handed to a generator.
type Line struct {
	Speaker string
	Text    string
}

// Request asks for suggestions.
type Request struct {
	MeetingType string
	Role        Role
	Language    string
	Context     []Line
	Count       int
}

// Prompt renders the last ContextLines lines as "speaker: text".
func (r Request) Prompt() string {
	lines := r.Context
	if len(lines) > ContextLines {
		lines = lines[len(lines)-ContextLines:]
	}
	var b strings.Builder
	for _, l := range lines {
		speaker := l.Speaker
		if speaker == "" {
			speaker = "Unknown"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, l.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Generator produces suggestion text. A model-backed generator plugs in
// here; the service ships the canned one.
type Generator interface {
	Generate(ctx context.Context, req Request) ([]string, error)
}

// Stats are the service's running counters.
type Stats struct {
	Generated       int64
	Errors          int64
	ErrorRatio      float64
	AvgResponseTime time.Duration
}

// Service wraps a Generator with defaults, fallbacks and counters.
type Service struct {
	generator Generator
	logger    *slog.Logger
	metrics   observability.Metrics

	mu        sync.Mutex
	generated int64
	errors    int64
	elapsed   time.Duration
	timed     int64
}

// NewService creates a service; a nil generator uses Canned.
func NewService(generator Generator, logger *slog.Logger, metrics observability.Metrics) *Service {
	if generator == nil {
		generator = Canned{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Service{generator: generator, logger: logger.With("component", "suggestions"), metrics: metrics}
}

// Suggest never fails: a generator error yields a single apology line in
// the requested language.
func (s *Service) Suggest(ctx context.Context, req Request) []string {
	req = normalize(req)
	start := time.Now()

	out, err := s.generator.Generate(ctx, req)
	elapsed := time.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.errors++
		s.logger.Error("failed to generate suggestions", "meeting_type", req.MeetingType, "role", req.Role, "error", err)
		s.metrics.Counter(observability.MetricSuggestionsErrors, 1)
		return []string{fallback(req.Language)}
	}
	s.generated++
	s.elapsed += elapsed
	s.timed++
	s.metrics.Counter(observability.MetricSuggestionsGenerated, 1, observability.T("lang", req.Language))
	s.metrics.Timing(observability.MetricSuggestionsLatency, elapsed)

	if len(out) > req.Count {
		out = out[:req.Count]
	}
	return out
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Generated: s.generated, Errors: s.errors}
	st.ErrorRatio = float64(s.errors) / float64(max(1, s.generated))
	if s.timed > 0 {
		st.AvgResponseTime = s.elapsed / time.Duration(s.timed)
	}
	return st
}

func normalize(req Request) Request {
	req.Language = domain.NormalizeLanguage(req.Language)
	if req.Language != "ro" {
		req.Language = "en"
	}
	req.MeetingType = strings.ToLower(strings.TrimSpace(req.MeetingType))
	if req.MeetingType != TypeMeeting {
		req.MeetingType = TypeInterview
	}
	if req.Role == "" {
		if req.MeetingType == TypeInterview {
			req.Role = RoleInterviewer
		} else {
			req.Role = RoleParticipant
		}
	}
	if req.Count <= 0 {
		req.Count = DefaultCount
	}
	return req
}

func fallback(language string) string {
	if language == "ro" {
		return "Ne pare rău, nu am putut genera sugestii personalizate."
	}
	return "Sorry, we couldn't generate personalized suggestions."
}
