package domain

import "fmt"

// Default session settings.
const (
	DefaultSourceLanguage  = "en"
	DefaultTargetLanguage  = "ro"
	DefaultMeetingType     = "interview"
	DefaultDurationMinutes = 60
)

// Settings are the per-meeting options fixed at creation.
type Settings struct {
	MeetingType       string
	MaxParticipants   int
	EnableSuggestions bool
	EnableRecording   bool
	DurationMinutes   int
}

// SettingsOverrides carries the caller's explicit choices; nil or zero
// fields take the default.
type SettingsOverrides struct {
	MeetingType       string
	MaxParticipants   int
	EnableSuggestions *bool
	EnableRecording   *bool
	DurationMinutes   int
}

// ResolveSettings applies defaults for the owner's plan and enforces its
// participant cap on explicit values.
func ResolveSettings(plan Plan, in SettingsOverrides) (Settings, error) {
	limits := plan.Limits()
	s := Settings{
		MeetingType:       DefaultMeetingType,
		MaxParticipants:   limits.DefaultMaxParticipants,
		EnableSuggestions: true,
		EnableRecording:   true,
		DurationMinutes:   DefaultDurationMinutes,
	}
	if in.MeetingType != "" {
		s.MeetingType = in.MeetingType
	}
	if in.EnableSuggestions != nil {
		s.EnableSuggestions = *in.EnableSuggestions
	}
	if in.EnableRecording != nil {
		s.EnableRecording = *in.EnableRecording
	}
	if in.DurationMinutes < 0 || in.MaxParticipants < 0 {
		return Settings{}, fmt.Errorf("negative setting: %w", ErrInvalidInput)
	}
	if in.DurationMinutes > 0 {
		s.DurationMinutes = in.DurationMinutes
	}
	if in.MaxParticipants > 0 {
		if limits.MaxParticipants > 0 && in.MaxParticipants > limits.MaxParticipants {
			return Settings{}, fmt.Errorf("%s plan allows at most %d participants: %w",
				plan, limits.MaxParticipants, ErrLimitExceeded)
		}
		s.MaxParticipants = in.MaxParticipants
	}
	return s, nil
}
