package domain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SegmentKind distinguishes spoken from typed segments.
type SegmentKind string

const (
	KindSpeech SegmentKind = "speech"
	KindChat   SegmentKind = "chat"
)

// TranscriptSegment is one ordered unit of source text. Segments are
// immutable once created.
type TranscriptSegment struct {
	ID               uuid.UUID
	MeetingID        uuid.UUID
	ParticipantID    uuid.UUID
	Sequence         int64
	Kind             SegmentKind
	OriginalText     string
	OriginalLanguage string
	CreatedAt        time.Time
}

// NewTranscriptSegment validates and stamps a segment. The sequence comes
// from the registry, never from the client.
func NewTranscriptSegment(meetingID, participantID uuid.UUID, seq int64, kind SegmentKind, text, language string, now time.Time) (TranscriptSegment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return TranscriptSegment{}, fmt.Errorf("segment text is empty: %w", ErrInvalidInput)
	}
	if seq <= 0 {
		return TranscriptSegment{}, fmt.Errorf("segment sequence %d: %w", seq, ErrInvalidInput)
	}
	if kind != KindSpeech && kind != KindChat {
		return TranscriptSegment{}, fmt.Errorf("segment kind %q: %w", kind, ErrInvalidInput)
	}
	return TranscriptSegment{
		ID:               uuid.New(),
		MeetingID:        meetingID,
		ParticipantID:    participantID,
		Sequence:         seq,
		Kind:             kind,
		OriginalText:     text,
		OriginalLanguage: NormalizeLanguage(language),
		CreatedAt:        now.UTC(),
	}, nil
}

// Translation is one rendering of a segment. Re-translation appends a new
// row; the latest row per (segment, language) wins.
type Translation struct {
	ID             uuid.UUID
	SegmentID      uuid.UUID
	TargetLanguage string
	Text           string
	CreatedAt      time.Time
}

// NewTranslation stamps a translation row.
func NewTranslation(segmentID uuid.UUID, targetLanguage, text string, now time.Time) Translation {
	return Translation{
		ID:             uuid.New(),
		SegmentID:      segmentID,
		TargetLanguage: NormalizeLanguage(targetLanguage),
		Text:           text,
		CreatedAt:      now.UTC(),
	}
}

// TranscriptStats are the aggregates the registry rebuilds its cache from.
type TranscriptStats struct {
	Segments        int
	MaxSequence     int64
	TranslatedChars int64
}

// TranscriptRepository persists segments and translations.
type TranscriptRepository interface {
	SaveSegment(ctx context.Context, segment TranscriptSegment) error
	SaveTranslations(ctx context.Context, translations []Translation) error
	// ListSegments returns segments in ascending sequence order.
	ListSegments(ctx context.Context, meetingID uuid.UUID) ([]TranscriptSegment, error)
	// LatestTranslations returns segment -> language -> text using the
	// latest row per pair (created_at, then id).
	LatestTranslations(ctx context.Context, meetingID uuid.UUID) (map[uuid.UUID]map[string]string, error)
	Stats(ctx context.Context, meetingID uuid.UUID) (TranscriptStats, error)
}
