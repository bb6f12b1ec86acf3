package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
)

// TranscriptView is one segment with its translations. Text is the segment
// rendered in the requested display language.
type TranscriptView struct {
	SegmentID        uuid.UUID          `json:"segment_id"`
	Sequence         int64              `json:"sequence"`
	ParticipantID    uuid.UUID          `json:"participant_id"`
	Kind             domain.SegmentKind `json:"kind"`
	OriginalText     string             `json:"original_text"`
	OriginalLanguage string             `json:"original_language"`
	Translations     map[string]string  `json:"translations"`
	Text             string             `json:"text"`
	CreatedAt        time.Time          `json:"created_at"`
}

// GetTranscripts returns the meeting's segments in sequence order. With a
// display language, Text is the source when it matches, else the latest
// translation into that language, else the source.
func (p *Pipeline) GetTranscripts(ctx context.Context, meetingID uuid.UUID, displayLanguage string) ([]TranscriptView, error) {
	if _, err := p.sessions.GetSession(ctx, meetingID); err != nil {
		return nil, err
	}
	segments, err := p.transcripts.ListSegments(ctx, meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	latest, err := p.transcripts.LatestTranslations(ctx, meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load translations: %w", err)
	}

	display := domain.NormalizeLanguage(displayLanguage)
	views := make([]TranscriptView, 0, len(segments))
	for _, seg := range segments {
		translations := latest[seg.ID]
		if translations == nil {
			translations = map[string]string{}
		}
		views = append(views, TranscriptView{
			SegmentID:        seg.ID,
			Sequence:         seg.Sequence,
			ParticipantID:    seg.ParticipantID,
			Kind:             seg.Kind,
			OriginalText:     seg.OriginalText,
			OriginalLanguage: seg.OriginalLanguage,
			Translations:     translations,
			Text:             resolveText(seg, translations, display),
			CreatedAt:        seg.CreatedAt,
		})
	}
	return views, nil
}

func resolveText(seg domain.TranscriptSegment, translations map[string]string, display string) string {
	if display == "" || display == seg.OriginalLanguage {
		return seg.OriginalText
	}
	if text, ok := translations[display]; ok {
		return text
	}
	return seg.OriginalText
}

func isBlank(s string) bool { return strings.TrimSpace(s) == "" }

func trimmed(s string) string { return strings.TrimSpace(s) }

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
