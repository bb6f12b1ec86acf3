package persistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
	"github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/database"
)

// SQLTranscriptRepository implements domain.TranscriptRepository.
type SQLTranscriptRepository struct {
	conn database.Connection
}

func NewSQLTranscriptRepository(conn database.Connection) *SQLTranscriptRepository {
	return &SQLTranscriptRepository{conn: conn}
}

func (r *SQLTranscriptRepository) SaveSegment(ctx context.Context, s domain.TranscriptSegment) error {
	_, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, `
		INSERT INTO transcript_segments (
			id, meeting_id, participant_id, sequence, kind, original_text, original_language, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.ID, s.MeetingID, s.ParticipantID, s.Sequence, string(s.Kind), s.OriginalText, s.OriginalLanguage, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save transcript segment: %w", err)
	}
	return nil
}

// SaveTranslations appends rows; earlier rows for the same pair are kept.
func (r *SQLTranscriptRepository) SaveTranslations(ctx context.Context, translations []domain.Translation) error {
	exec := database.ExecutorFromContext(ctx, r.conn)
	for _, t := range translations {
		_, err := exec.Exec(ctx, `
			INSERT INTO translations (id, segment_id, target_language, translated_text, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, t.ID, t.SegmentID, t.TargetLanguage, t.Text, t.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to save translation: %w", err)
		}
	}
	return nil
}

func (r *SQLTranscriptRepository) ListSegments(ctx context.Context, meetingID uuid.UUID) ([]domain.TranscriptSegment, error) {
	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx, `
		SELECT id, meeting_id, participant_id, sequence, kind, original_text, original_language, created_at
		FROM transcript_segments
		WHERE meeting_id = $1
		ORDER BY sequence
	`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcript segments: %w", err)
	}
	defer rows.Close()

	var segments []domain.TranscriptSegment
	for rows.Next() {
		var (
			s       domain.TranscriptSegment
			kind    string
			created database.NullTime
		)
		if err := rows.Scan(&s.ID, &s.MeetingID, &s.ParticipantID, &s.Sequence, &kind,
			&s.OriginalText, &s.OriginalLanguage, &created); err != nil {
			return nil, fmt.Errorf("failed to scan transcript segment: %w", err)
		}
		s.Kind = domain.SegmentKind(kind)
		s.CreatedAt = created.Time
		segments = append(segments, s)
	}
	return segments, rows.Err()
}

func (r *SQLTranscriptRepository) LatestTranslations(ctx context.Context, meetingID uuid.UUID) (map[uuid.UUID]map[string]string, error) {
	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx, `
		SELECT t.segment_id, t.target_language, t.translated_text
		FROM translations t
		JOIN transcript_segments s ON s.id = t.segment_id
		WHERE s.meeting_id = $1
		ORDER BY t.created_at, t.id
	`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list translations: %w", err)
	}
	defer rows.Close()

	latest := make(map[uuid.UUID]map[string]string)
	for rows.Next() {
		var (
			segmentID      uuid.UUID
			language, text string
		)
		if err := rows.Scan(&segmentID, &language, &text); err != nil {
			return nil, fmt.Errorf("failed to scan translation: %w", err)
		}
		if latest[segmentID] == nil {
			latest[segmentID] = make(map[string]string)
		}
		// Rows arrive oldest first, so later rows overwrite.
		latest[segmentID][language] = text
	}
	return latest, rows.Err()
}

func (r *SQLTranscriptRepository) Stats(ctx context.Context, meetingID uuid.UUID) (domain.TranscriptStats, error) {
	var stats domain.TranscriptStats
	err := database.ExecutorFromContext(ctx, r.conn).QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(MAX(sequence), 0), COALESCE(SUM(LENGTH(original_text)), 0)
		FROM transcript_segments
		WHERE meeting_id = $1
	`, meetingID).Scan(&stats.Segments, &stats.MaxSequence, &stats.TranslatedChars)
	if err != nil {
		return domain.TranscriptStats{}, fmt.Errorf("failed to read transcript stats: %w", err)
	}
	return stats, nil
}
