// Package persistence stores meetings, participants, transcripts and
// accounts. The SQL repositories run unchanged on PostgreSQL and SQLite via
// the shared database package; the memory store backs tests and
// DATABASE_DRIVER=memory.
package persistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
	"github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/database"
)

// SQLMeetingRepository implements domain.MeetingRepository.
type SQLMeetingRepository struct {
	conn database.Connection
}

// NewSQLMeetingRepository creates a meeting repository over conn.
func NewSQLMeetingRepository(conn database.Connection) *SQLMeetingRepository {
	return &SQLMeetingRepository{conn: conn}
}

const meetingColumns = `id, title, status, source_language, target_language, created_by, join_token,
	meeting_type, max_participants, enable_suggestions, enable_recording, duration_minutes,
	start_time, end_time, created_at, updated_at`

// Save inserts or updates a meeting.
func (r *SQLMeetingRepository) Save(ctx context.Context, m *domain.Meeting) error {
	query := `
		INSERT INTO meetings (` + meetingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			updated_at = excluded.updated_at
	`
	s := m.Settings()
	_, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, query,
		m.ID(),
		m.Title(),
		string(m.Status()),
		m.SourceLanguage(),
		m.TargetLanguage(),
		m.CreatedBy(),
		m.JoinToken(),
		s.MeetingType,
		s.MaxParticipants,
		s.EnableSuggestions,
		s.EnableRecording,
		s.DurationMinutes,
		database.Nullable(m.StartTime()),
		database.Nullable(m.EndTime()),
		m.CreatedAt(),
		m.UpdatedAt(),
	)
	if err != nil {
		return fmt.Errorf("failed to save meeting: %w", err)
	}
	return nil
}

func (r *SQLMeetingRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Meeting, error) {
	row := database.ExecutorFromContext(ctx, r.conn).QueryRow(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE id = $1`, id)
	return scanMeeting(row)
}

func (r *SQLMeetingRepository) FindByJoinToken(ctx context.Context, token string) (*domain.Meeting, error) {
	row := database.ExecutorFromContext(ctx, r.conn).QueryRow(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE join_token = $1`, token)
	return scanMeeting(row)
}

func (r *SQLMeetingRepository) JoinTokenExists(ctx context.Context, token string) (bool, error) {
	var n int
	err := database.ExecutorFromContext(ctx, r.conn).QueryRow(ctx,
		`SELECT COUNT(*) FROM meetings WHERE join_token = $1`, token).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check join token: %w", err)
	}
	return n > 0, nil
}

func (r *SQLMeetingRepository) CountOpenByOwner(ctx context.Context, ownerID uuid.UUID) (int, error) {
	var n int
	err := database.ExecutorFromContext(ctx, r.conn).QueryRow(ctx,
		`SELECT COUNT(*) FROM meetings WHERE created_by = $1 AND status IN ('scheduled', 'live')`,
		ownerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open meetings: %w", err)
	}
	return n, nil
}

func (r *SQLMeetingRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]*domain.Meeting, error) {
	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx,
		`SELECT `+meetingColumns+` FROM meetings WHERE created_by = $1 ORDER BY created_at DESC LIMIT $2`,
		ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list meetings: %w", err)
	}
	defer rows.Close()

	var meetings []*domain.Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		meetings = append(meetings, m)
	}
	return meetings, rows.Err()
}

// Revision returns 0 for a meeting that does not exist.
func (r *SQLMeetingRepository) Revision(ctx context.Context, id uuid.UUID) (int64, error) {
	var rev int64
	err := database.ExecutorFromContext(ctx, r.conn).QueryRow(ctx,
		`SELECT revision FROM meetings WHERE id = $1`, id).Scan(&rev)
	if database.IsNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read meeting revision: %w", err)
	}
	return rev, nil
}

// ClaimRevision is a compare-and-set on the revision column. Under
// PostgreSQL a concurrent claimer blocks on the row lock and then matches
// nothing; SQLite serialises writers on the database lock.
func (r *SQLMeetingRepository) ClaimRevision(ctx context.Context, id uuid.UUID, expected int64) error {
	res, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx,
		`UPDATE meetings SET revision = revision + 1 WHERE id = $1 AND revision = $2`, id, expected)
	if err != nil {
		return fmt.Errorf("failed to claim meeting revision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to claim meeting revision: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("meeting %s moved past revision %d: %w", id, expected, domain.ErrConflict)
	}
	return nil
}

func scanMeeting(row database.Row) (*domain.Meeting, error) {
	var (
		id, createdBy                 uuid.UUID
		title, status, source, target string
		token, meetingType            string
		maxParticipants, duration     int
		suggestions, recording        bool
		start, end, created, updated  database.NullTime
	)
	err := row.Scan(&id, &title, &status, &source, &target, &createdBy, &token,
		&meetingType, &maxParticipants, &suggestions, &recording, &duration,
		&start, &end, &created, &updated)
	if database.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan meeting: %w", err)
	}

	settings := domain.Settings{
		MeetingType:       meetingType,
		MaxParticipants:   maxParticipants,
		EnableSuggestions: suggestions,
		EnableRecording:   recording,
		DurationMinutes:   duration,
	}
	return domain.RehydrateMeeting(id, title, domain.Status(status), source, target, createdBy, token,
		settings, start.Ptr(), end.Ptr(), created.Time, updated.Time), nil
}
