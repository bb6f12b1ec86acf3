package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
	"github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/database"
)

// SQLParticipantRepository implements domain.ParticipantRepository.
type SQLParticipantRepository struct {
	conn database.Connection
}

func NewSQLParticipantRepository(conn database.Connection) *SQLParticipantRepository {
	return &SQLParticipantRepository{conn: conn}
}

const participantColumns = `id, meeting_id, user_id, display_name, email, language, joined_at, left_at, created_at, updated_at`

func (r *SQLParticipantRepository) Save(ctx context.Context, p *domain.Participant) error {
	query := `
		INSERT INTO participants (` + participantColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			language = excluded.language,
			joined_at = excluded.joined_at,
			left_at = excluded.left_at,
			updated_at = excluded.updated_at
	`
	var userID uuid.NullUUID
	if p.UserID() != nil {
		userID = uuid.NullUUID{UUID: *p.UserID(), Valid: true}
	}
	_, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, query,
		p.ID(),
		p.MeetingID(),
		userID,
		p.DisplayName(),
		p.Email(),
		p.Language(),
		database.Nullable(p.JoinedAt()),
		database.Nullable(p.LeftAt()),
		p.CreatedAt(),
		p.UpdatedAt(),
	)
	if err != nil {
		return fmt.Errorf("failed to save participant: %w", err)
	}
	return nil
}

func (r *SQLParticipantRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Participant, error) {
	row := database.ExecutorFromContext(ctx, r.conn).QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE id = $1`, id)
	return scanParticipant(row)
}

func (r *SQLParticipantRepository) FindByMeetingAndUser(ctx context.Context, meetingID, userID uuid.UUID) (*domain.Participant, error) {
	row := database.ExecutorFromContext(ctx, r.conn).QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE meeting_id = $1 AND user_id = $2`,
		meetingID, userID)
	return scanParticipant(row)
}

// ListByMeeting returns every participant row, active or not, oldest first.
func (r *SQLParticipantRepository) ListByMeeting(ctx context.Context, meetingID uuid.UUID) ([]*domain.Participant, error) {
	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE meeting_id = $1 ORDER BY created_at, id`,
		meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	var out []*domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *SQLParticipantRepository) MarkAllLeft(ctx context.Context, meetingID uuid.UUID, at time.Time) (int64, error) {
	result, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, `
		UPDATE participants
		SET left_at = CASE WHEN joined_at > $2 THEN joined_at ELSE $2 END,
			updated_at = $2
		WHERE meeting_id = $1 AND joined_at IS NOT NULL AND left_at IS NULL
	`, meetingID, at)
	if err != nil {
		return 0, fmt.Errorf("failed to mark participants left: %w", err)
	}
	return result.RowsAffected()
}

func scanParticipant(row database.Row) (*domain.Participant, error) {
	var (
		id, meetingID                  uuid.UUID
		userID                         uuid.NullUUID
		name, email, language          string
		joined, left, created, updated database.NullTime
	)
	err := row.Scan(&id, &meetingID, &userID, &name, &email, &language, &joined, &left, &created, &updated)
	if database.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan participant: %w", err)
	}
	var uid *uuid.UUID
	if userID.Valid {
		u := userID.UUID
		uid = &u
	}
	return domain.RehydrateParticipant(id, meetingID, uid, name, email, language,
		joined.Ptr(), left.Ptr(), created.Time, updated.Time), nil
}
