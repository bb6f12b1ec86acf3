package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
	"github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/database"
)

// SQLAccountRepository implements domain.AccountRepository.
type SQLAccountRepository struct {
	conn database.Connection
	now  func() time.Time
}

func NewSQLAccountRepository(conn database.Connection) *SQLAccountRepository {
	return &SQLAccountRepository{conn: conn, now: time.Now}
}

func (r *SQLAccountRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	var (
		a    domain.Account
		plan string
	)
	err := database.ExecutorFromContext(ctx, r.conn).QueryRow(ctx, `
		SELECT id, display_name, email, preferred_language, plan, available_minutes, is_staff
		FROM accounts WHERE id = $1
	`, id).Scan(&a.ID, &a.DisplayName, &a.Email, &a.PreferredLanguage, &plan, &a.AvailableMinutes, &a.IsStaff)
	if database.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	a.Plan = domain.Plan(plan)
	return &a, nil
}

// Save upserts an account. Accounts are provisioned outside the meetings
// core; this exists for the CLI and tests.
func (r *SQLAccountRepository) Save(ctx context.Context, a *domain.Account) error {
	now := r.now().UTC()
	_, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, `
		INSERT INTO accounts (
			id, email, display_name, preferred_language, plan, available_minutes, is_staff, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			display_name = excluded.display_name,
			preferred_language = excluded.preferred_language,
			plan = excluded.plan,
			available_minutes = excluded.available_minutes,
			is_staff = excluded.is_staff,
			updated_at = excluded.updated_at
	`, a.ID, a.Email, a.DisplayName, a.PreferredLanguage, string(a.Plan), a.AvailableMinutes, a.IsStaff, now)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// Lock takes the account's row lock for the rest of the transaction. The
// no-op UPDATE is the form both PostgreSQL and SQLite accept.
func (r *SQLAccountRepository) Lock(ctx context.Context, id uuid.UUID) error {
	res, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx,
		`UPDATE accounts SET updated_at = updated_at WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to lock account: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
