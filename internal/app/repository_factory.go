package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
	"github.com/felixgeelhaar/interpreta/internal/meetings/infrastructure/persistence"
	sharedApplication "github.com/felixgeelhaar/interpreta/internal/shared/application"
	"github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/interpreta/pkg/config"
)

// DriverMemory keeps everything in process memory. Nothing survives a
// restart; it backs tests and throwaway demos.
const DriverMemory = "memory"

// Repositories is the storage shared by the registry, the pipeline, the
// archiver and the outbox relay. Every field is backed by the same store so
// a UnitOfWork spans all of them.
type Repositories struct {
	Meetings     domain.MeetingRepository
	Participants domain.ParticipantRepository
	Transcripts  domain.TranscriptRepository
	Accounts     domain.AccountRepository
	Outbox       outbox.Repository
	UnitOfWork   sharedApplication.UnitOfWork
	Ping         func(ctx context.Context) error
}

// OpenDatabase connects to the SQL store cfg selects and pings it. An empty
// SQLite path resolves to the per-user default.
func OpenDatabase(ctx context.Context, cfg *config.Config) (database.Connection, error) {
	if cfg.DatabaseDriver == DriverMemory {
		return nil, errors.New("the memory driver has no database")
	}
	dbCfg := database.Config{
		Driver:     database.ParseDriver(cfg.DatabaseDriver, cfg.DatabaseURL),
		URL:        cfg.DatabaseURL,
		SQLitePath: cfg.SQLitePath,
		MaxConns:   cfg.DatabaseMaxConns,
	}
	if dbCfg.Driver == database.DriverSQLite && dbCfg.SQLitePath == "" {
		dbCfg.SQLitePath = database.DefaultSQLitePath()
	}
	conn, err := database.NewConnection(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return conn, nil
}

// NewSQLRepositories builds repositories over a PostgreSQL or SQLite
// connection.
func NewSQLRepositories(conn database.Connection) (Repositories, error) {
	switch conn.Driver() {
	case database.DriverPostgres, database.DriverSQLite:
	default:
		return Repositories{}, fmt.Errorf("unsupported driver: %s", conn.Driver())
	}
	return Repositories{
		Meetings:     persistence.NewSQLMeetingRepository(conn),
		Participants: persistence.NewSQLParticipantRepository(conn),
		Transcripts:  persistence.NewSQLTranscriptRepository(conn),
		Accounts:     persistence.NewSQLAccountRepository(conn),
		Outbox:       outbox.NewSQLRepository(conn),
		UnitOfWork:   database.NewUnitOfWork(conn),
		Ping:         conn.Ping,
	}, nil
}

// NewMemoryRepositories builds repositories over a MemoryStore.
func NewMemoryRepositories(store *persistence.MemoryStore) Repositories {
	return Repositories{
		Meetings:     store.Meetings(),
		Participants: store.Participants(),
		Transcripts:  store.Transcripts(),
		Accounts:     store.Accounts(),
		Outbox:       memoryOutbox{store.OutboxRepository(), store.OutboxWriter()},
		UnitOfWork:   store,
		Ping:         store.Ping,
	}
}

// memoryOutbox writes through the store's transactional writer so staged
// rows commit with the unit of work, and reads from the relay repository.
type memoryOutbox struct {
	*outbox.InMemoryRepository
	writer outbox.Writer
}

func (m memoryOutbox) SaveBatch(ctx context.Context, msgs []*outbox.Message) error {
	return m.writer.SaveBatch(ctx, msgs)
}

// ensureOperatorAccount provisions the development operator account.
func ensureOperatorAccount(ctx context.Context, accounts domain.AccountRepository, id string) (*domain.Account, error) {
	accountID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid OPERATOR_ACCOUNT_ID %q: %w", id, err)
	}
	existing, err := accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load operator account: %w", err)
	}
	if existing != nil {
		return existing, nil
	}
	account := &domain.Account{
		ID:                accountID,
		DisplayName:       "Local Operator",
		Email:             "operator@interpreta.local",
		PreferredLanguage: domain.DefaultSourceLanguage,
		Plan:              domain.PlanPremium,
		IsStaff:           true,
	}
	if err := accounts.Save(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to create operator account: %w", err)
	}
	return account, nil
}
