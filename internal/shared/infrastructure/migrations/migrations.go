// Package migrations owns the schema for both storage backends.
package migrations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/database"
)

type sqlDB interface {
	DB() *sql.DB
}

// Run migrates conn in the given direction. PostgreSQL goes through
// golang-migrate with dsn; SQLite uses the embedded runner on conn itself.
func Run(ctx context.Context, conn database.Connection, dsn string, direction Direction) error {
	switch conn.Driver() {
	case database.DriverPostgres:
		return RunPostgresMigrations(dsn, direction)
	case database.DriverSQLite:
		h, ok := conn.(sqlDB)
		if !ok {
			return fmt.Errorf("sqlite connection %T does not expose *sql.DB", conn)
		}
		if direction == Down {
			return RollbackSQLiteMigrations(ctx, h.DB())
		}
		return RunSQLiteMigrations(ctx, h.DB())
	default:
		return fmt.Errorf("unsupported database driver: %s", conn.Driver())
	}
}
