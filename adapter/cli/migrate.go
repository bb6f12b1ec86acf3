package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/interpreta/internal/app"
	"github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down]",
	Short: "Apply or roll back the database schema",
	Long: `Migrate the configured store. PostgreSQL runs through golang-migrate
against DATABASE_URL; SQLite uses the embedded runner.

Examples:
  interpreta migrate up
  DATABASE_DRIVER=sqlite SQLITE_PATH=./dev.db interpreta migrate down`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(migrations.Up), string(migrations.Down)},
	RunE: func(cmd *cobra.Command, args []string) error {
		direction := migrations.Direction(args[0])
		if direction != migrations.Up && direction != migrations.Down {
			return fmt.Errorf("unknown direction %q, want up or down", args[0])
		}
		a := GetApp()
		if a == nil || a.Config == nil {
			return fmt.Errorf("app not initialized")
		}
		cfg := a.Config
		if cfg.DatabaseDriver == app.DriverMemory {
			return fmt.Errorf("the memory driver has no schema to migrate")
		}

		conn, err := app.OpenDatabase(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := migrations.Run(cmd.Context(), conn, cfg.DatabaseURL, direction); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s %s\n", conn.Driver(), direction)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
