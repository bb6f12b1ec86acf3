package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/interpreta/pkg/config"
	"github.com/felixgeelhaar/interpreta/pkg/observability"
)

var (
	verbose bool
	logger  *slog.Logger

	// levelVar backs loggers built by NewLogger so --verbose can lower the
	// level after they are created.
	levelVar = new(slog.LevelVar)
)

type commandContext struct {
	correlationID uuid.UUID
	startedAt     time.Time
}

type commandContextKey struct{}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "interpreta",
	Short: "Interpreta - live translated meetings",
	Long: `Interpreta runs live meetings where every participant speaks and reads
in their own language. Speech and chat are transcribed, translated and
broadcast to each participant as it happens.

Run the gateway with "interpreta serve" and the event relay with
"interpreta worker". Sessions can be managed from here or over MCP.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if logger == nil {
			logger = slog.Default()
		}
		ctx := cmd.Context()
		info := commandContext{
			correlationID: uuid.New(),
			startedAt:     time.Now(),
		}
		ctx = observability.WithCorrelationID(ctx, info.correlationID.String())
		cmd.SetContext(context.WithValue(ctx, commandContextKey{}, info))
		if verbose {
			levelVar.Set(slog.LevelDebug)
		}
		logger.Debug("command start",
			"command", cmd.CommandPath(),
			"correlation_id", info.correlationID.String(),
		)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger == nil {
			logger = slog.Default()
		}
		info, ok := cmd.Context().Value(commandContextKey{}).(commandContext)
		if !ok {
			return
		}
		logger.Debug("command end",
			"command", cmd.CommandPath(),
			"correlation_id", info.correlationID.String(),
			"duration_ms", time.Since(info.startedAt).Milliseconds(),
		)
	},
}

// Execute runs the root command with ctx and releases the application
// before exiting on error.
func Execute(ctx context.Context) {
	err := rootCmd.ExecuteContext(ctx)
	if current != nil {
		current.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
}

// AddCommand adds a command to the root command.
func AddCommand(cmd *cobra.Command) {
	rootCmd.AddCommand(cmd)
}

// SetLogger sets the CLI logger.
func SetLogger(l *slog.Logger) {
	logger = l
}

// NewLogger builds the process logger from cfg. Its level follows --verbose.
func NewLogger(cfg *config.Config, out io.Writer) *slog.Logger {
	levelVar.Set(observability.ParseLevel(cfg.LogLevel))
	format := observability.LogFormat(cfg.LogFormat)
	if format == "" && cfg.IsProduction() {
		format = observability.LogFormatJSON
	}
	return observability.NewLogger(observability.LogConfig{
		Leveler:        levelVar,
		Format:         format,
		Output:         out,
		ServiceName:    "interpreta",
		ServiceVersion: cfg.ServiceVersion,
	})
}
