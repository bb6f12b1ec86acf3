package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/interpreta/adapter/cli"
	"github.com/felixgeelhaar/interpreta/internal/app"
)

// Cmd is the session command group.
var Cmd = &cobra.Command{
	Use:   "session",
	Short: "Manage translated meeting sessions",
	Long: `Create sessions, inspect their participants, metrics and transcripts,
and end or cancel them. Commands act as OPERATOR_ACCOUNT_ID.`,
}

func init() {
	Cmd.AddCommand(createCmd)
	Cmd.AddCommand(endCmd)
	Cmd.AddCommand(cancelCmd)
	Cmd.AddCommand(showCmd)
	Cmd.AddCommand(metricsCmd)
	Cmd.AddCommand(transcriptsCmd)
	Cmd.AddCommand(participantsCmd)
}

// operator returns the container and the account commands act as.
func operator(ctx context.Context) (*app.Container, uuid.UUID, error) {
	a := cli.GetApp()
	if a == nil {
		return nil, uuid.Nil, fmt.Errorf("app not initialized")
	}
	c, err := a.Container(ctx)
	if err != nil {
		return nil, uuid.Nil, err
	}
	id, err := a.OperatorID()
	if err != nil {
		return nil, uuid.Nil, err
	}
	return c, id, nil
}

func parseSessionID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session id %q: %w", arg, err)
	}
	return id, nil
}
