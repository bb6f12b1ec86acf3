package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var endCmd = &cobra.Command{
	Use:   "end [session-id]",
	Short: "End a live session",
	Long:  `End a live session. Everyone still connected is marked as left.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transition(cmd, args[0], "Ended", func(ctx context.Context, sessions sessionTransitions, id, actor uuid.UUID) error {
			return sessions.EndSession(ctx, id, actor)
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [session-id]",
	Short: "Cancel a scheduled session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transition(cmd, args[0], "Cancelled", func(ctx context.Context, sessions sessionTransitions, id, actor uuid.UUID) error {
			return sessions.CancelSession(ctx, id, actor)
		})
	},
}

type sessionTransitions interface {
	EndSession(ctx context.Context, id, actorID uuid.UUID) error
	CancelSession(ctx context.Context, id, actorID uuid.UUID) error
}

func transition(cmd *cobra.Command, arg, verb string, apply func(context.Context, sessionTransitions, uuid.UUID, uuid.UUID) error) error {
	id, err := parseSessionID(arg)
	if err != nil {
		return err
	}
	c, operatorID, err := operator(cmd.Context())
	if err != nil {
		return err
	}
	if err := apply(cmd.Context(), c.Registry, id, operatorID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s session: %s\n", verb, id)
	return nil
}
