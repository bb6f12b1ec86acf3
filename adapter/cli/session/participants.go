package session

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/interpreta/adapter/cli"
)

var participantsCmd = &cobra.Command{
	Use:   "participants [session-id]",
	Short: "List active participants in join order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseSessionID(args[0])
		if err != nil {
			return err
		}
		c, _, err := operator(cmd.Context())
		if err != nil {
			return err
		}
		people, err := c.Registry.Participants(cmd.Context(), id)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(people) == 0 {
			fmt.Fprintln(out, "No one is connected.")
			return nil
		}
		fmt.Fprintf(out, "Participants (%d):\n", len(people))
		for _, p := range people {
			kind := "guest"
			switch {
			case p.Owner:
				kind = "owner"
			case p.UserID != nil:
				kind = "user"
			}
			fmt.Fprintf(out, "  %s [%s, %s]\n", p.Name, p.Language, kind)
			fmt.Fprintf(out, "    ID: %s\n", p.ID)
			fmt.Fprintf(out, "    Joined: %s\n", cli.FormatTime(p.JoinedAt))
		}
		return nil
	},
}
