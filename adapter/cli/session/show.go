package session

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/interpreta/adapter/cli"
)

var showCmd = &cobra.Command{
	Use:   "show [session-id|join-token]",
	Short: "Show a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := operator(cmd.Context())
		if err != nil {
			return err
		}
		v, err := c.Registry.ResolveSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s\n", v.Title)
		fmt.Fprintf(out, "  ID: %s\n", v.ID)
		fmt.Fprintf(out, "  Status: %s\n", v.Status)
		fmt.Fprintf(out, "  Join token: %s\n", v.JoinToken)
		fmt.Fprintf(out, "  Languages: %s -> %s\n", v.SourceLanguage, v.TargetLanguage)
		fmt.Fprintf(out, "  Type: %s\n", v.Settings.MeetingType)
		fmt.Fprintf(out, "  Participants: %d active, %d total, max %d\n",
			v.ActiveParticipants, v.TotalParticipants, v.Settings.MaxParticipants)
		fmt.Fprintf(out, "  Features: %s\n", features(v.Settings.EnableSuggestions, v.Settings.EnableRecording))
		fmt.Fprintf(out, "  Started: %s\n", cli.FormatTime(v.StartTime))
		fmt.Fprintf(out, "  Ended: %s\n", cli.FormatTime(v.EndTime))
		return nil
	},
}

func features(suggestions, recording bool) string {
	var on []string
	if suggestions {
		on = append(on, "suggestions")
	}
	if recording {
		on = append(on, "recording")
	}
	if len(on) == 0 {
		return "none"
	}
	return strings.Join(on, ", ")
}
