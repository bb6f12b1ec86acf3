package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/interpreta/adapter/cli"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics [session-id]",
	Short: "Show session metrics",
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
		m, err := c.Registry.Metrics(cmd.Context(), id)
		if err != nil {
			return err
		}

		duration := "-"
		if m.Duration != nil {
			duration = m.Duration.Round(time.Second).String()
		}
		languages := "-"
		if len(m.Languages) > 0 {
			languages = strings.Join(m.Languages, ", ")
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Session %s (%s)\n", m.MeetingID, m.Status)
		fmt.Fprintf(out, "  Active participants: %d\n", m.ActiveParticipants)
		fmt.Fprintf(out, "  Total participants: %d\n", m.TotalParticipants)
		fmt.Fprintf(out, "  Languages: %s\n", languages)
		fmt.Fprintf(out, "  Transcript lines: %d\n", m.TranscriptCount)
		fmt.Fprintf(out, "  Translated characters: %d\n", m.TranslatedChars)
		fmt.Fprintf(out, "  Started: %s\n", cli.FormatTime(m.StartTime))
		fmt.Fprintf(out, "  Ended: %s\n", cli.FormatTime(m.EndTime))
		fmt.Fprintf(out, "  Duration: %s\n", duration)
		return nil
	},
}
