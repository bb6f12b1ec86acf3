package session

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	transcriptsLanguage string
	transcriptsJSON     bool
)

var transcriptsCmd = &cobra.Command{
	Use:   "transcripts [session-id]",
	Short: "Print a session transcript",
	Long: `Print the transcript of a session. With --lang every line is shown in
that language when a translation exists, and in the original otherwise.

Examples:
  interpreta session transcripts 3f0c... --lang ro
  interpreta session transcripts 3f0c... --json > transcript.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseSessionID(args[0])
		if err != nil {
			return err
		}
		c, _, err := operator(cmd.Context())
		if err != nil {
			return err
		}
		lines, err := c.Pipeline.GetTranscripts(cmd.Context(), id, transcriptsLanguage)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if transcriptsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(lines)
		}
		if len(lines) == 0 {
			fmt.Fprintln(out, "No transcript yet.")
			return nil
		}
		for _, line := range lines {
			fmt.Fprintf(out, "[%s] #%d (%s) %s\n",
				line.CreatedAt.Local().Format("15:04:05"), line.Sequence, line.OriginalLanguage, line.Text)
		}
		return nil
	},
}

func init() {
	transcriptsCmd.Flags().StringVar(&transcriptsLanguage, "lang", "", "display language (default: original)")
	transcriptsCmd.Flags().BoolVar(&transcriptsJSON, "json", false, "print JSON")
}
