package session

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/interpreta/internal/meetings/application/registry"
	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
)

var (
	createOwner           string
	createSource          string
	createTarget          string
	createType            string
	createMaxParticipants int
	createDuration        int
	createSuggestions     bool
	createRecording       bool
)

var createCmd = &cobra.Command{
	Use:   "create [title]",
	Short: "Create a scheduled session",
	Long: `Create a session owned by the operator, or by --owner. The session
starts when the first participant joins.

Examples:
  interpreta session create "Candidate interview" --target ro
  interpreta session create "Weekly sync" --type meeting --max-participants 8 --no-recording`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, operatorID, err := operator(cmd.Context())
		if err != nil {
			return err
		}
		owner := operatorID
		if createOwner != "" {
			if owner, err = uuid.Parse(createOwner); err != nil {
				return fmt.Errorf("invalid owner id %q: %w", createOwner, err)
			}
		}

		overrides := domain.SettingsOverrides{
			MeetingType:     createType,
			MaxParticipants: createMaxParticipants,
			DurationMinutes: createDuration,
		}
		if cmd.Flags().Changed("suggestions") {
			overrides.EnableSuggestions = &createSuggestions
		}
		if cmd.Flags().Changed("recording") {
			overrides.EnableRecording = &createRecording
		}

		view, err := c.Registry.CreateSession(cmd.Context(), registry.CreateSessionInput{
			Title:          args[0],
			OwnerID:        owner,
			SourceLanguage: createSource,
			TargetLanguage: createTarget,
			Settings:       overrides,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Created session: %s\n", view.ID)
		fmt.Fprintf(out, "  Join token: %s\n", view.JoinToken)
		fmt.Fprintf(out, "  Languages: %s -> %s\n", view.SourceLanguage, view.TargetLanguage)
		return nil
	},
}

func init() {
	createCmd.Flags().StringVar(&createOwner, "owner", "", "owner account id (default: the operator)")
	createCmd.Flags().StringVar(&createSource, "source", "", "source language (default en)")
	createCmd.Flags().StringVar(&createTarget, "target", "", "target language (default ro)")
	createCmd.Flags().StringVar(&createType, "type", "", "meeting type (interview, meeting)")
	createCmd.Flags().IntVar(&createMaxParticipants, "max-participants", 0, "participant limit (default from the plan)")
	createCmd.Flags().IntVar(&createDuration, "duration", 0, "planned duration in minutes (default 60)")
	createCmd.Flags().BoolVar(&createSuggestions, "suggestions", true, "enable reply suggestions")
	createCmd.Flags().BoolVar(&createRecording, "recording", true, "archive the transcript when the session ends")
}
