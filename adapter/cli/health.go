package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/interpreta/pkg/observability"
)

var healthJSON bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run the health checks once and print the result",
	Long: `Build the application from the current environment, run every
registered health check (store, broadcast bus, broker, policy) and print
the outcome. Exits non-zero when any check is unhealthy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := Container(cmd.Context())
		if err != nil {
			return err
		}
		overall := c.Health.Check(cmd.Context())
		out := cmd.OutOrStdout()
		if healthJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(overall); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(out, "status: %s\n", overall.Status)
			for _, name := range sortedKeys(overall.Checks) {
				result := overall.Checks[name]
				fmt.Fprintf(out, "  %-10s %-9s %s\n", name, result.Status, result.Message)
			}
		}
		if overall.Status == observability.HealthStatusUnhealthy {
			return fmt.Errorf("unhealthy")
		}
		return nil
	},
}

func init() {
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "print JSON")
	rootCmd.AddCommand(healthCmd)
}
