package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/schedhook/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the intake service",
	Long:  `Check the health status of the intake service and its queue connection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, code, err := checkHealth()
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, st)
		} else if st.OK {
			fmt.Fprintln(out, "✓ Service is healthy")
		} else {
			fmt.Fprintf(out, "✗ Service is unhealthy (HTTP %d): %s\n", code, st.Message)
		}
		if !st.OK {
			return fmt.Errorf("service unhealthy")
		}
		return nil
	},
}

func checkHealth() (health.Status, int, error) {
	resp, err := makeHTTPRequest("GET", "/healthz", nil)
	if err != nil {
		return health.Status{}, 0, err
	}
	defer resp.Body.Close()

	var st health.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return health.Status{}, resp.StatusCode, fmt.Errorf("decode health response: %w", err)
	}
	return st, resp.StatusCode, nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
