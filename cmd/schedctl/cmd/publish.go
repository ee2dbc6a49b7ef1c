package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

type publishResponse struct {
	Published int      `json:"published"`
	Names     []string `json:"names"`
	Error     string   `json:"error,omitempty"`
}

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Queue records or schedule requests through the intake service",
}

var publishRecordsCmd = &cobra.Command{
	Use:   "records [event-json|@file|-]",
	Short: "Publish a DynamoDB stream event",
	Long: `Send a DynamoDB stream event to the intake service. Every INSERT/MODIFY record is
normalized and queued for dispatch.

Example:
  schedctl publish records @testdata/insert.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return publishTo(cmd, "/v1/records", args[0])
	},
}

var publishScheduleCmd = &cobra.Command{
	Use:   "schedule [request-json|@file|-]",
	Short: "Publish a single schedule request",
	Long: `Send an already normalized schedule request to the intake service.

Example:
  schedctl request job-42 2026-11-01T09:00:00Z | schedctl publish schedule -`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return publishTo(cmd, "/v1/schedules", args[0])
	},
}

func publishTo(cmd *cobra.Command, path, arg string) error {
	data, err := readInput(arg, cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	pr, err := publish(path, data)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputJSON {
		printOutput(out, pr)
	} else {
		fmt.Fprintf(out, "Published %d request(s): %s\n", pr.Published, strings.Join(pr.Names, ", "))
	}
	return nil
}

func publish(path string, data []byte) (publishResponse, error) {
	resp, err := makeHTTPRequest("POST", path, data)
	if err != nil {
		return publishResponse{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return publishResponse{}, fmt.Errorf("read response: %w", err)
	}

	var pr publishResponse
	if resp.StatusCode != http.StatusAccepted {
		if json.Unmarshal(raw, &pr) == nil && pr.Error != "" {
			return pr, fmt.Errorf("HTTP error: %s: %s", resp.Status, pr.Error)
		}
		return pr, fmt.Errorf("HTTP error: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, &pr); err != nil {
		return pr, fmt.Errorf("decode response: %w", err)
	}
	return pr, nil
}

func init() {
	rootCmd.AddCommand(publishCmd)
	publishCmd.AddCommand(publishRecordsCmd)
	publishCmd.AddCommand(publishScheduleCmd)
}
