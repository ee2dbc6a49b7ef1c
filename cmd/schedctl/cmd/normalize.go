package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/schedhook/internal/metrics"
	"github.com/austindbirch/schedhook/internal/normalize"
	"github.com/austindbirch/schedhook/internal/schedule"
)

// normalizeCmd represents the normalize command
var normalizeCmd = &cobra.Command{
	Use:   "normalize [event-json|@file|-]",
	Short: "Turn a DynamoDB stream event into schedule requests",
	Long: `Normalize a DynamoDB stream event (or a bare array of records) into the
schedule request the dispatcher consumes. Only the first record is used unless --all
is given.

Example:
  schedctl normalize @testdata/insert.json
  aws dynamodbstreams get-records ... | schedctl normalize --all -`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(args[0], cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}

		event, err := normalize.DecodeEvent(data)
		if err != nil {
			return err
		}

		all, _ := cmd.Flags().GetBool("all")
		var reqs []schedule.Request
		if all {
			if reqs, err = normalize.FromEventAll(event); err != nil {
				return err
			}
		} else {
			req, err := normalize.FromEvent(event)
			if err != nil {
				return err
			}
			reqs = []schedule.Request{req}
		}
		metrics.RecordNormalized("cli", len(reqs))

		out := cmd.OutOrStdout()
		if outputJSON {
			if all {
				printOutput(out, reqs)
			} else {
				printOutput(out, reqs[0])
			}
			return nil
		}
		for _, r := range reqs {
			fmt.Fprintf(out, "%s\t%s\t%s\n", r.Name, r.ScheduleExpression, r.ScheduleExpressionTimezone)
		}
		return nil
	},
}

// requestCmd builds a request by hand
var requestCmd = &cobra.Command{
	Use:   "request [name] [timestamp]",
	Short: "Build a schedule request",
	Long: `Build a one-time schedule request for name at timestamp. Timestamps in
RFC3339 are converted to UTC; zone-less timestamps are taken as UTC.

Example:
  schedctl request job-42 2026-11-01T09:00:00Z --input '{"pk":"job-42"}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, err := parseTimestamp(args[1])
		if err != nil {
			return err
		}
		input, _ := cmd.Flags().GetString("input")

		req := schedule.Request{
			ClientToken:                args[0],
			Name:                       args[0],
			ScheduleExpression:         schedule.AtExpression(ts),
			ScheduleExpressionTimezone: "UTC",
			TimeWindow:                 schedule.TimeWindow{Mode: schedule.TimeWindowOff},
			Input:                      input,
		}
		if err := req.Validate(); err != nil {
			return err
		}

		orig := outputJSON
		outputJSON = true
		defer func() { outputJSON = orig }()
		printOutput(cmd.OutOrStdout(), req)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(normalizeCmd)
	rootCmd.AddCommand(requestCmd)

	normalizeCmd.Flags().Bool("all", false, "normalize every INSERT/MODIFY record")
	requestCmd.Flags().String("input", "", "Target.Input payload for the schedule")
}
