package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/austindbirch/schedhook/internal/config"
	"github.com/austindbirch/schedhook/internal/dispatch"
	"github.com/austindbirch/schedhook/internal/logging"
	"github.com/austindbirch/schedhook/internal/schedule"
)

// dispatchOptions are appended to every dispatcher the CLI builds.
var dispatchOptions []dispatch.Option

func newDispatcher() *dispatch.Dispatcher {
	cfg := config.SchedulerFromEnv()
	if endpoint != "" {
		cfg.Endpoint = endpoint
	}
	opts := []dispatch.Option{dispatch.WithLogger(logging.NewWithWriter("schedctl", io.Discard))}
	if region != "" {
		opts = append(opts, dispatch.WithRegion(region))
	}
	return dispatch.New(cfg, append(opts, dispatchOptions...)...)
}

func readRequest(arg string, stdin io.Reader) (schedule.Request, error) {
	data, err := readInput(arg, stdin)
	if err != nil {
		return schedule.Request{}, fmt.Errorf("failed to read request: %w", err)
	}
	var req schedule.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return schedule.Request{}, fmt.Errorf("invalid request JSON: %w", err)
	}
	return req, nil
}

// dispatchCmd represents the dispatch command
var dispatchCmd = &cobra.Command{
	Use:   "dispatch [request-json|@file|-]",
	Short: "Create a schedule directly with the scheduler API",
	Long: `Sign and send one CreateSchedule request for a schedule request. Targets are
read from SCHEDULER_TARGET_ARN, SCHEDULER_ROLE_ARN and SCHEDULER_DLQ_ARN; region and
credentials come from the AWS environment unless --region is given.

Example:
  schedctl request job-42 2026-11-01T09:00:00Z | schedctl dispatch -`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := readRequest(args[0], cmd.InOrStdin())
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		res, err := newDispatcher().Dispatch(ctx, req)
		out := cmd.OutOrStdout()
		if err != nil {
			if outputJSON {
				printOutput(out, map[string]any{
					"pk":          res.PK,
					"status":      res.Status,
					"reason":      dispatch.Reason(err),
					"status_code": dispatch.StatusCode(err),
					"error":       err.Error(),
				})
			} else {
				fmt.Fprintf(out, "✗ %s %s (%s)\n", res.PK, res.Status, dispatch.Reason(err))
			}
			return err
		}

		if outputJSON {
			printOutput(out, res)
		} else {
			fmt.Fprintf(out, "✓ %s %s\n", res.PK, res.Status)
		}
		return nil
	},
}

type signedRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// signCmd represents the sign command
var signCmd = &cobra.Command{
	Use:   "sign [request-json|@file|-]",
	Short: "Print the signed CreateSchedule request without sending it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := readRequest(args[0], cmd.InOrStdin())
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		httpReq, body, err := newDispatcher().Sign(ctx, req)
		if err != nil {
			return err
		}

		sr := signedRequest{
			Method:  httpReq.Method,
			URL:     httpReq.URL.String(),
			Headers: make(map[string]string, len(httpReq.Header)),
			Body:    body,
		}
		for k := range httpReq.Header {
			sr.Headers[k] = httpReq.Header.Get(k)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, sr)
			return nil
		}

		fmt.Fprintf(out, "%s %s\n", sr.Method, sr.URL)
		keys := make([]string, 0, len(sr.Headers))
		for k := range sr.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(out, "%s: %s\n", k, sr.Headers[k])
		}
		fmt.Fprintf(out, "\n%s\n", body)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(signCmd)
}
