package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/schedhook/internal/schedule"
)

// TrafficConfig holds the configuration for traffic generation
type TrafficConfig struct {
	Duration      time.Duration `json:"duration"`
	Volume        int           `json:"volume"`         // Requests per second
	Prefix        string        `json:"prefix"`         // Schedule name prefix
	Lead          time.Duration `json:"lead"`           // How far in the future schedules fire
	ConflictRate  float64       `json:"conflict_rate"`  // Percentage of requests reusing an earlier name (0-100)
	JWKSHost      string        `json:"jwks_host"`      // Token issuer; empty keeps --token
	Subject       string        `json:"subject"`        // sub claim requested from the issuer
	Burst         bool          `json:"burst"`          // Whether to generate burst traffic after normal traffic
	BurstVolume   int           `json:"burst_volume"`   // Requests per second during burst
	BurstDuration time.Duration `json:"burst_duration"` // Duration of burst
}

// TrafficSummary holds the summary of generated traffic
type TrafficSummary struct {
	TotalRequests   int           `json:"total_requests"`
	SuccessRequests int           `json:"success_requests"`
	FailedRequests  int           `json:"failed_requests"`
	UniqueRequests  int           `json:"unique_requests"`   // Fresh names, expected to be scheduled
	ConflictReqs    int           `json:"conflict_requests"` // Reused names, expected to be rejected and dead-lettered
	NormalRequests  int           `json:"normal_requests"`
	BurstRequests   int           `json:"burst_requests"`
	TotalDuration   time.Duration `json:"total_duration"`
	OverallRPS      float64       `json:"overall_rps"`
	HadBurst        bool          `json:"had_burst"`
}

// trafficCmd represents the traffic command
var trafficCmd = &cobra.Command{
	Use:   "traffic",
	Short: "Generate test traffic for schedhook",
	Long: `Generate schedule requests against the intake service to exercise the
pipeline end to end. A share of requests can reuse earlier names so the scheduler
rejects them with 409 and the worker dead-letters them.`,
}

// generateCmd represents the generate subcommand
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Publish a stream of schedule requests",
	Long: `Publish schedule requests at a fixed rate for a fixed duration, optionally
followed by a burst.

Example:
  schedctl traffic generate --duration 60s --volume 10 --conflict-rate 5 --jwks localhost:8082`,
	RunE: runGenerateTraffic,
}

func init() {
	rootCmd.AddCommand(trafficCmd)
	trafficCmd.AddCommand(generateCmd)

	f := generateCmd.Flags()
	f.Duration("duration", 30*time.Second, "how long to generate traffic")
	f.Int("volume", 5, "requests per second")
	f.String("prefix", "load", "schedule name prefix")
	f.Duration("lead", time.Hour, "how far in the future schedules fire")
	f.Float64("conflict-rate", 0, "percentage of requests reusing an earlier name (0-100)")
	f.String("jwks", "", "token issuer host:port; fetches a token from /token when set")
	f.String("sub", "schedctl", "subject to request a token for")
	f.Bool("burst", false, "generate a burst after the normal phase")
	f.Int("burst-volume", 50, "requests per second during the burst")
	f.Duration("burst-duration", 10*time.Second, "burst duration")
}

func trafficConfigFromFlags(cmd *cobra.Command) (*TrafficConfig, error) {
	f := cmd.Flags()
	cfg := &TrafficConfig{}
	cfg.Duration, _ = f.GetDuration("duration")
	cfg.Volume, _ = f.GetInt("volume")
	cfg.Prefix, _ = f.GetString("prefix")
	cfg.Lead, _ = f.GetDuration("lead")
	cfg.ConflictRate, _ = f.GetFloat64("conflict-rate")
	cfg.JWKSHost, _ = f.GetString("jwks")
	cfg.Subject, _ = f.GetString("sub")
	cfg.Burst, _ = f.GetBool("burst")
	cfg.BurstVolume, _ = f.GetInt("burst-volume")
	cfg.BurstDuration, _ = f.GetDuration("burst-duration")

	if cfg.Volume <= 0 || (cfg.Burst && cfg.BurstVolume <= 0) {
		return nil, fmt.Errorf("volume must be positive")
	}
	if cfg.ConflictRate < 0 || cfg.ConflictRate > 100 {
		return nil, fmt.Errorf("conflict-rate must be between 0 and 100")
	}
	return cfg, nil
}

// runGenerateTraffic handles traffic generation
func runGenerateTraffic(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	printHeader(out, "schedhook traffic generator")

	cfg, err := trafficConfigFromFlags(cmd)
	if err != nil {
		return err
	}

	if cfg.JWKSHost != "" {
		printStep(out, "Getting JWT token...")
		token, err := getJWTToken(cfg.JWKSHost, cfg.Subject)
		if err != nil {
			return fmt.Errorf("failed to get JWT token: %w", err)
		}
		jwtToken = token
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	gen := &trafficGenerator{cfg: cfg, rng: rng, now: time.Now}

	printStep(out, fmt.Sprintf("Publishing %d req/s for %s", cfg.Volume, cfg.Duration))
	summary := gen.phase(out, cfg.Volume, cfg.Duration)
	summary.NormalRequests = summary.TotalRequests

	if cfg.Burst {
		printStep(out, fmt.Sprintf("Burst: %d req/s for %s", cfg.BurstVolume, cfg.BurstDuration))
		burst := gen.phase(out, cfg.BurstVolume, cfg.BurstDuration)
		summary = combineTrafficSummaries(summary, burst)
	}

	if outputJSON {
		printOutput(out, summary)
		return nil
	}
	printTrafficSummary(out, summary)
	return nil
}

// getJWTToken obtains a JWT token from the token issuer
func getJWTToken(jwksHost, subject string) (string, error) {
	client := &http.Client{Timeout: 10 * time.Second}

	payload, err := json.Marshal(map[string]string{"sub": subject})
	if err != nil {
		return "", fmt.Errorf("failed to marshal token request: %w", err)
	}

	url := jwksHost
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	resp, err := client.Post(strings.TrimRight(url, "/")+"/token", "application/json", strings.NewReader(string(payload)))
	if err != nil {
		return "", fmt.Errorf("failed to get token from %s: %w", jwksHost, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}

	var tokenResp struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResp.Token == "" {
		return "", fmt.Errorf("received empty token")
	}
	return tokenResp.Token, nil
}

type trafficGenerator struct {
	cfg   *TrafficConfig
	rng   *rand.Rand
	now   func() time.Time
	seq   int
	names []string
}

// next returns the request to publish and whether it reuses an earlier name.
func (g *trafficGenerator) next() (schedule.Request, bool) {
	var name string
	conflict := len(g.names) > 0 && g.cfg.ConflictRate > 0 && g.rng.Float64()*100 < g.cfg.ConflictRate
	if conflict {
		name = g.names[g.rng.Intn(len(g.names))]
	} else {
		g.seq++
		name = fmt.Sprintf("%s-%d-%d", g.cfg.Prefix, g.now().Unix(), g.seq)
		g.names = append(g.names, name)
	}

	at := g.now().Add(g.cfg.Lead).UTC().Format("2006-01-02T15:04:05")
	return schedule.Request{
		ClientToken:                name,
		Name:                       name,
		ScheduleExpression:         schedule.AtExpression(at),
		ScheduleExpressionTimezone: "UTC",
		TimeWindow:                 schedule.TimeWindow{Mode: schedule.TimeWindowOff},
	}, conflict
}

func (g *trafficGenerator) phase(out io.Writer, volume int, duration time.Duration) *TrafficSummary {
	startTime := time.Now()
	endTime := startTime.Add(duration)
	sleepDuration := time.Second / time.Duration(volume)

	s := &TrafficSummary{}
	fmt.Fprintf(out, "Progress: ")
	for time.Now().Before(endTime) {
		req, conflict := g.next()
		if conflict {
			s.ConflictReqs++
		} else {
			s.UniqueRequests++
		}

		if _, err := publish("/v1/schedules", mustJSON(req)); err == nil {
			s.SuccessRequests++
		}
		s.TotalRequests++

		if s.TotalRequests%10 == 0 {
			fmt.Fprint(out, ".")
		}
		time.Sleep(sleepDuration)
	}
	fmt.Fprintln(out)

	s.FailedRequests = s.TotalRequests - s.SuccessRequests
	s.TotalDuration = time.Since(startTime)
	if s.TotalDuration > 0 {
		s.OverallRPS = float64(s.TotalRequests) / s.TotalDuration.Seconds()
	}
	return s
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// combineTrafficSummaries combines normal and burst traffic summaries
func combineTrafficSummaries(normal, burst *TrafficSummary) *TrafficSummary {
	combined := *normal
	combined.HadBurst = true
	combined.TotalRequests += burst.TotalRequests
	combined.SuccessRequests += burst.SuccessRequests
	combined.FailedRequests += burst.FailedRequests
	combined.UniqueRequests += burst.UniqueRequests
	combined.ConflictReqs += burst.ConflictReqs
	combined.BurstRequests = burst.TotalRequests
	combined.TotalDuration = normal.TotalDuration + burst.TotalDuration
	if combined.TotalDuration.Seconds() > 0 {
		combined.OverallRPS = float64(combined.TotalRequests) / combined.TotalDuration.Seconds()
	}
	return &combined
}

// printTrafficSummary prints the final traffic generation summary
func printTrafficSummary(out io.Writer, s *TrafficSummary) {
	printHeader(out, "Traffic generation complete")

	pct := func(n int) float64 {
		if s.TotalRequests == 0 {
			return 0
		}
		return float64(n) / float64(s.TotalRequests) * 100
	}

	fmt.Fprintf(out, "Total Requests:    %d\n", s.TotalRequests)
	fmt.Fprintf(out, "Published:         %d (%.2f%%)\n", s.SuccessRequests, pct(s.SuccessRequests))
	fmt.Fprintf(out, "Publish Failures:  %d (%.2f%%)\n", s.FailedRequests, pct(s.FailedRequests))
	fmt.Fprintf(out, "Fresh Names:       %d (%.1f%%) - should be scheduled\n", s.UniqueRequests, pct(s.UniqueRequests))
	if s.ConflictReqs > 0 {
		fmt.Fprintf(out, "Reused Names:      %d (%.1f%%) - expect 409 and a DLQ envelope\n", s.ConflictReqs, pct(s.ConflictReqs))
	}
	if s.HadBurst {
		fmt.Fprintf(out, "Normal Phase:      %d requests\n", s.NormalRequests)
		fmt.Fprintf(out, "Burst Phase:       %d requests\n", s.BurstRequests)
	}
	fmt.Fprintf(out, "Duration:          %.2f seconds\n", s.TotalDuration.Seconds())
	fmt.Fprintf(out, "Overall RPS:       %.2f requests/second\n", s.OverallRPS)
	fmt.Fprintln(out)
	printInfo(out, "Watch schedhook_dispatches_total and schedhook_dlq_total on the worker's /metrics")
}

func printHeader(out io.Writer, msg string) {
	fmt.Fprintf(out, "\n\033[0;35m%s\033[0m\n", msg)
	fmt.Fprintln(out, "==============================================")
}

func printStep(out io.Writer, msg string) {
	fmt.Fprintf(out, "\033[0;34m==> %s\033[0m\n", msg)
}

func printInfo(out io.Writer, msg string) {
	fmt.Fprintf(out, "\033[0;36mℹ %s\033[0m\n", msg)
}
