package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/austindbirch/schedhook/internal/config"
	"github.com/austindbirch/schedhook/internal/dispatch"
	"github.com/austindbirch/schedhook/internal/health"
	"github.com/austindbirch/schedhook/internal/intake"
	"github.com/austindbirch/schedhook/internal/schedule"
)

const insertEvent = `{"Records":[
	{"eventID":"1","eventName":"INSERT","dynamodb":{"NewImage":{"pk":{"S":"job-1"},"date":{"S":"2026-11-01T09:00:00"}}}},
	{"eventID":"2","eventName":"MODIFY","dynamodb":{"NewImage":{"pk":{"S":"job-2"},"date":{"S":"2026-11-02T09:00:00"}}}}
]}`

const requestJSON = `{"clientToken":"job-42","name":"job-42","scheduleExpression":"at(2026-11-01T09:00:00)","scheduleExpressionTimezone":"UTC","timeWindow":{"mode":"OFF"}}`

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.PersistentFlags().VisitAll(reset)
	c.Flags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// run executes schedctl with args against fresh flag and viper state.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("JWT_TOKEN", "")

	viper.Reset()
	bindFlags()
	resetFlags(rootCmd)
	jwtToken = ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

type recordingPublisher struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (p *recordingPublisher) Publish(_ string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bodies = append(p.bodies, body)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bodies)
}

// intakeServer serves the real intake routes and requires token when non-empty.
func intakeServer(t *testing.T, token string) (*httptest.Server, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(nil))
	intake.NewServer(pub, "schedule_requests", 0).Register(mux)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, pub
}

func TestNormalizeCmd(t *testing.T) {
	out, err := run(t, "", "normalize", insertEvent)
	if err != nil {
		t.Fatalf("normalize error = %v", err)
	}
	if out != "job-1\tat(2026-11-01T09:00:00)\tUTC\n" {
		t.Errorf("output = %q", out)
	}

	out, err = run(t, insertEvent, "normalize", "--all", "--json", "-")
	if err != nil {
		t.Fatalf("normalize --all error = %v", err)
	}
	var reqs []schedule.Request
	if err := json.Unmarshal([]byte(out), &reqs); err != nil {
		t.Fatalf("invalid JSON output %q: %v", out, err)
	}
	if len(reqs) != 2 || reqs[1].Name != "job-2" || reqs[1].ClientToken != "job-2" {
		t.Errorf("requests = %+v", reqs)
	}

	if _, err := run(t, "", "normalize", `{"Records":[]}`); err == nil {
		t.Error("normalize accepted an empty event")
	}
}

func TestRequestCmd(t *testing.T) {
	out, err := run(t, "", "request", "job-42", "2026-11-01T10:00:00+01:00", "--input", `{"pk":"job-42"}`)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	var req schedule.Request
	if err := json.Unmarshal([]byte(out), &req); err != nil {
		t.Fatalf("invalid JSON output %q: %v", out, err)
	}
	if req.ScheduleExpression != "at(2026-11-01T09:00:00)" || req.Input != `{"pk":"job-42"}` || req.Validate() != nil {
		t.Errorf("request = %+v", req)
	}
}

func TestPublishCmds(t *testing.T) {
	srv, pub := intakeServer(t, "secret-token")

	out, err := run(t, requestJSON, "publish", "schedule", "-", "--server", srv.URL, "--token", "secret-token")
	if err != nil {
		t.Fatalf("publish schedule error = %v", err)
	}
	if !strings.Contains(out, "Published 1 request(s): job-42") {
		t.Errorf("output = %q", out)
	}

	out, err = run(t, "", "publish", "records", insertEvent, "--server", srv.URL, "--token", "secret-token", "--json")
	if err != nil {
		t.Fatalf("publish records error = %v", err)
	}
	var pr publishResponse
	if err := json.Unmarshal([]byte(out), &pr); err != nil || pr.Published != 2 {
		t.Errorf("publish records response = %q (err %v)", out, err)
	}
	if pub.count() != 3 {
		t.Errorf("queued %d envelopes, want 3", pub.count())
	}

	_, err = run(t, "", "publish", "schedule", `{"name":"a","clientToken":"b"}`, "--server", srv.URL, "--token", "secret-token")
	if err == nil || !strings.Contains(err.Error(), "422") {
		t.Errorf("invalid request error = %v, want 422", err)
	}

	_, err = run(t, requestJSON, "publish", "schedule", "-", "--server", srv.URL)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("missing token error = %v, want 401", err)
	}
}

func TestPublishCmd_TokenFromEnv(t *testing.T) {
	srv, pub := intakeServer(t, "env-token")

	t.Setenv("HOME", t.TempDir())
	viper.Reset()
	bindFlags()
	resetFlags(rootCmd)
	t.Setenv("JWT_TOKEN", "env-token")

	rootCmd.SetOut(io.Discard)
	rootCmd.SetIn(strings.NewReader(requestJSON))
	rootCmd.SetArgs([]string{"publish", "schedule", "-", "--server", srv.URL})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("publish with JWT_TOKEN error = %v", err)
	}
	if pub.count() != 1 {
		t.Errorf("queued %d envelopes", pub.count())
	}
	jwtToken = ""
}

func TestHealthCmd(t *testing.T) {
	srv, _ := intakeServer(t, "")

	out, err := run(t, "", "health", "--server", srv.URL)
	if err != nil {
		t.Fatalf("health error = %v", err)
	}
	if !strings.Contains(out, "Service is healthy") {
		t.Errorf("output = %q", out)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(health.Status{Message: "queue ping failed"})
	}))
	defer down.Close()
	if _, err := run(t, "", "health", "--server", down.URL); err == nil {
		t.Error("health succeeded against an unhealthy service")
	}
}

func setSchedulerEnv(t *testing.T) {
	t.Setenv(config.EnvTargetARN, "arn:aws:lambda:us-east-1:000000000000:function:fire")
	t.Setenv(config.EnvRoleARN, "arn:aws:iam::000000000000:role/scheduler")
	t.Setenv(config.EnvDLQARN, "arn:aws:sqs:us-east-1:000000000000:dlq")
	t.Setenv("SCHEDULER_ENDPOINT", "")

	orig := dispatchOptions
	dispatchOptions = []dispatch.Option{dispatch.WithCredentials(credentials.NewStaticCredentialsProvider("AKID", "secret", ""))}
	t.Cleanup(func() { dispatchOptions = orig })
}

func schedulerServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"Message":"x"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestDispatchCmd(t *testing.T) {
	setSchedulerEnv(t)

	t.Run("scheduled", func(t *testing.T) {
		srv, calls := schedulerServer(t, http.StatusOK)
		out, err := run(t, requestJSON, "dispatch", "-", "--region", "us-east-1", "--endpoint", srv.URL)
		if err != nil {
			t.Fatalf("dispatch error = %v", err)
		}
		if out != "✓ job-42 SCHEDULED\n" || calls.Load() != 1 {
			t.Errorf("output = %q calls = %d", out, calls.Load())
		}
	})

	t.Run("conflict", func(t *testing.T) {
		srv, calls := schedulerServer(t, http.StatusConflict)
		out, err := run(t, requestJSON, "dispatch", "-", "--region", "us-east-1", "--endpoint", srv.URL, "--json")
		if !errors.Is(err, dispatch.ErrServiceRejected) {
			t.Fatalf("dispatch error = %v, want rejection", err)
		}
		var got map[string]any
		if err := json.Unmarshal([]byte(out), &got); err != nil {
			t.Fatalf("invalid JSON output %q: %v", out, err)
		}
		if got["reason"] != "http_409" || got["status"] != "FAILED" || got["status_code"] != float64(409) {
			t.Errorf("output = %v", got)
		}
		if calls.Load() != 1 {
			t.Errorf("calls = %d, want 1", calls.Load())
		}
	})

	t.Run("missing targets", func(t *testing.T) {
		t.Setenv(config.EnvDLQARN, "")
		srv, calls := schedulerServer(t, http.StatusOK)
		_, err := run(t, requestJSON, "dispatch", "-", "--region", "us-east-1", "--endpoint", srv.URL)
		if !errors.Is(err, dispatch.ErrConfiguration) || calls.Load() != 0 {
			t.Errorf("error = %v calls = %d", err, calls.Load())
		}
	})
}

func TestSignCmd(t *testing.T) {
	setSchedulerEnv(t)
	srv, calls := schedulerServer(t, http.StatusOK)

	out, err := run(t, requestJSON, "sign", "-", "--region", "eu-west-1", "--endpoint", srv.URL, "--json")
	if err != nil {
		t.Fatalf("sign error = %v", err)
	}
	var sr signedRequest
	if err := json.Unmarshal([]byte(out), &sr); err != nil {
		t.Fatalf("invalid JSON output %q: %v", out, err)
	}
	if sr.Method != http.MethodPost || sr.URL != srv.URL+"/schedules/job-42" {
		t.Errorf("request line = %s %s", sr.Method, sr.URL)
	}
	if !strings.Contains(sr.Headers["Authorization"], "/eu-west-1/scheduler/aws4_request") {
		t.Errorf("Authorization = %q", sr.Headers["Authorization"])
	}
	var body dispatch.CreateScheduleInput
	if err := json.Unmarshal(sr.Body, &body); err != nil || body.ClientToken != "job-42" {
		t.Errorf("body = %s (err %v)", sr.Body, err)
	}
	if calls.Load() != 0 {
		t.Errorf("sign sent %d requests", calls.Load())
	}
}

func TestConfigSetAndView(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedctl.yaml")

	if _, err := run(t, "", "config", "set", "region", "eu-west-1", "--config", path); err != nil {
		t.Fatalf("config set error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "region: eu-west-1") {
		t.Errorf("config file = %q", data)
	}

	out, err := run(t, "", "config", "view", "--config", path)
	if err != nil {
		t.Fatalf("config view error = %v", err)
	}
	if !strings.Contains(out, "Region: eu-west-1") {
		t.Errorf("view output = %q", out)
	}

	if _, err := run(t, "", "config", "set", "colour", "blue", "--config", path); err == nil {
		t.Error("config set accepted an unknown key")
	}
	if _, err := run(t, "", "config", "set", "timeout", "soon", "--config", path); err == nil {
		t.Error("config set accepted a bad duration")
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "", "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "schedctl version ") {
		t.Errorf("output = %q", out)
	}
}

func TestTrafficGenerator_Next(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	g := &trafficGenerator{
		cfg: &TrafficConfig{Prefix: "load", Lead: time.Hour, ConflictRate: 100},
		rng: newTestRand(),
		now: func() time.Time { return now },
	}

	first, conflict := g.next()
	if conflict {
		t.Fatal("first request cannot reuse a name")
	}
	if first.Name != "load-1792400400-1" || first.ScheduleExpression != "at(2026-10-19T10:00:00)" || first.Validate() != nil {
		t.Errorf("first = %+v", first)
	}

	second, conflict := g.next()
	if !conflict || second.Name != first.Name {
		t.Errorf("second = %q conflict=%v, want reuse of %q", second.Name, conflict, first.Name)
	}

	g.cfg.ConflictRate = 0
	third, conflict := g.next()
	if conflict || third.Name == first.Name {
		t.Errorf("third = %q conflict=%v", third.Name, conflict)
	}
}

func TestTrafficGenerate(t *testing.T) {
	srv, pub := intakeServer(t, "issued-token")
	issuer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Sub string `json:"sub"`
		}
		if r.URL.Path != "/token" || json.NewDecoder(r.Body).Decode(&req) != nil || req.Sub != "load-test" {
			http.Error(w, "bad token request", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "issued-token", "expires_in": 60})
	}))
	defer issuer.Close()

	out, err := run(t, "", "traffic", "generate",
		"--server", srv.URL, "--jwks", issuer.URL, "--sub", "load-test",
		"--duration", "200ms", "--volume", "50", "--json")
	if err != nil {
		t.Fatalf("traffic generate error = %v", err)
	}

	idx := strings.Index(out, "{\n")
	if idx < 0 {
		t.Fatalf("no JSON summary in %q", out)
	}
	var summary TrafficSummary
	if err := json.Unmarshal([]byte(out[idx:]), &summary); err != nil {
		t.Fatalf("invalid summary: %v", err)
	}
	if summary.TotalRequests == 0 || summary.SuccessRequests != summary.TotalRequests {
		t.Errorf("summary = %+v", summary)
	}
	if pub.count() != summary.SuccessRequests {
		t.Errorf("queued %d, summary says %d", pub.count(), summary.SuccessRequests)
	}
}

func TestTrafficGenerate_BadFlags(t *testing.T) {
	if _, err := run(t, "", "traffic", "generate", "--volume", "0"); err == nil {
		t.Error("accepted zero volume")
	}
	if _, err := run(t, "", "traffic", "generate", "--conflict-rate", "150"); err == nil {
		t.Error("accepted conflict rate above 100")
	}
}

func newTestRand() *rand.Rand { return rand.New(rand.NewSource(1)) }
