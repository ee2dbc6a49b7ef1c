package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variables the dispatcher cannot run without.
const (
	EnvTargetARN = "SCHEDULER_TARGET_ARN"
	EnvRoleARN   = "SCHEDULER_ROLE_ARN"
	EnvDLQARN    = "SCHEDULER_DLQ_ARN"
)

type Scheduler struct {
	TargetARN             string        // ARN the schedule invokes
	RoleARN               string        // Execution role the scheduler assumes
	DLQARN                string        // Dead-letter queue for failed invocations
	TargetInput           string        // Fallback Target.Input when the request carries none
	GroupName             string        // Optional schedule group
	ActionAfterCompletion string        // Optional, e.g. DELETE
	Endpoint              string        // Overrides https://scheduler.<region>.amazonaws.com
	HTTPTimeout           time.Duration // 0 leaves cancellation to the caller's context
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. nsqd:4151
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	RequestsTopic  string // NSQ topic for schedule requests
	DLQTopic       string // Dead letter topic for failed dispatches
	WorkerChannel  string // NSQ channel name for dispatch workers
}

type Worker struct {
	MaxInFlight int    // Concurrent dispatches per worker
	PublishDLQ  bool   // Whether to publish failed dispatches to the DLQ topic
	HTTPPort    string // Worker HTTP health/metrics port
}

type Intake struct {
	HTTPPort     string // :8080
	JWTPublicKey string // PEM; takes precedence over JWKSURL
	JWKSURL      string // fetched once at startup when no PEM is set
	JWTKeyID     string // kid to select from the JWKS; first signing key when empty
	JWTIssuer    string
	JWTAudience  string
	MaxBodyBytes int64
}

type Monitor struct {
	NsqdHTTPAddr string        // nsqd stats endpoint, host:port or URL
	Port         string        // Monitor HTTP port
	PollInterval time.Duration // Time between stats polls
}

type FakeScheduler struct {
	AccessKeyID          string        // Credentials the fake expects requests to be signed with
	SecretAccessKey      string        // Empty disables signature verification
	Region               string        // Region in the credential scope
	SigningLeewaySeconds int           // Allowed X-Amz-Date skew in seconds
	ForceStatus          int           // Respond with this status for every request when non-zero
	ResponseDelayMS      int           // Simulated response delay in milliseconds
	Port                 string        // Server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	AppName       string
	Scheduler     Scheduler
	NSQ           NSQ
	Worker        Worker
	Intake        Intake
	Monitor       Monitor
	FakeScheduler FakeScheduler
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName:   getenv("APP_NAME", "schedhook"),
		Scheduler: SchedulerFromEnv(),
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			RequestsTopic:  getenv("NSQ_REQUESTS_TOPIC", "schedule_requests"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "schedule_requests_dlq"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "dispatchers"),
		},
		Worker: Worker{
			MaxInFlight: getenvInt("WORKER_MAX_IN_FLIGHT", 100),
			PublishDLQ:  getenvBool("PUBLISH_DLQ_TOPIC", true),
			HTTPPort:    ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
		Intake: Intake{
			HTTPPort:     getenv("HTTP_PORT", ":8080"),
			JWTPublicKey: getenv("JWT_PUBLIC_KEY", ""),
			JWKSURL:      getenv("JWT_JWKS_URL", ""),
			JWTKeyID:     getenv("JWT_KEY_ID", ""),
			JWTIssuer:    getenv("JWT_ISSUER", "schedhook"),
			JWTAudience:  getenv("JWT_AUDIENCE", "schedhook-intake"),
			MaxBodyBytes: getenvInt64("INTAKE_MAX_BODY_BYTES", 1<<20),
		},
		Monitor: Monitor{
			NsqdHTTPAddr: getenv("NSQD_HOST", getenv("NSQD_HTTP_ADDR", "nsqd:4151")),
			Port:         ":" + getenv("PORT", "8084"),
			PollInterval: time.Duration(getenvInt("POLL_INTERVAL_SECONDS", 15)) * time.Second,
		},
		FakeScheduler: FakeScheduler{
			AccessKeyID:          getenv("FAKE_SCHEDULER_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getenv("FAKE_SCHEDULER_SECRET_ACCESS_KEY", ""),
			Region:               getenv("FAKE_SCHEDULER_REGION", "us-east-1"),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ForceStatus:          getenvInt("FAKE_SCHEDULER_STATUS", 0),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 getenv("FAKE_SCHEDULER_PORT", ":8081"),
			ReadTimeout:          getenvDuration("FAKE_SCHEDULER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_SCHEDULER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_SCHEDULER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

// SchedulerFromEnv reads only the dispatcher settings. Lambda hosts call it once per
// invocation so nothing is cached between dispatches.
func SchedulerFromEnv() Scheduler {
	return Scheduler{
		TargetARN:             os.Getenv(EnvTargetARN),
		RoleARN:               os.Getenv(EnvRoleARN),
		DLQARN:                os.Getenv(EnvDLQARN),
		TargetInput:           getenv("SCHEDULER_TARGET_INPUT", ""),
		GroupName:             getenv("SCHEDULER_GROUP_NAME", ""),
		ActionAfterCompletion: getenv("SCHEDULER_ACTION_AFTER_COMPLETION", ""),
		Endpoint:              getenv("SCHEDULER_ENDPOINT", ""),
		HTTPTimeout:           getenvDuration("SCHEDULER_HTTP_TIMEOUT", 0),
	}
}

// MissingTargets returns the names of the required ARN variables that are unset.
func (s Scheduler) MissingTargets() []string {
	var missing []string
	if s.TargetARN == "" {
		missing = append(missing, EnvTargetARN)
	}
	if s.RoleARN == "" {
		missing = append(missing, EnvRoleARN)
	}
	if s.DLQARN == "" {
		missing = append(missing, EnvDLQARN)
	}
	return missing
}

// EndpointFor returns the scheduler API base URL for region.
func (s Scheduler) EndpointFor(region string) string {
	if s.Endpoint != "" {
		return s.Endpoint
	}
	return fmt.Sprintf("https://scheduler.%s.amazonaws.com", region)
}
