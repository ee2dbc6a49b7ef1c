package dispatch

import (
	"context"
	"errors"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/schedhook/internal/awsenv"
	"github.com/austindbirch/schedhook/internal/config"
	"github.com/austindbirch/schedhook/internal/logging"
	"github.com/austindbirch/schedhook/internal/metrics"
	"github.com/austindbirch/schedhook/internal/schedule"
	"github.com/austindbirch/schedhook/internal/signer"
	"github.com/austindbirch/schedhook/internal/tracing"
)

// RegionResolver returns the region schedules are created in.
type RegionResolver func(ctx context.Context) (string, error)

// Dispatcher creates one-time schedules. It holds no per-request state; region and
// credentials are resolved again on every call unless overridden.
type Dispatcher struct {
	cfg         config.Scheduler
	region      RegionResolver
	credentials func() aws.CredentialsProvider
	client      func() *http.Client
	clock       clock.Clock
	logger      *logging.Logger
}

type Option func(*Dispatcher)

func WithRegionResolver(r RegionResolver) Option {
	return func(d *Dispatcher) { d.region = r }
}

// WithRegion pins the region.
func WithRegion(region string) Option {
	return WithRegionResolver(func(context.Context) (string, error) { return region, nil })
}

func WithCredentials(p aws.CredentialsProvider) Option {
	return func(d *Dispatcher) { d.credentials = func() aws.CredentialsProvider { return p } }
}

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = func() *http.Client { return c } }
}

func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func New(cfg config.Scheduler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg: cfg,
		region: func(ctx context.Context) (string, error) {
			return awsenv.ResolveRegion(ctx, awsenv.OptionsFromEnv())
		},
		credentials: func() aws.CredentialsProvider {
			return awsenv.DefaultChain(awsenv.OptionsFromEnv())
		},
		clock:  clock.New(),
		logger: logging.New("dispatcher"),
	}
	d.client = func() *http.Client { return newHTTPClient(cfg.HTTPTimeout) }
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch creates the schedule described by req with exactly one HTTP request.
// On failure the returned Result carries StatusFailed alongside the error.
func (d *Dispatcher) Dispatch(ctx context.Context, req schedule.Request) (schedule.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.create_schedule",
		attribute.String("schedule.name", req.Name),
		attribute.String("schedule.expression", req.ScheduleExpression),
	)
	defer span.End()

	start := d.clock.Now()
	result, err := d.dispatch(ctx, req)
	latency := d.clock.Since(start)

	metrics.RecordDispatch(string(result.Status), latency)
	span.SetAttributes(attribute.String("schedule.status", string(result.Status)))

	log := d.logger.WithContext(ctx).WithSchedule(req.Name).WithField("latency_ms", latency.Milliseconds())
	if err != nil {
		reason := Reason(err)
		metrics.RecordRejection(reason)
		tracing.SetSpanError(ctx, err)

		log = log.WithError(err).WithField("reason", reason)
		var rej *ServiceRejection
		if errors.As(err, &rej) {
			log = log.WithField("status_code", rej.StatusCode).WithField("response_body", rej.Body)
		}
		log.Error("create schedule failed")
		return result, err
	}

	log.Info("schedule created")
	return result, nil
}

// Sign runs every step of a dispatch up to and including signing, and returns the
// request that Dispatch would send along with its body. Nothing is sent.
func (d *Dispatcher) Sign(ctx context.Context, req schedule.Request) (*http.Request, []byte, error) {
	return d.prepare(ctx, req)
}

func (d *Dispatcher) dispatch(ctx context.Context, req schedule.Request) (schedule.Result, error) {
	failed := schedule.Result{PK: req.Name, Status: schedule.StatusFailed}

	httpReq, _, err := d.prepare(ctx, req)
	if err != nil {
		return failed, err
	}

	status, respBody, err := send(d.client(), httpReq)
	if err != nil {
		return failed, err
	}
	metrics.RecordHTTPResponse(status)
	tracing.AddSpanEvent(ctx, "scheduler.response", attribute.Int("http.status_code", status))

	return classify(req.Name, status, respBody)
}

func (d *Dispatcher) prepare(ctx context.Context, req schedule.Request) (*http.Request, []byte, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	// Targets come before region so a misconfigured host never touches the network.
	targets, err := TargetsFromConfig(d.cfg)
	if err != nil {
		return nil, nil, err
	}

	region, err := d.region(ctx)
	if err != nil {
		return nil, nil, &ConfigurationError{Key: "region", Err: err}
	}
	if region == "" {
		return nil, nil, &ConfigurationError{Key: "region", Err: awsenv.ErrNoRegion}
	}

	body, err := BuildBody(req, targets)
	if err != nil {
		return nil, nil, err
	}

	cr, err := NewCanonicalRequest(d.cfg.EndpointFor(region), req.Name, body)
	if err != nil {
		return nil, nil, err
	}

	creds, err := d.credentials().Retrieve(ctx)
	if err != nil {
		return nil, nil, &SigningError{Err: err}
	}
	tracing.AddSpanEvent(ctx, "credentials.resolved", attribute.String("credentials.source", creds.Source))

	httpReq, err := toHTTPRequest(ctx, cr)
	if err != nil {
		return nil, nil, err
	}

	s := signer.New(d.clock)
	if err := s.Sign(ctx, httpReq, cr.Body, s.Context(region, creds)); err != nil {
		return nil, nil, &SigningError{Err: err}
	}
	return httpReq, cr.Body, nil
}
