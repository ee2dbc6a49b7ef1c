package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/austindbirch/schedhook/internal/auth"
	"github.com/austindbirch/schedhook/internal/config"
	"github.com/austindbirch/schedhook/internal/health"
	"github.com/austindbirch/schedhook/internal/intake"
	"github.com/austindbirch/schedhook/internal/logging"
	"github.com/austindbirch/schedhook/internal/metrics"
	"github.com/austindbirch/schedhook/internal/tracing"
)

// newValidator returns nil when neither a PEM key nor a JWKS URL is configured.
func newValidator(ctx context.Context, cfg config.Intake) (*auth.JWTValidator, error) {
	switch {
	case cfg.JWTPublicKey != "":
		return auth.NewJWTValidator(cfg.JWTPublicKey, cfg.JWTIssuer, cfg.JWTAudience)
	case cfg.JWKSURL != "":
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		key, err := auth.FetchJWKS(ctx, cfg.JWKSURL, cfg.JWTKeyID)
		if err != nil {
			return nil, err
		}
		return auth.NewJWTValidatorFromKey(key, cfg.JWTIssuer, cfg.JWTAudience), nil
	}
	return nil, nil
}

// newMux wires the intake routes, health and metrics. validator may be nil.
func newMux(svc *intake.Server, pinger health.Pinger, reg *prometheus.Registry, validator *auth.JWTValidator) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pinger))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	svc.Register(mux)

	var h http.Handler = mux
	if validator != nil {
		h = validator.HTTPMiddleware(mux)
	}
	return otelhttp.NewHandler(h, "intake")
}

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()
	logger := logging.New("schedhook-intake")

	shutdown, err := tracing.InitTracing(ctx, "schedhook-intake")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer failed")
	}
	defer prod.Stop()

	validator, err := newValidator(ctx, cfg.Intake)
	if err != nil {
		logger.Plain().WithError(err).Fatal("JWT validator setup failed")
	}
	if validator == nil {
		logger.Plain().Warn("JWT auth disabled: set JWT_PUBLIC_KEY or JWT_JWKS_URL")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	svc := intake.NewServer(prod, cfg.NSQ.RequestsTopic, cfg.Intake.MaxBodyBytes)
	httpSrv := &http.Server{
		Addr:              cfg.Intake.HTTPPort,
		Handler:           newMux(svc, prod, reg, validator),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).WithField("topic", cfg.NSQ.RequestsTopic).Info("intake HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("intake stopped")
}
