package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/schedhook/internal/config"
	"github.com/austindbirch/schedhook/internal/dispatch"
	"github.com/austindbirch/schedhook/internal/health"
	"github.com/austindbirch/schedhook/internal/logging"
	"github.com/austindbirch/schedhook/internal/metrics"
	"github.com/austindbirch/schedhook/internal/nsqstats"
	"github.com/austindbirch/schedhook/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New("schedhook-worker")

	shutdown, err := tracing.InitTracing(ctx, "schedhook-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	if missing := cfg.Scheduler.MissingTargets(); len(missing) > 0 {
		// dispatches will fail with a configuration error and land in the DLQ
		logger.Plain().WithField("missing", missing).Warn("scheduler targets not configured")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	var dlqProducer *nsq.Producer
	if cfg.Worker.PublishDLQ {
		dlqProducer, err = nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		defer dlqProducer.Stop()
	}

	mux := http.NewServeMux()
	if dlqProducer != nil {
		mux.HandleFunc("/healthz", health.HTTPHandler(dlqProducer))
	} else {
		mux.HandleFunc("/healthz", health.HTTPHandler(nil))
	}
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.Worker.MaxInFlight
	consumer, err := nsq.NewConsumer(cfg.NSQ.RequestsTopic, cfg.NSQ.WorkerChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}

	h := &handler{
		ctx:      ctx,
		dispatch: dispatch.New(cfg.Scheduler, dispatch.WithLogger(logger)),
		dlqTopic: cfg.NSQ.DLQTopic,
		logger:   logger,
	}
	if dlqProducer != nil {
		h.dlq = dlqProducer
	}
	consumer.AddConcurrentHandlers(h, cfg.Worker.MaxInFlight)

	monitor := &nsqstats.Monitor{
		Client:   nsqstats.NewClient(cfg.NSQ.NsqdHTTPAddr),
		Topic:    cfg.NSQ.RequestsTopic,
		Channel:  cfg.NSQ.WorkerChannel,
		Interval: cfg.Monitor.PollInterval,
		Logger:   logging.New("schedhook-worker-monitor"),
	}
	go monitor.Run(ctx)

	// Connecting directly to nsqd creates the channel up front
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().WithField("topic", cfg.NSQ.RequestsTopic).Info("worker service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	consumer.Stop()
	<-consumer.StopChan
	cancel()
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker service stopped")
}
