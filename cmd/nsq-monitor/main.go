package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/schedhook/internal/config"
	"github.com/austindbirch/schedhook/internal/logging"
	"github.com/austindbirch/schedhook/internal/metrics"
	"github.com/austindbirch/schedhook/internal/nsqstats"
)

func newMonitor(cfg config.Config, logger *logging.Logger) *nsqstats.Monitor {
	return &nsqstats.Monitor{
		Client:   nsqstats.NewClient(cfg.Monitor.NsqdHTTPAddr),
		Topic:    cfg.NSQ.RequestsTopic,
		Channel:  cfg.NSQ.WorkerChannel,
		Interval: cfg.Monitor.PollInterval,
		Logger:   logger,
	}
}

func newMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	return mux
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("nsq-monitor")

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mon := newMonitor(cfg, logger)
	logger.Plain().WithFields(map[string]any{
		"nsqd":     cfg.Monitor.NsqdHTTPAddr,
		"topic":    mon.Topic,
		"channel":  mon.Channel,
		"interval": mon.Interval.String(),
	}).Info("NSQ monitor starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mon.Update(ctx); err != nil {
		logger.Plain().WithError(err).Warn("initial NSQ stats poll failed")
	}
	go mon.Run(ctx)

	srv := &http.Server{Addr: cfg.Monitor.Port, Handler: newMux(reg), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	cancel()
	_ = srv.Shutdown(context.Background())
}
