package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/benbjohnson/clock"

	"github.com/austindbirch/schedhook/internal/config"
	"github.com/austindbirch/schedhook/internal/dispatch"
	"github.com/austindbirch/schedhook/internal/logging"
	"github.com/austindbirch/schedhook/internal/signer"
)

// fakeScheduler stands in for the CreateSchedule API: it checks SigV4 signatures,
// rejects duplicate names with 409 and otherwise answers 200.
type fakeScheduler struct {
	cfg    config.FakeScheduler
	clock  clock.Clock
	logger *logging.Logger

	mu    sync.Mutex
	names map[string]dispatch.CreateScheduleInput
}

func newFakeScheduler(cfg config.FakeScheduler, clk clock.Clock) *fakeScheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &fakeScheduler{
		cfg:    cfg,
		clock:  clk,
		logger: logging.New("fake-scheduler"),
		names:  make(map[string]dispatch.CreateScheduleInput),
	}
}

type apiError struct {
	Type    string `json:"__type"`
	Message string `json:"Message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeScheduler) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("POST /schedules/{name}", f.createSchedule)
	return mux
}

func (f *fakeScheduler) createSchedule(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Type: "ValidationException", Message: "unreadable body"})
		return
	}

	if f.cfg.ResponseDelayMS > 0 {
		select {
		case <-f.clock.After(time.Duration(f.cfg.ResponseDelayMS) * time.Millisecond):
		case <-r.Context().Done():
			return
		}
	}

	log := f.logger.WithContext(r.Context()).WithSchedule(name)

	if f.cfg.SecretAccessKey != "" {
		creds := aws.Credentials{AccessKeyID: f.cfg.AccessKeyID, SecretAccessKey: f.cfg.SecretAccessKey}
		leeway := time.Duration(f.cfg.SigningLeewaySeconds) * time.Second
		if err := signer.Verify(r, body, creds, f.cfg.Region, signer.Service, leeway, f.clock.Now()); err != nil {
			log.WithError(err).Warn("signature rejected")
			writeJSON(w, http.StatusUnauthorized, apiError{Type: "InvalidSignatureException", Message: err.Error()})
			return
		}
	}

	if f.cfg.ForceStatus != 0 {
		log.WithField("status", f.cfg.ForceStatus).Info("forced response")
		writeJSON(w, f.cfg.ForceStatus, apiError{Type: "ForcedStatus", Message: http.StatusText(f.cfg.ForceStatus)})
		return
	}

	var in dispatch.CreateScheduleInput
	if err := json.Unmarshal(body, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Type: "ValidationException", Message: "body is not valid JSON"})
		return
	}
	if in.ClientToken != name || in.Target.Arn == "" || in.Target.RoleArn == "" {
		writeJSON(w, http.StatusBadRequest, apiError{Type: "ValidationException", Message: "ClientToken, Target.Arn and Target.RoleArn are required"})
		return
	}

	f.mu.Lock()
	_, exists := f.names[name]
	if !exists {
		f.names[name] = in
	}
	f.mu.Unlock()

	if exists {
		log.Info("duplicate schedule")
		writeJSON(w, http.StatusConflict, apiError{Type: "ConflictException", Message: fmt.Sprintf("Schedule %s already exists.", name)})
		return
	}

	log.WithField("expression", in.ScheduleExpression).Info("schedule created")
	writeJSON(w, http.StatusOK, map[string]string{
		"ScheduleArn": fmt.Sprintf("arn:aws:scheduler:%s:000000000000:schedule/default/%s", f.cfg.Region, name),
	})
}

func main() {
	cfg := config.FromEnv()
	f := newFakeScheduler(cfg.FakeScheduler, nil)
	logger := logging.New("fake-scheduler")

	srv := &http.Server{
		Addr:         cfg.FakeScheduler.Port,
		Handler:      f.routes(),
		ReadTimeout:  cfg.FakeScheduler.ReadTimeout,
		WriteTimeout: cfg.FakeScheduler.WriteTimeout,
		IdleTimeout:  cfg.FakeScheduler.IdleTimeout,
	}
	go func() {
		logger.Plain().WithField("addr", srv.Addr).WithField("verify", cfg.FakeScheduler.SecretAccessKey != "").Info("fake-scheduler listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("fake-scheduler serve failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	_ = srv.Shutdown(context.Background())
}
