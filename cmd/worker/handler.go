package main

import (
	"context"
	"encoding/json"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/schedhook/internal/dispatch"
	"github.com/austindbirch/schedhook/internal/logging"
	"github.com/austindbirch/schedhook/internal/metrics"
	"github.com/austindbirch/schedhook/internal/schedule"
	"github.com/austindbirch/schedhook/internal/tracing"
)

type scheduleDispatcher interface {
	Dispatch(ctx context.Context, req schedule.Request) (schedule.Result, error)
}

type publisher interface {
	Publish(topic string, body []byte) error
}

// handler dispatches one queued request per message. Every message is finished:
// a failed dispatch goes to the DLQ topic, never back on the queue.
type handler struct {
	ctx      context.Context
	dispatch scheduleDispatcher
	dlq      publisher // nil disables DLQ publishing
	dlqTopic string
	logger   *logging.Logger
}

func (h *handler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	defer func() {
		if !m.HasResponded() {
			h.logger.Plain().Warn("message had no response, finishing")
			m.Finish()
		}
	}()

	var env schedule.Envelope
	if err := json.Unmarshal(m.Body, &env); err != nil {
		h.logger.Plain().WithError(err).Error("bad envelope payload")
		metrics.RecordRejection("bad_payload")
		m.Finish() // terminal: nothing to dispatch or dead-letter
		return nil
	}

	ctx := tracing.ExtractTraceHeaders(h.ctx, env.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.dispatch",
		attribute.String("schedule.name", env.Request.Name),
		attribute.String("source", env.Source),
		attribute.Int("nsq.attempts", int(m.Attempts)),
	)
	defer span.End()

	result, err := h.dispatch.Dispatch(ctx, env.Request)
	if err == nil {
		span.SetAttributes(attribute.String("schedule.status", string(result.Status)))
		m.Finish()
		return nil
	}

	reason := dispatch.Reason(err)
	span.SetAttributes(attribute.String("failure_reason", reason))
	h.deadLetter(ctx, env.Request, err, reason)
	m.Finish()
	return nil
}

func (h *handler) deadLetter(ctx context.Context, req schedule.Request, err error, reason string) {
	metrics.RecordDLQ(reason)
	tracing.AddSpanEvent(ctx, "dispatch.dlq", attribute.String("reason", reason))

	log := h.logger.WithContext(ctx).WithSchedule(req.Name)
	if h.dlq == nil {
		log.WithField("reason", reason).Warn("dispatch failed, DLQ publishing disabled")
		return
	}

	env := schedule.NewDeadLetter(req, dispatch.StatusCode(err), err.Error(), reason)
	b, mErr := json.Marshal(env)
	if mErr != nil {
		log.WithError(mErr).Error("dlq encode failed")
		return
	}
	if pErr := h.dlq.Publish(h.dlqTopic, b); pErr != nil {
		log.WithError(pErr).Error("dlq publish failed")
		tracing.SetSpanError(ctx, pErr)
		return
	}
	log.WithField("topic", h.dlqTopic).WithField("reason", reason).Info("dlq published")
	tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("topic", h.dlqTopic))
}
