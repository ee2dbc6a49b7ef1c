// Package intake accepts change-feed events and schedule requests over HTTP and
// queues them for the dispatch workers.
package intake

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/schedhook/internal/logging"
	"github.com/austindbirch/schedhook/internal/metrics"
	"github.com/austindbirch/schedhook/internal/normalize"
	"github.com/austindbirch/schedhook/internal/schedule"
	"github.com/austindbirch/schedhook/internal/tracing"
)

const (
	SourceRecord  = "record"
	SourceRequest = "request"
)

// Publisher is satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
}

type Server struct {
	pub          Publisher
	topic        string
	maxBodyBytes int64
	logger       *logging.Logger
	now          func() time.Time
}

// NewServer returns a Server publishing envelopes to topic.
func NewServer(pub Publisher, topic string, maxBodyBytes int64) *Server {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &Server{
		pub:          pub,
		topic:        topic,
		maxBodyBytes: maxBodyBytes,
		logger:       logging.New("intake"),
		now:          time.Now,
	}
}

// Register mounts the /v1 routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/records", s.PublishRecords)
	mux.HandleFunc("POST /v1/schedules", s.PublishSchedule)
}

type publishResponse struct {
	Published int      `json:"published"`
	Names     []string `json:"names"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// PublishRecords normalizes every INSERT/MODIFY record of a stream event and queues
// one request per record. Nothing is queued if any record is invalid.
func (s *Server) PublishRecords(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "intake.PublishRecords")
	defer span.End()

	body, err := s.readBody(w, r)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		writeError(w, http.StatusBadRequest, err)
		return
	}

	event, err := normalize.DecodeEvent(body)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		writeError(w, http.StatusBadRequest, err)
		return
	}

	reqs, err := normalize.FromEventAll(event)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	for _, req := range reqs {
		if err := req.Validate(); err != nil {
			tracing.SetSpanError(ctx, err)
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
	}
	metrics.RecordNormalized(SourceRecord, len(reqs))
	span.SetAttributes(attribute.Int("records_count", len(event.Records)), attribute.Int("requests_count", len(reqs)))

	names, err := s.publish(r, SourceRecord, reqs)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	writeJSON(w, http.StatusAccepted, publishResponse{Published: len(names), Names: names})
}

// PublishSchedule queues a single, already normalized request.
func (s *Server) PublishSchedule(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "intake.PublishSchedule")
	defer span.End()

	body, err := s.readBody(w, r)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var req schedule.Request
	if err := json.Unmarshal(body, &req); err != nil {
		tracing.SetSpanError(ctx, err)
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid schedule request: %w", err))
		return
	}
	span.SetAttributes(attribute.String("schedule.name", req.Name))

	if err := req.Validate(); err != nil {
		tracing.SetSpanError(ctx, err)
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	metrics.RecordNormalized(SourceRequest, 1)

	names, err := s.publish(r, SourceRequest, []schedule.Request{req})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	writeJSON(w, http.StatusAccepted, publishResponse{Published: len(names), Names: names})
}

func (s *Server) publish(r *http.Request, source string, reqs []schedule.Request) ([]string, error) {
	ctx, span := tracing.StartSpan(r.Context(), "nsq.publish",
		attribute.String("topic", s.topic),
		attribute.Int("task_count", len(reqs)),
	)
	defer span.End()

	traceHeaders := tracing.InjectTraceHeaders(ctx)
	names := make([]string, 0, len(reqs))
	for _, req := range reqs {
		env := schedule.Envelope{
			Request:      req,
			Source:       source,
			PublishedAt:  s.now().UTC().Format(time.RFC3339),
			TraceHeaders: traceHeaders,
		}
		b, err := json.Marshal(env)
		if err != nil {
			return names, fmt.Errorf("encode envelope: %w", err)
		}
		if err := s.pub.Publish(s.topic, b); err != nil {
			tracing.SetSpanError(ctx, err)
			s.logger.WithContext(ctx).WithSchedule(req.Name).WithError(err).Error("nsq publish failed")
			return names, fmt.Errorf("nsq publish: %w", err)
		}
		names = append(names, req.Name)
	}

	s.logger.WithContext(ctx).WithSource(source).WithField("count", len(names)).Info("schedule requests queued")
	return names, nil
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
