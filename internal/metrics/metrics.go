package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsNormalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedhook_requests_normalized_total",
			Help: "Total number of change records turned into schedule requests.",
		},
		[]string{"source"}, // lambda, intake, cli
	)

	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedhook_dispatches_total",
			Help: "Total number of CreateSchedule dispatches by result status.",
		},
		[]string{"status"}, // SCHEDULED, FAILED
	)

	DispatchLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "schedhook_dispatch_latency_seconds",
			Help:    "Time from dispatch start to classified response.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	HTTPResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedhook_scheduler_http_responses_total",
			Help: "Responses received from the scheduler API by status code.",
		},
		[]string{"code"},
	)

	RejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedhook_rejections_total",
			Help: "Total number of failed dispatches by reason.",
		},
		[]string{"reason"}, // e.g. config, signing, timeout, http_409, http_5xx
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedhook_dlq_total",
			Help: "Total number of requests moved to the DLQ topic.",
		},
		[]string{"reason"},
	)

	QueueBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "schedhook_queue_backlog",
			Help: "Messages waiting on the requests topic.",
		},
	)

	NSQChannelDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "schedhook_nsq_channel_depth",
			Help: "Depth of an NSQ channel.",
		},
		[]string{"topic", "channel"},
	)

	NSQChannelInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "schedhook_nsq_channel_in_flight",
			Help: "In-flight messages on an NSQ channel.",
		},
		[]string{"topic", "channel"},
	)
)

// MustRegister registers every schedhook collector with reg.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		RequestsNormalizedTotal,
		DispatchesTotal,
		DispatchLatencySeconds,
		HTTPResponsesTotal,
		RejectionsTotal,
		DLQTotal,
		QueueBacklog,
		NSQChannelDepth,
		NSQChannelInFlight,
	)
}

func RecordNormalized(source string, n int) {
	RequestsNormalizedTotal.WithLabelValues(source).Add(float64(n))
}

func RecordDispatch(status string, latency time.Duration) {
	DispatchesTotal.WithLabelValues(status).Inc()
	DispatchLatencySeconds.WithLabelValues(status).Observe(latency.Seconds())
}

// RecordHTTPResponse counts a response by status code. Transport failures never reach it.
func RecordHTTPResponse(code int) {
	HTTPResponsesTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

func RecordRejection(reason string) {
	RejectionsTotal.WithLabelValues(reason).Inc()
}

func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

func UpdateQueueBacklog(count float64) {
	QueueBacklog.Set(count)
}

func UpdateChannel(topic, channel string, depth, inFlight float64) {
	NSQChannelDepth.WithLabelValues(topic, channel).Set(depth)
	NSQChannelInFlight.WithLabelValues(topic, channel).Set(inFlight)
}
