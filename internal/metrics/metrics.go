// Package metrics holds the Prometheus collectors for the enrichment
// pipeline. Collectors are registered with the default registry via promauto
// and exposed at /metrics by the control API.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Outbound HTTP
	SourceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enricher_source_requests_total",
			Help: "Total outbound requests to external sources by host and status code",
		},
		[]string{"host", "status_code"},
	)

	SourceRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enricher_source_request_duration_seconds",
			Help:    "Outbound request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"host"},
	)

	SourceRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enricher_source_rate_limited_total",
			Help: "429 responses by host and outcome (waited or deferred)",
		},
		[]string{"host", "outcome"},
	)

	// Pipeline
	EntitiesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enricher_entities_processed_total",
			Help: "Entities processed per job",
		},
		[]string{"job"},
	)

	SourceDeferrals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enricher_source_deferrals_total",
			Help: "Source calls skipped without error (circuit open, quota, rate limit, idempotency window)",
		},
		[]string{"source", "reason"},
	)

	SourceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enricher_source_errors_total",
			Help: "Per-item source errors by category",
		},
		[]string{"source", "category"},
	)

	BatchFlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enricher_batch_flush_duration_seconds",
			Help:    "Time to commit a buffered flush",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enricher_job_runs_total",
			Help: "Job runs by outcome",
		},
		[]string{"job", "outcome"},
	)

	JobStalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enricher_job_stalls_total",
			Help: "Stalled runs detected by the sweep",
		},
		[]string{"job", "restarted"},
	)

	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "enricher_circuit_state",
			Help: "Circuit breaker state per source (0 closed, 1 open, 2 half_open)",
		},
		[]string{"source"},
	)

	// Queues
	DLQEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enricher_dlq_events_total",
			Help: "Dead letter queue transitions",
		},
		[]string{"event"}, // "enqueued", "resolved", "retry_failed", "abandoned"
	)

	QuarantineEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enricher_quarantine_events_total",
			Help: "Quarantine entries by reason and event",
		},
		[]string{"reason", "event"},
	)

	// Backlogs, refreshed by the alert checker
	DLQBacklog = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "enricher_dlq_backlog",
			Help: "Dead letter entries by status at the last check",
		},
		[]string{"status"},
	)

	QuarantineBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "enricher_quarantine_backlog",
			Help: "Pending quarantine entries at the last check",
		},
	)

	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enricher_alerts_sent_total",
			Help: "Alerts delivered to the webhook",
		},
		[]string{"type"},
	)

	// Control API
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enricher_api_requests_total",
			Help: "Control API requests",
		},
		[]string{"method", "route", "status_code"},
	)
)

// RecordSourceRequest records one outbound HTTP round trip.
func RecordSourceRequest(host string, statusCode int, duration time.Duration) {
	code := "error"
	if statusCode > 0 {
		code = strconv.Itoa(statusCode)
	}
	SourceRequestsTotal.WithLabelValues(host, code).Inc()
	SourceRequestDuration.WithLabelValues(host).Observe(duration.Seconds())
}

// RecordDeferral counts a skipped source call.
func RecordDeferral(source, reason string) {
	SourceDeferrals.WithLabelValues(source, reason).Inc()
}

// RecordJobRun counts a finished job run.
func RecordJobRun(job string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	JobRuns.WithLabelValues(job, outcome).Inc()
}

// RecordStall counts a stall detected by the sweep.
func RecordStall(job string, restarted bool) {
	JobStalls.WithLabelValues(job, strconv.FormatBool(restarted)).Inc()
}

// SetCircuitState mirrors a breaker transition.
func SetCircuitState(source string, state int) {
	CircuitState.WithLabelValues(source).Set(float64(state))
}

// SetBacklog publishes queue depths from a monitoring snapshot.
func SetBacklog(dlqPending, dlqAbandoned, quarantinePending int) {
	DLQBacklog.WithLabelValues("pending").Set(float64(dlqPending))
	DLQBacklog.WithLabelValues("abandoned").Set(float64(dlqAbandoned))
	QuarantineBacklog.Set(float64(quarantinePending))
}
