package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for Herald
type Metrics struct {
	// Message counters
	MessagesSentTotal     *prometheus.CounterVec
	MessagesFailedTotal   *prometheus.CounterVec
	MessagesDeferredTotal *prometheus.CounterVec
	MessagesSkippedTotal  *prometheus.CounterVec
	ReceiptsTotal         *prometheus.CounterVec
	PresenceTotal         *prometheus.CounterVec

	// Queue gauges
	QueueSize     *prometheus.GaugeVec
	QueueInFlight *prometheus.GaugeVec

	// Session and campaign state
	SessionStatus *prometheus.GaugeVec
	Campaigns     *prometheus.GaugeVec

	// Experiments
	ExperimentsEvaluatedTotal *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// Rate limiting
	RateLimitExceededTotal *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_messages_sent_total",
				Help: "Total number of messages accepted by the provider",
			},
			[]string{"account"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_messages_failed_total",
				Help: "Total number of recipients marked failed",
			},
			[]string{"account", "error_type"},
		),
		MessagesDeferredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_messages_deferred_total",
				Help: "Total number of send attempts put back into the queue",
			},
			[]string{"account", "reason"},
		),
		MessagesSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_messages_skipped_total",
				Help: "Total number of recipients skipped before sending",
			},
			[]string{"account"},
		),
		ReceiptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_receipts_total",
				Help: "Total number of delivery receipts applied",
			},
			[]string{"status"},
		),
		PresenceTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_presence_total",
				Help: "Presence emulation outcome per send",
			},
			[]string{"account", "outcome"},
		),

		QueueSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "herald_queue_size",
				Help: "Number of queued jobs by state",
			},
			[]string{"account", "state"},
		),
		QueueInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "herald_queue_in_flight",
				Help: "Whether a send is currently in progress",
			},
			[]string{"account"},
		),

		SessionStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "herald_session_status",
				Help: "Current session status, 1 for the active status",
			},
			[]string{"account", "status"},
		),
		Campaigns: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "herald_campaigns",
				Help: "Number of campaigns by status",
			},
			[]string{"status"},
		),

		ExperimentsEvaluatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_experiments_evaluated_total",
				Help: "Total number of A/B evaluations by result",
			},
			[]string{"result"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "herald_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "herald_ratelimit_exceeded_total",
				Help: "Total number of send attempts deferred by the rate limiter",
			},
			[]string{"account"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "herald_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "herald_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "herald_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.MessagesDeferredTotal,
		m.MessagesSkippedTotal,
		m.ReceiptsTotal,
		m.PresenceTotal,
		m.QueueSize,
		m.QueueInFlight,
		m.SessionStatus,
		m.Campaigns,
		m.ExperimentsEvaluatedTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitExceededTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncMessagesSent increments the sent message counter
func IncMessagesSent(account string) {
	m := Global()
	if m != nil {
		m.MessagesSentTotal.WithLabelValues(account).Inc()
	}
}

// IncMessagesFailed increments the failed message counter
func IncMessagesFailed(account, errorType string) {
	m := Global()
	if m != nil {
		m.MessagesFailedTotal.WithLabelValues(account, errorType).Inc()
	}
}

// IncMessagesDeferred increments the deferred message counter
func IncMessagesDeferred(account, reason string) {
	m := Global()
	if m != nil {
		m.MessagesDeferredTotal.WithLabelValues(account, reason).Inc()
	}
}

// AddMessagesSkipped adds to the skipped recipient counter
func AddMessagesSkipped(account string, n int) {
	m := Global()
	if m != nil && n > 0 {
		m.MessagesSkippedTotal.WithLabelValues(account).Add(float64(n))
	}
}

// IncReceipts increments the receipt counter
func IncReceipts(status string) {
	m := Global()
	if m != nil {
		m.ReceiptsTotal.WithLabelValues(status).Inc()
	}
}

// IncPresence increments the presence outcome counter
func IncPresence(account, outcome string) {
	m := Global()
	if m != nil {
		m.PresenceTotal.WithLabelValues(account, outcome).Inc()
	}
}

// IncExperimentsEvaluated increments the evaluation counter
func IncExperimentsEvaluated(result string) {
	m := Global()
	if m != nil {
		m.ExperimentsEvaluatedTotal.WithLabelValues(result).Inc()
	}
}

// IncRateLimitExceeded increments rate limit exceeded counter
func IncRateLimitExceeded(account string) {
	m := Global()
	if m != nil {
		m.RateLimitExceededTotal.WithLabelValues(account).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
