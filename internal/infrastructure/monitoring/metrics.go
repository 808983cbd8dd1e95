// Package monitoring exposes Prometheus metrics for the gateway.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Connection metrics
	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	ConnectionsDenied  *prometheus.CounterVec
	SourcesBlocked     prometheus.Counter
	MessagesTotal      *prometheus.CounterVec
	MessageDuration    *prometheus.HistogramVec

	// Auth metrics
	AuthAttempts  *prometheus.CounterVec
	TokensActive  prometheus.Gauge
	Lockouts      prometheus.Counter

	// Session metrics
	SessionsActive   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsReclaimed *prometheus.CounterVec

	// Pool metrics
	BackendsRegistered prometheus.Gauge
	BackendsHealthy    prometheus.Gauge
	BackendSelections  *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	CommandDuration    *prometheus.HistogramVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// New creates a new metrics collector.
func New() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections_active",
			Help: "Number of active client connections",
		}),
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Total number of client connections accepted",
		}),
		ConnectionsDenied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_connections_denied_total",
			Help: "Total number of connections denied at admission",
		}, []string{"reason"}),
		SourcesBlocked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sources_blocked_total",
			Help: "Total number of source addresses blocked",
		}),
		MessagesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_messages_total",
			Help: "Total number of protocol messages",
		}, []string{"type", "status"}),
		MessageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_message_duration_seconds",
			Help:    "Protocol message handling duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"type"}),

		AuthAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_auth_attempts_total",
			Help: "Total number of authentication attempts",
		}, []string{"outcome"}),
		TokensActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_tokens_active",
			Help: "Number of active bearer tokens",
		}),
		Lockouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_lockouts_total",
			Help: "Total number of account lockouts",
		}),

		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_sessions_active",
			Help: "Number of live sessions",
		}),
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsReclaimed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_sessions_reclaimed_total",
			Help: "Total number of sessions reclaimed by the sweep",
		}, []string{"reason"}),

		BackendsRegistered: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_backends_registered",
			Help: "Number of registered backend executors",
		}),
		BackendsHealthy: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_backends_healthy",
			Help: "Number of backends passing health checks",
		}),
		BackendSelections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_backend_selections_total",
			Help: "Total number of backend selection attempts",
		}, []string{"outcome"}),
		BreakerTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		}, []string{"to"}),
		CommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_command_duration_seconds",
			Help:    "Backend command execution duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"backend"}),

		Uptime: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_uptime_seconds",
			Help: "Gateway uptime in seconds",
		}),
	}

	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric.
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordMessage records a handled protocol message.
func (m *Metrics) RecordMessage(msgType, status string, duration time.Duration) {
	m.MessagesTotal.WithLabelValues(msgType, status).Inc()
	m.MessageDuration.WithLabelValues(msgType).Observe(duration.Seconds())
}

// RecordAuthAttempt records an authentication outcome.
func (m *Metrics) RecordAuthAttempt(outcome string) {
	m.AuthAttempts.WithLabelValues(outcome).Inc()
}

// RecordSelection records a backend selection outcome.
func (m *Metrics) RecordSelection(outcome string) {
	m.BackendSelections.WithLabelValues(outcome).Inc()
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(to string) {
	m.BreakerTransitions.WithLabelValues(to).Inc()
}

// RecordCommand records a backend command execution.
func (m *Metrics) RecordCommand(backend string, duration time.Duration) {
	m.CommandDuration.WithLabelValues(backend).Observe(duration.Seconds())
}
