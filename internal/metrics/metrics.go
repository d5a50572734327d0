// Package metrics owns the Prometheus collectors for the gateway. A Metrics
// value is constructed per registry so tests can use isolated registries.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "contentgen"

// Metrics groups every collector the gateway exports.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpInflight        prometheus.Gauge

	runsTotal     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	activeOps     prometheus.Gauge

	retriesTotal     *prometheus.CounterVec
	retriesExhausted *prometheus.CounterVec

	sessionsActive prometheus.Gauge
	messagesTotal  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"path", "method", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"path", "method", "status"},
		),
		httpInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "In-flight HTTP requests",
		}),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "runs_total",
				Help:      "Pipeline runs by outcome",
			},
			[]string{"outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "stage_duration_seconds",
				Help:      "Upstream model call duration per pipeline stage",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
			},
			[]string{"stage"},
		),
		activeOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "active_operations",
			Help:      "Generation ids currently admitted",
		}),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "retries_total",
				Help:      "Retries scheduled against the upstream",
			},
			[]string{"host", "status"},
		),
		retriesExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "retries_exhausted_total",
				Help:      "Upstream calls that failed after every retry",
			},
			[]string{"host"},
		),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "sessions_active",
			Help:      "Open websocket sessions",
		}),
		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ws",
				Name:      "messages_total",
				Help:      "Envelopes exchanged over websocket sessions",
			},
			[]string{"direction", "type"},
		),
	}

	reg.MustRegister(
		m.httpRequestsTotal, m.httpRequestDuration, m.httpInflight,
		m.runsTotal, m.stageDuration, m.activeOps,
		m.retriesTotal, m.retriesExhausted,
		m.sessionsActive, m.messagesTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RetryScheduled counts a retry against host after a retryable status.
func (m *Metrics) RetryScheduled(host string, status int) {
	m.retriesTotal.WithLabelValues(host, strconv.Itoa(status)).Inc()
}

// RetriesExhausted counts a call that ran out of attempts.
func (m *Metrics) RetriesExhausted(host string) {
	m.retriesExhausted.WithLabelValues(host).Inc()
}

// RunFinished counts a pipeline run outcome.
func (m *Metrics) RunFinished(outcome string) {
	m.runsTotal.WithLabelValues(outcome).Inc()
}

// ObserveStage records an upstream call duration for stage.
func (m *Metrics) ObserveStage(stage string, seconds float64) {
	m.stageDuration.WithLabelValues(stage).Observe(seconds)
}

// ActiveOperations is the gauge the operation registry reports into.
func (m *Metrics) ActiveOperations() prometheus.Gauge {
	return m.activeOps
}

// SessionOpened and SessionClosed track open websocket sessions.
func (m *Metrics) SessionOpened() { m.sessionsActive.Inc() }

func (m *Metrics) SessionClosed() { m.sessionsActive.Dec() }

// MessageReceived counts an inbound envelope.
func (m *Metrics) MessageReceived(msgType string) {
	m.messagesTotal.WithLabelValues("in", msgType).Inc()
}

// MessageSent counts an outbound envelope.
func (m *Metrics) MessageSent(msgType string) {
	m.messagesTotal.WithLabelValues("out", msgType).Inc()
}
