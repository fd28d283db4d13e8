// Package metrics holds the Prometheus collectors of the session core.
//
// A nil *Metrics is valid and records nothing, so library users that do not
// care about metrics never have to construct one.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tollgate"

// Metrics groups the collectors.
type Metrics struct {
	refreshes        *prometheus.CounterVec
	refreshWaiters   prometheus.Histogram
	pipelineRequests *prometheus.CounterVec
	pipelineRetries  prometheus.Counter
	transitions      *prometheus.CounterVec
	gatewayDuration  *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Token refresh calls by outcome.",
		}, []string{"outcome"}),
		refreshWaiters: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_waiters",
			Help:      "Callers sharing one refresh call.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		pipelineRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_requests_total",
			Help:      "Requests executed through the pipeline by final status class.",
		}, []string{"status"}),
		pipelineRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_retries_total",
			Help:      "Requests resent after a credential refresh.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions.",
		}, []string{"from", "to", "reason"}),
		gatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Authority round-trip latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.refreshes, m.refreshWaiters, m.pipelineRequests,
			m.pipelineRetries, m.transitions, m.gatewayDuration)
	}
	return m
}

// ObserveRefresh records a finished refresh job shared by waiters callers.
func (m *Metrics) ObserveRefresh(outcome string, waiters int) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
	m.refreshWaiters.Observe(float64(waiters))
}

// ObservePipeline records the final status of a pipeline request.
func (m *Metrics) ObservePipeline(status string, retried bool) {
	if m == nil {
		return
	}
	m.pipelineRequests.WithLabelValues(status).Inc()
	if retried {
		m.pipelineRetries.Inc()
	}
}

// ObserveTransition records a state change.
func (m *Metrics) ObserveTransition(from, to, reason string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, reason).Inc()
}

// ObserveGateway records one authority round trip.
func (m *Metrics) ObserveGateway(operation, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.gatewayDuration.WithLabelValues(operation, outcome).Observe(took.Seconds())
}

// StatusClass buckets an HTTP status into "2xx", "4xx" and so on.
func StatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "error"
	}
}
