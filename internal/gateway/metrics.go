package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors for proxy decisions.
type Metrics struct {
	requests         *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	trustDecisions   *prometheus.CounterVec
	callDecisions    *prometheus.CounterVec
	quarantineRuns   *prometheus.CounterVec
	quarantineRounds prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archestra",
			Name:      "proxy_requests_total",
			Help:      "Chat completion requests by response status and stream mode.",
		}, []string{"status", "stream"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "archestra",
			Name:      "proxy_request_duration_seconds",
			Help:      "End-to-end chat completion latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stream"}),
		trustDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archestra",
			Name:      "trust_decisions_total",
			Help:      "Tool result classifications by decision.",
		}, []string{"decision"}),
		callDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archestra",
			Name:      "tool_call_decisions_total",
			Help:      "Proposed tool call batches by outcome.",
		}, []string{"outcome"}),
		quarantineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archestra",
			Name:      "quarantine_sessions_total",
			Help:      "Dual-LLM sanitization sessions by outcome.",
		}, []string{"outcome"}),
		quarantineRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "archestra",
			Name:      "quarantine_rounds_total",
			Help:      "Completed question rounds across all sanitization sessions.",
		}),
	}
	reg.MustRegister(m.requests, m.duration, m.trustDecisions, m.callDecisions, m.quarantineRuns, m.quarantineRounds)
	return m
}

// The methods below accept a nil receiver so the gateway runs without metrics.

func (m *Metrics) observeRequest(status int, stream bool, seconds float64) {
	if m == nil {
		return
	}
	s := boolLabel(stream)
	m.requests.WithLabelValues(statusLabel(status), s).Inc()
	m.duration.WithLabelValues(s).Observe(seconds)
}

func (m *Metrics) trustDecision(decision string) {
	if m != nil {
		m.trustDecisions.WithLabelValues(decision).Inc()
	}
}

func (m *Metrics) callDecision(outcome string) {
	if m != nil {
		m.callDecisions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) quarantineSession(outcome string, rounds int) {
	if m == nil {
		return
	}
	m.quarantineRuns.WithLabelValues(outcome).Inc()
	m.quarantineRounds.Add(float64(rounds))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
