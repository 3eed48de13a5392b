// Package metrics exposes toolpay's Prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters and the registry they are registered on.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	tokens      *prometheus.CounterVec
	settlements *prometheus.CounterVec
	invocations *prometheus.CounterVec
}

// New returns Metrics registered on a fresh registry, including the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolpay",
			Name:      "tokens_issued_total",
			Help:      "Access tokens issued, by grant type.",
		}, []string{"grant"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolpay",
			Name:      "settlements_total",
			Help:      "Payment gate outcomes.",
		}, []string{"outcome"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolpay",
			Name:      "invocations_total",
			Help:      "Tool invocations, by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.tokens,
		m.settlements,
		m.invocations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// TokenIssued implements auth.TokenRecorder.
func (m *Metrics) TokenIssued(grant string) {
	if m == nil {
		return
	}

	m.tokens.WithLabelValues(grant).Inc()
}

// Settlement implements payment.SettlementRecorder.
func (m *Metrics) Settlement(outcome string) {
	if m == nil {
		return
	}

	m.settlements.WithLabelValues(outcome).Inc()
}

// Invocation counts one tool call outcome.
func (m *Metrics) Invocation(outcome string) {
	if m == nil {
		return
	}

	m.invocations.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
