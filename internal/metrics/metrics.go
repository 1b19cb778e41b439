// Package metrics exposes Prometheus counters for the questionnaire pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "questionpipe"

// Metrics holds the service counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	inbound          *prometheus.CounterVec
	routeOutcomes    *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	outboundFailures *prometheus.CounterVec
	dedupPurged      prometheus.Counter
}

// New registers the counters on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		inbound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound patient messages by message kind.",
		}, []string{"kind"}),
		routeOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_outcomes_total",
			Help:      "Routing results for inbound messages.",
		}, []string{"outcome"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "questionnaire_transitions_total",
			Help:      "Questionnaire state machine steps by result.",
		}, []string{"result"}),
		outboundFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_failures_total",
			Help:      "Failed outbound sends by operation.",
		}, []string{"operation"}),
		dedupPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_records_purged_total",
			Help:      "Inbound dedup records removed by housekeeping.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) InboundReceived(kind string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(kind).Inc()
}

func (m *Metrics) RouteOutcome(outcome string) {
	if m == nil {
		return
	}
	m.routeOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Transition(result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(result).Inc()
}

func (m *Metrics) OutboundFailed(operation string) {
	if m == nil {
		return
	}
	m.outboundFailures.WithLabelValues(operation).Inc()
}

func (m *Metrics) DedupPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.dedupPurged.Add(float64(n))
}
