// Package metrics holds the Prometheus collectors for the ledger, dispute and
// HTTP layers. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry prometheus.Gatherer

	transitions   *prometheus.CounterVec
	disputeEvents *prometheus.CounterVec
	disputeOpened prometheus.Counter
	escalations   *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New registers every collector on reg. Passing a fresh registry keeps tests
// isolated from the process-wide default.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_transaction_transitions_total",
			Help: "Escrow transaction status transitions by source and target status",
		}, []string{"from", "to"}),
		disputeEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dispute_events_total",
			Help: "Dispute events appended by action type and actor type",
		}, []string{"action_type", "actor_type"}),
		disputeOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "dispute_cases_opened_total",
			Help: "Dispute cases opened",
		}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dispute_sla_escalations_total",
			Help: "SLA escalations recorded by deadline party",
		}, []string{"party"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route and status code",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"route", "code"}),
	}
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveDisputeEvent(actionType, actorType string) {
	if m == nil {
		return
	}
	m.disputeEvents.WithLabelValues(actionType, actorType).Inc()
}

func (m *Metrics) ObserveDisputeOpened() {
	if m == nil {
		return
	}
	m.disputeOpened.Inc()
}

func (m *Metrics) ObserveEscalation(party string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(party).Inc()
}

func (m *Metrics) ObserveHTTP(route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(route, strconv.Itoa(code)).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
