// Registers:
//
//	#feedflow_fetch_total{endpoint,outcome}
//	#feedflow_fetch_duration_seconds{endpoint}
//	#feedflow_quota_decisions_total{tier,decision}
//	#feedflow_persist_total{outcome}
//	#feedflow_stream_messages_total{stream}
//	#feedflow_alerts_total{kind}
//	#feedflow_circuit_state{source}
//	#feedflow_rotation_active_slots
//	#feedflow_queue_length{queue}
//	#go_* and process_* system metrics
//
// Handler exposes them for the dashboard's /metrics route.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"feedflow/models"
)

// Fetch outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeTransient = "transient"
	OutcomeAuth      = "auth"
	OutcomeSchema    = "schema"
	OutcomeQuota     = "quota"
	OutcomeDropped   = "dropped"
)

// Metrics owns a private Prometheus registry so tests and multiple
// orchestrators do not collide on the global one.
type Metrics struct {
	registry      *prometheus.Registry
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	quota         *prometheus.CounterVec
	persist       *prometheus.CounterVec
	streamMsgs    *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	circuit       *prometheus.GaugeVec
	activeSlots   prometheus.Gauge
	queues        *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedflow_fetch_total",
			Help: "Fetch attempts by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "feedflow_fetch_duration_seconds",
			Help:    "Upstream request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		quota: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedflow_quota_decisions_total",
			Help: "Rate limiter decisions by tier",
		}, []string{"tier", "decision"}),
		persist: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedflow_persist_total",
			Help: "Store writes by outcome",
		}, []string{"outcome"}),
		streamMsgs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedflow_stream_messages_total",
			Help: "Streaming messages received by stream",
		}, []string{"stream"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedflow_alerts_total",
			Help: "Alert events by kind",
		}, []string{"kind"}),
		circuit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "feedflow_circuit_state",
			Help: "Circuit state per source: 0 closed, 1 open, 2 half open",
		}, []string{"source"}),
		activeSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedflow_rotation_active_slots",
			Help: "Streaming slots holding a subscription",
		}),
		queues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "feedflow_queue_length",
			Help: "Pending work by queue",
		}, []string{"queue"}),
	}
	m.registry.MustRegister(
		m.fetches, m.fetchDuration, m.quota, m.persist, m.streamMsgs,
		m.alerts, m.circuit, m.activeSlots, m.queues,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveFetch(endpoint, outcome string, seconds float64) {
	m.fetches.WithLabelValues(endpoint, outcome).Inc()
	if seconds > 0 {
		m.fetchDuration.WithLabelValues(endpoint).Observe(seconds)
	}
}

// ObserveQuota matches the limiter's observer signature.
func (m *Metrics) ObserveQuota(tier models.Tier, granted bool) {
	decision := "deferred"
	if granted {
		decision = "granted"
	}
	m.quota.WithLabelValues(tier.String(), decision).Inc()
}

func (m *Metrics) ObservePersist(outcome string) {
	m.persist.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveStreamMessage(stream string) {
	m.streamMsgs.WithLabelValues(stream).Inc()
}

func (m *Metrics) SetActiveSlots(n int) {
	m.activeSlots.Set(float64(n))
}

func (m *Metrics) SetQueueLength(queue string, n int) {
	m.queues.WithLabelValues(queue).Set(float64(n))
}

// Emit counts alerts and tracks circuit state; it satisfies the reliability
// alert sink interface.
func (m *Metrics) Emit(ev models.AlertEvent) {
	m.alerts.WithLabelValues(string(ev.Kind)).Inc()
	if ev.Kind != models.AlertCircuitTransition {
		return
	}
	var state float64
	switch ev.NewState {
	case models.CircuitClosed.String():
		state = 0
	case models.CircuitOpen.String():
		state = 1
	case models.CircuitHalfOpen.String():
		state = 2
	default:
		return
	}
	m.circuit.WithLabelValues(ev.Source).Set(state)
	Publish(nil, Event{
		At:        ev.At,
		Component: "reliability",
		Name:      "circuit_state",
		Value:     state,
		Kind:      KindGauge,
		Labels:    map[string]string{"source": ev.Source, "from": ev.OldState},
	})
}
