// Package metrics exposes Prometheus collectors for chat turns, agent calls
// and registry writes. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gene_analysis"

// Metrics holds the service collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	turns          *prometheus.CounterVec
	agentQueueWait prometheus.Histogram
	agentDuration  *prometheus.HistogramVec
	chainStores    *prometheus.CounterVec
	activeSessions prometheus.Gauge
	activeStreams  prometheus.Gauge
}

// New registers collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		gatherer: reg,
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_turns_total",
			Help:      "Chat turns by final status.",
		}, []string{"status"}),
		agentQueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_queue_wait_seconds",
			Help:      "Time spent waiting for the agent worker.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		agentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_invocation_seconds",
			Help:      "Agent run duration by outcome.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"outcome"}),
		chainStores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_store_total",
			Help:      "Research registry writes by outcome.",
		}, []string{"outcome"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Chat sessions currently stored.",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Chat turns currently streaming.",
		}),
	}
	reg.MustRegister(
		m.turns,
		m.agentQueueWait,
		m.agentDuration,
		m.chainStores,
		m.activeSessions,
		m.activeStreams,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// TurnFinished counts a chat turn by its done status (or "error").
func (m *Metrics) TurnFinished(status string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(status).Inc()
}

// AgentQueued records how long a request waited for the agent.
func (m *Metrics) AgentQueued(d time.Duration) {
	if m == nil {
		return
	}
	m.agentQueueWait.Observe(d.Seconds())
}

// AgentFinished records one agent run.
func (m *Metrics) AgentFinished(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.agentDuration.WithLabelValues(outcome(err)).Observe(d.Seconds())
}

// RegistryStored counts a registry write attempt.
func (m *Metrics) RegistryStored(err error) {
	if m == nil {
		return
	}
	m.chainStores.WithLabelValues(outcome(err)).Inc()
}

// SetActiveSessions sets the stored session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// StreamStarted increments the streaming gauge; call the returned func when done.
func (m *Metrics) StreamStarted() func() {
	if m == nil {
		return func() {}
	}
	m.activeStreams.Inc()
	return m.activeStreams.Dec
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
