// Package telemetry holds the gateway's Prometheus metrics and OpenTelemetry tracer.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects per-turn counters for the gateway.
//
// Each Metrics owns a private registry so several instances (one per test)
// never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	// OverlayReconcile counts overlay reconciliations.
	// Labels: action (none|updated|created|fallback)
	OverlayReconcile *prometheus.CounterVec

	// ToolBridgeOps counts remote tool operations.
	// Labels: op (add|remove|update|cached|list), result (ok|error)
	ToolBridgeOps *prometheus.CounterVec

	// AgentInvocations counts calls to the remote agent.
	// Labels: mode (stream|complete), result (ok|error|empty)
	AgentInvocations *prometheus.CounterVec

	// SessionStoreSize is the current number of live session records.
	SessionStoreSize prometheus.Gauge

	// RequestDuration measures a full turn in seconds.
	// Labels: mode (stream|complete)
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers all collectors on a fresh registry, plus the Go and
// process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		OverlayReconcile: f.NewCounterVec(prometheus.CounterOpts{
			Name: "overlay_reconcile_total",
			Help: "Overlay reconciliations by resulting action",
		}, []string{"action"}),
		ToolBridgeOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "toolbridge_ops_total",
			Help: "Remote tool operations by kind and result",
		}, []string{"op", "result"}),
		AgentInvocations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_invocations_total",
			Help: "Remote agent invocations by mode and result",
		}, []string{"mode", "result"}),
		SessionStoreSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "session_store_size",
			Help: "Live session records",
		}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "End-to-end turn latency",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"mode"}),
	}
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ToolOps records the counts of one sync result.
func (m *Metrics) ToolOps(added, removed, updated, failed int, cached bool) {
	if m == nil {
		return
	}
	if cached {
		m.ToolBridgeOps.WithLabelValues("cached", "ok").Inc()
		return
	}
	m.ToolBridgeOps.WithLabelValues("add", "ok").Add(float64(added))
	m.ToolBridgeOps.WithLabelValues("remove", "ok").Add(float64(removed))
	m.ToolBridgeOps.WithLabelValues("update", "ok").Add(float64(updated))
	if failed > 0 {
		m.ToolBridgeOps.WithLabelValues("sync", "error").Add(float64(failed))
	}
}
