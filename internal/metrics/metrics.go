// Package metrics exposes the orchestrator's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector on one registry so tests can create
// isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	ExecutionsTotal    *prometheus.CounterVec
	EventsTotal        *prometheus.CounterVec
	QueueOverflowTotal *prometheus.CounterVec
	QueueDepth         *prometheus.GaugeVec
	RefreshesTotal     *prometheus.CounterVec
	DriverLatency      *prometheus.HistogramVec
	ActivePolicies     prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surgeguard_executions_total",
			Help: "Execution records by outcome and severity.",
		}, []string{"outcome", "severity"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surgeguard_events_total",
			Help: "Normalized events by kind.",
		}, []string{"kind"}),
		QueueOverflowTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surgeguard_queue_overflow_total",
			Help: "Runs dropped because a host queue was full.",
		}, []string{"host"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "surgeguard_queue_depth",
			Help: "Current queued runs per host.",
		}, []string{"host"}),
		RefreshesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surgeguard_inventory_refreshes_total",
			Help: "Inventory refreshes by host and result.",
		}, []string{"host", "result"}),
		DriverLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "surgeguard_driver_invoke_seconds",
			Help:    "Driver invocation latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"host", "capability"}),
		ActivePolicies: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "surgeguard_active_policies",
			Help: "Enabled policies currently loaded.",
		}),
	}

	m.registry.MustRegister(
		m.ExecutionsTotal,
		m.EventsTotal,
		m.QueueOverflowTotal,
		m.QueueDepth,
		m.RefreshesTotal,
		m.DriverLatency,
		m.ActivePolicies,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveInvoke records one driver call.
func (m *Metrics) ObserveInvoke(host, capability string, elapsed time.Duration) {
	m.DriverLatency.WithLabelValues(host, capability).Observe(elapsed.Seconds())
}

// RecordRefresh records an inventory refresh completion.
func (m *Metrics) RecordRefresh(host string, stale bool) {
	result := "ok"
	if stale {
		result = "stale"
	}
	m.RefreshesTotal.WithLabelValues(host, result).Inc()
}
