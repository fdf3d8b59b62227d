// Package promexport is the edge's Prometheus instrumentation: one
// collector registry plus the gauges/counters/histograms each component
// updates, exposed at /internal-backstage/metrics.
package promexport

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every collector this edge instance exposes. A fresh
// instance is created per process (not a package-level global) so tests can
// run several edges in one binary without collector-registration panics.
type Registry struct {
	Reg *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CacheEnvironments prometheus.Gauge
	RefreshFailures   *prometheus.CounterVec
	RefreshSuccesses  *prometheus.CounterVec

	DeltaLogDepth      *prometheus.GaugeVec
	SSESubscribers     *prometheus.GaugeVec

	MetricsFlushTotal *prometheus.CounterVec

	TokensByStatus *prometheus.GaugeVec
}

// New builds and registers every collector against a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		Reg: reg,
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unleash_edge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests handled by the edge, by route and status.",
		}, []string{"route", "method", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "unleash_edge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency, by route.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"route", "method"}),
		CacheEnvironments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "unleash_edge",
			Subsystem: "feature_cache",
			Name:      "environments",
			Help:      "Number of environments currently cached.",
		}),
		RefreshFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unleash_edge",
			Subsystem: "refresher",
			Name:      "failures_total",
			Help:      "Upstream refresh failures, by environment and outcome.",
		}, []string{"environment", "outcome"}),
		RefreshSuccesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unleash_edge",
			Subsystem: "refresher",
			Name:      "successes_total",
			Help:      "Successful upstream refresh ticks, by environment.",
		}, []string{"environment"}),
		DeltaLogDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "unleash_edge",
			Subsystem: "delta",
			Name:      "log_depth",
			Help:      "Retained delta event count, by environment.",
		}, []string{"environment"}),
		SSESubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "unleash_edge",
			Subsystem: "sse",
			Name:      "subscribers",
			Help:      "Connected SSE subscribers, by environment.",
		}, []string{"environment"}),
		MetricsFlushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unleash_edge",
			Subsystem: "metrics_aggregator",
			Name:      "flush_total",
			Help:      "Metrics flush attempts, by outcome (ok, retryable, fatal, skipped).",
		}, []string{"outcome"}),
		TokensByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "unleash_edge",
			Subsystem: "tokens",
			Name:      "count",
			Help:      "Registered tokens, by validation status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		r.HTTPRequestsTotal,
		r.HTTPRequestDuration,
		r.CacheEnvironments,
		r.RefreshFailures,
		r.RefreshSuccesses,
		r.DeltaLogDepth,
		r.SSESubscribers,
		r.MetricsFlushTotal,
		r.TokensByStatus,
	)
	return r
}

// ObserveHTTP records one completed request's outcome and latency.
func (r *Registry) ObserveHTTP(route, method, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(route, method).Observe(d.Seconds())
}
