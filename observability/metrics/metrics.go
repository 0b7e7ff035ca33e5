// Package metrics collects the operational counters for the settlement
// engine, the reconciliation engine and the HTTP gateway on a private
// prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the daemon registers.
type Metrics struct {
	registry *prometheus.Registry

	transitions  *prometheus.CounterVec
	reconPasses  *prometheus.CounterVec
	reconRepairs *prometheus.CounterVec
	reconTiming  prometheus.Histogram

	httpRequests  *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec
}

// New builds and registers the collectors under the given namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "escrowd"
	}
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_transitions_total",
			Help:      "Settlement transitions attempted, by operation and result.",
		}, []string{"op", "result"}),
		reconPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recon_passes_total",
			Help:      "Reconciliation passes executed, by result.",
		}, []string{"result"}),
		reconRepairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recon_repairs_total",
			Help:      "Projection repairs applied during reconciliation, by action.",
		}, []string{"action"}),
		reconTiming: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recon_pass_duration_seconds",
			Help:      "Duration of reconciliation passes in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests processed by the gateway.",
		}, []string{"route", "method", "status"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	registry.MustRegister(m.transitions, m.reconPasses, m.reconRepairs, m.reconTiming, m.httpRequests, m.httpDurations)
	return m
}

// ObserveTransition implements the settlement engine's metrics sink.
func (m *Metrics) ObserveTransition(op, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(op, result).Inc()
}

// ObservePass implements the reconciliation engine's metrics sink.
func (m *Metrics) ObservePass(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.reconPasses.WithLabelValues(result).Inc()
	m.reconTiming.Observe(duration.Seconds())
}

// ObserveRepair counts a single projection correction.
func (m *Metrics) ObserveRepair(action string) {
	if m == nil {
		return
	}
	m.reconRepairs.WithLabelValues(action).Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route, method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, status).Inc()
	m.httpDurations.WithLabelValues(route, method).Observe(duration.Seconds())
}

// Handler exposes the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
