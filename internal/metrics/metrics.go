// Package metrics exposes Prometheus instrumentation for the backend client
// and the polling coordinator. All Record methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the daemon.
type Metrics struct {
	// Requests counts backend calls by endpoint and outcome (ok or error kind).
	Requests *prometheus.CounterVec
	// RequestDuration tracks backend call latency by endpoint.
	RequestDuration *prometheus.HistogramVec
	// Auth counts authentication exchanges by outcome.
	Auth *prometheus.CounterVec
	// PollCycles counts coordinator cycles by outcome.
	PollCycles *prometheus.CounterVec
	// ResourceFetches counts per-resource fetch outcomes.
	ResourceFetches *prometheus.CounterVec
	// SnapshotTimestamp is the unix time of the latest published snapshot.
	SnapshotTimestamp prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all collectors on a private registry.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of backend requests",
			},
			[]string{"endpoint", "outcome"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Backend request latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
			},
			[]string{"endpoint"},
		),
		Auth: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_total",
				Help:      "Total number of authentication exchanges",
			},
			[]string{"outcome"},
		),
		PollCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_cycles_total",
				Help:      "Total number of poll cycles",
			},
			[]string{"outcome"},
		),
		ResourceFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_fetch_total",
				Help:      "Total number of resource fetches",
			},
			[]string{"resource", "outcome"},
		),
		SnapshotTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "snapshot_timestamp_seconds",
				Help:      "Unix time of the latest published snapshot",
			},
		),
	}

	registry.MustRegister(
		m.Requests,
		m.RequestDuration,
		m.Auth,
		m.PollCycles,
		m.ResourceFetches,
		m.SnapshotTimestamp,
	)

	return m
}

// Handler returns a Prometheus handler for these metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest records one backend call.
func (m *Metrics) RecordRequest(endpoint, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(endpoint, outcome).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// RecordAuth records one authentication exchange.
func (m *Metrics) RecordAuth(outcome string) {
	if m == nil {
		return
	}
	m.Auth.WithLabelValues(outcome).Inc()
}

// RecordCycle records one poll cycle.
func (m *Metrics) RecordCycle(outcome string) {
	if m == nil {
		return
	}
	m.PollCycles.WithLabelValues(outcome).Inc()
}

// RecordFetch records the outcome of one resource fetch.
func (m *Metrics) RecordFetch(resource, outcome string) {
	if m == nil {
		return
	}
	m.ResourceFetches.WithLabelValues(resource, outcome).Inc()
}

// SetSnapshotTime records the fetch time of the latest published snapshot.
func (m *Metrics) SetSnapshotTime(t time.Time) {
	if m == nil {
		return
	}
	m.SnapshotTimestamp.Set(float64(t.Unix()))
}
