// Package metrics exposes check-loop counters and gauges for Prometheus
// scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rootcanary"

// Metrics holds all Prometheus collectors for the canary. All operations are
// thread-safe via Prometheus's internal locking.
type Metrics struct {
	registry *prometheus.Registry

	// IterationsTotal counts completed iterations.
	// Labels: result (clean, drift, fault)
	IterationsTotal *prometheus.CounterVec

	// TablesCheckedTotal counts individual table checks.
	TablesCheckedTotal prometheus.Counter

	// MismatchRowsTotal counts mismatched rows found.
	// Labels: table
	MismatchRowsTotal *prometheus.CounterVec

	// AlertsTotal counts dispatched notifications.
	// Labels: kind (drift, error)
	AlertsTotal *prometheus.CounterVec

	// CheckDurationSeconds measures per-table check duration.
	// Labels: table
	CheckDurationSeconds *prometheus.HistogramVec

	// State reflects the loop state: 0 idle, 1 running, 2 recovering.
	State prometheus.Gauge

	// PinnedVersion is the materialization version checks run against.
	PinnedVersion prometheus.Gauge
}

// New creates the collectors on a private registry, so tests can build as
// many instances as they need.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,

		IterationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "iterations_total",
				Help:      "Completed check iterations by result",
			},
			[]string{"result"},
		),

		TablesCheckedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tables_checked_total",
				Help:      "Individual table checks performed",
			},
		),

		MismatchRowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mismatch_rows_total",
				Help:      "Sampled rows whose stored root id disagreed with the resolver",
			},
			[]string{"table"},
		),

		AlertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "Notifications dispatched by kind",
			},
			[]string{"kind"},
		),

		CheckDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "check_duration_seconds",
				Help:      "Per-table check duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"table"},
		),

		State: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "state",
				Help:      "Loop state: 0 idle, 1 running, 2 recovering",
			},
		),

		PinnedVersion: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pinned_version",
				Help:      "Materialization version checks currently run against",
			},
		),
	}
}

// Handler returns the scrape handler for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordIteration records a completed iteration.
// result: "clean", "drift", or "fault"
func (m *Metrics) RecordIteration(result string) {
	m.IterationsTotal.WithLabelValues(result).Inc()
}

// RecordCheck records one completed table check.
func (m *Metrics) RecordCheck(table string, mismatches int, seconds float64) {
	m.TablesCheckedTotal.Inc()
	m.CheckDurationSeconds.WithLabelValues(table).Observe(seconds)
	if mismatches > 0 {
		m.MismatchRowsTotal.WithLabelValues(table).Add(float64(mismatches))
	}
}

// RecordAlert records a dispatched notification.
// kind: "drift" or "error"
func (m *Metrics) RecordAlert(kind string) {
	m.AlertsTotal.WithLabelValues(kind).Inc()
}

// SetState sets the loop state gauge.
func (m *Metrics) SetState(state float64) {
	m.State.Set(state)
}

// SetPinnedVersion sets the pinned version gauge.
func (m *Metrics) SetPinnedVersion(version int) {
	m.PinnedVersion.Set(float64(version))
}
