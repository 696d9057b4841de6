// Package metrics exposes engine counters and gauges to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "offline_sync"

// Gauges are sampled at scrape time.
type Gauges struct {
	OfflineQueue   func() float64
	RetryQueue     func() float64
	ActiveLocks    func() float64
	DegradedStores func() float64
	Online         func() float64
}

// Metrics tracks engine activity. Each engine owns its registry so several
// engines can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	events       *prometheus.CounterVec
	suppressed   *prometheus.CounterVec
	operations   *prometheus.CounterVec
	conflicts    *prometheus.CounterVec
	syncDuration prometheus.Histogram
	propagations prometheus.Counter
}

// New builds and registers the engine metrics.
func New(g Gauges) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events emitted on the bus, by name.",
		}, []string{"event"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_suppressed_total",
			Help:      "Emissions dropped by the debouncer, by reason.",
		}, []string{"reason"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Store operations by outcome.",
		}, []string{"store", "outcome"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Conflicts detected on reconnect, by strategy.",
		}, []string{"store", "strategy"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of reconnect and retry passes.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		propagations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dependency_updates_total",
			Help:      "Dependency update notifications sent to dependent stores.",
		}),
	}

	m.registry.MustRegister(m.events, m.suppressed, m.operations, m.conflicts, m.syncDuration, m.propagations)
	for name, fn := range map[string]func() float64{
		"offline_queue_size": g.OfflineQueue,
		"retry_queue_size":   g.RetryQueue,
		"active_sync_locks":  g.ActiveLocks,
		"degraded_stores":    g.DegradedStores,
		"online":             g.Online,
	} {
		if fn == nil {
			continue
		}
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      "Sampled engine gauge " + name + ".",
		}, fn))
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Event(name string) {
	m.events.WithLabelValues(name).Inc()
}

func (m *Metrics) Suppressed(reason string) {
	m.suppressed.WithLabelValues(reason).Inc()
}

func (m *Metrics) Operation(store, outcome string) {
	m.operations.WithLabelValues(store, outcome).Inc()
}

func (m *Metrics) Conflict(store, strategy string) {
	m.conflicts.WithLabelValues(store, strategy).Inc()
}

func (m *Metrics) SyncDuration(d time.Duration) {
	m.syncDuration.Observe(d.Seconds())
}

func (m *Metrics) Propagated(n int) {
	m.propagations.Add(float64(n))
}
