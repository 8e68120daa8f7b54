// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "whiteboard"

// Persist results.
const (
	PersistWritten = "written"
	PersistSkipped = "skipped"
	PersistFailed  = "failed"
)

// Metrics groups the collectors. A nil *Metrics records nothing.
type Metrics struct {
	actions          *prometheus.CounterVec
	dropped          *prometheus.CounterVec
	persist          *prometheus.CounterVec
	broadcastSkipped prometheus.Counter
	sessions         prometheus.Gauge
	connections      prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Drawing actions applied, by type.",
		}, []string{"type"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_dropped_total",
			Help:      "Inbound messages dropped, by reason.",
		}, []string{"reason"}),
		persist: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_total",
			Help:      "Snapshot persistence attempts, by result.",
		}, []string{"result"}),
		broadcastSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_skipped_total",
			Help:      "Recipients skipped because their channel was closed or full.",
		}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Sessions with at least one member.",
		}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		gatherer: reg,
	}
}

func (m *Metrics) ActionApplied(actionType string) {
	if m != nil {
		m.actions.WithLabelValues(actionType).Inc()
	}
}

func (m *Metrics) ActionDropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Persisted(result string) {
	if m != nil {
		m.persist.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) BroadcastSkipped() {
	if m != nil {
		m.broadcastSkipped.Inc()
	}
}

func (m *Metrics) SetSessions(n int) {
	if m != nil {
		m.sessions.Set(float64(n))
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
