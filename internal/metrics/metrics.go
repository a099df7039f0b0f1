// Package metrics exposes the ingestion pipeline's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors. The zero value is not usable; a nil
// *Metrics is, and records nothing.
type Metrics struct {
	gatherer        prometheus.Gatherer
	events          *prometheus.CounterVec
	processing      *prometheus.HistogramVec
	reconciliations *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return NewWith(reg, reg)
}

// NewWith registers the collectors on reg and serves them from g.
func NewWith(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	m := &Metrics{
		gatherer: g,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hookingest",
			Name:      "events_total",
			Help:      "Ingestion attempts by event type and terminal status.",
		}, []string{"event", "status"}),
		processing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hookingest",
			Name:      "processing_seconds",
			Help:      "Time from receipt to terminal status.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"event"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hookingest",
			Name:      "reconciliations_total",
			Help:      "Transcript reconciliation runs by result.",
		}, []string{"result"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hookingest",
			Name:      "queue_depth",
			Help:      "Length of the deferred work lists.",
		}, []string{"queue"}),
	}
	reg.MustRegister(m.events, m.processing, m.reconciliations, m.queueDepth)
	return m
}

// ObserveEvent records one ingestion attempt. event is "unknown" when the
// payload never yielded a valid type.
func (m *Metrics) ObserveEvent(event, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if event == "" {
		event = "unknown"
	}
	m.events.WithLabelValues(event, status).Inc()
	m.processing.WithLabelValues(event).Observe(elapsed.Seconds())
}

// ObserveReconciliation records a run as "ok", "scheduled" or "failed".
func (m *Metrics) ObserveReconciliation(result string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(result).Inc()
}

// SetQueueDepth records the length of a deferred work list.
func (m *Metrics) SetQueueDepth(queue string, n int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
