// Package metrics métricas Prometheus del pipeline de facturación.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "facturacion"

// PipelineMetrics contadores de transiciones, llamadas al SRI y cola de tareas.
// Usa un registry propio para no mezclarse con el global.
type PipelineMetrics struct {
	registry *prometheus.Registry

	transitionsTotal      *prometheus.CounterVec
	authorityCallsTotal   *prometheus.CounterVec
	authorityCallDuration *prometheus.HistogramVec
	tasksTotal            *prometheus.CounterVec
	queueDepth            prometheus.Gauge
	lostWritesTotal       prometheus.Counter
}

// NewPipelineMetrics crea y registra las métricas.
func NewPipelineMetrics() *PipelineMetrics {
	m := &PipelineMetrics{registry: prometheus.NewRegistry()}

	m.transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "invoice",
			Name:      "transitions_total",
			Help:      "Cambios de estado persistidos por factura.",
		},
		[]string{"from", "to"},
	)
	m.authorityCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sri",
			Name:      "calls_total",
			Help:      "Llamadas a los web services del SRI por operación y resultado.",
		},
		[]string{"op", "outcome"},
	)
	m.authorityCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sri",
			Name:      "call_duration_seconds",
			Help:      "Duración de las llamadas SOAP al SRI.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"op"},
	)
	m.tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "tasks_total",
			Help:      "Tareas diferidas terminadas por estado final.",
		},
		[]string{"state"},
	)
	m.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Tareas encoladas pendientes de un worker.",
		},
	)
	m.lostWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "invoice",
			Name:      "lost_writes_total",
			Help:      "Actualizaciones descartadas por perder el compare-and-swap.",
		},
	)

	m.registry.MustRegister(
		m.transitionsTotal,
		m.authorityCallsTotal,
		m.authorityCallDuration,
		m.tasksTotal,
		m.queueDepth,
		m.lostWritesTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *PipelineMetrics) Transition(from, to string) {
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *PipelineMetrics) AuthorityCall(op, outcome string, d time.Duration) {
	m.authorityCallsTotal.WithLabelValues(op, outcome).Inc()
	m.authorityCallDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *PipelineMetrics) TaskFinished(state string) {
	m.tasksTotal.WithLabelValues(state).Inc()
}

func (m *PipelineMetrics) QueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

func (m *PipelineMetrics) LostWrite() {
	m.lostWritesTotal.Inc()
}

// Handler expone el registry en formato Prometheus.
func (m *PipelineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry acceso directo, usado en pruebas.
func (m *PipelineMetrics) Registry() *prometheus.Registry {
	return m.registry
}
