package async

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports task pipeline metrics in Prometheus format.
type Metrics struct {
	registry *prometheus.Registry

	tasksEnqueued  *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec
	tasksRetried   *prometheus.CounterVec
	tasksStopped   *prometheus.CounterVec
	tasksRecovered *prometheus.CounterVec

	handlerLatency *prometheus.HistogramVec
	workersBusy    prometheus.Gauge
}

// NewMetrics creates the task metric set. A nil registry creates a fresh one.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{registry: registry}

	m.tasksEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engram",
			Subsystem: "task",
			Name:      "enqueued_total",
			Help:      "Total number of tasks enqueued",
		},
		[]string{"kind"},
	)
	m.tasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engram",
			Subsystem: "task",
			Name:      "completed_total",
			Help:      "Total number of tasks completed",
		},
		[]string{"kind"},
	)
	m.tasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engram",
			Subsystem: "task",
			Name:      "failed_total",
			Help:      "Total number of tasks that failed for good",
		},
		[]string{"kind"},
	)
	m.tasksRetried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engram",
			Subsystem: "task",
			Name:      "retried_total",
			Help:      "Total number of failed attempts that were re-enqueued",
		},
		[]string{"kind"},
	)
	m.tasksStopped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engram",
			Subsystem: "task",
			Name:      "stopped_total",
			Help:      "Total number of tasks stopped by request",
		},
		[]string{"kind"},
	)
	m.tasksRecovered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engram",
			Subsystem: "task",
			Name:      "recovered_total",
			Help:      "Total number of stalled tasks reclaimed by the sweeper",
		},
		[]string{"kind"},
	)
	m.handlerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "engram",
			Subsystem: "task",
			Name:      "handler_latency_seconds",
			Help:      "Handler execution latency in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"kind", "status"},
	)
	m.workersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "engram",
			Subsystem: "task",
			Name:      "workers_busy",
			Help:      "Number of workers currently executing a handler",
		},
	)

	registry.MustRegister(
		m.tasksEnqueued,
		m.tasksCompleted,
		m.tasksFailed,
		m.tasksRetried,
		m.tasksStopped,
		m.tasksRecovered,
		m.handlerLatency,
		m.workersBusy,
	)
	return m
}

// Registry returns the registry backing the metric set.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordEnqueued(kind string) {
	m.tasksEnqueued.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordOutcome(kind string, status string, latency time.Duration) {
	m.handlerLatency.WithLabelValues(kind, status).Observe(latency.Seconds())
	switch status {
	case "completed":
		m.tasksCompleted.WithLabelValues(kind).Inc()
	case "failed":
		m.tasksFailed.WithLabelValues(kind).Inc()
	case "retried":
		m.tasksRetried.WithLabelValues(kind).Inc()
	case "stopped":
		m.tasksStopped.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) RecordRecovered(kind string) {
	m.tasksRecovered.WithLabelValues(kind).Inc()
}

func (m *Metrics) WorkerStarted() {
	m.workersBusy.Inc()
}

func (m *Metrics) WorkerFinished() {
	m.workersBusy.Dec()
}
