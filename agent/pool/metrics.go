package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects worker pool metrics (namespace "taskgraph", subsystem
// "pool"). A nil *Metrics records nothing.
type Metrics struct {
	workers      prometheus.Gauge
	busyWorkers  prometheus.Gauge
	pendingTasks prometheus.Gauge
	assignments  *prometheus.CounterVec
	noWorker     prometheus.Counter
	results      *prometheus.CounterVec
	timeouts     prometheus.Counter
	evictions    prometheus.Counter
	scaleSignals *prometheus.CounterVec
}

// NewMetrics registers pool metrics with registry. A nil registry uses
// prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskgraph", Subsystem: "pool", Name: name, Help: help,
		})
	}
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskgraph", Subsystem: "pool", Name: name, Help: help,
		})
	}

	return &Metrics{
		workers:      gauge("workers", "Agents in the pool"),
		busyWorkers:  gauge("busy_workers", "Pool agents with at least one task"),
		pendingTasks: gauge("pending_tasks", "Tasks ready for dispatch"),
		assignments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskgraph",
			Subsystem: "pool",
			Name:      "assignments_total",
			Help:      "Tasks assigned to agents by strategy",
		}, []string{"strategy"}),
		noWorker: counter("no_worker_total", "Dispatch attempts that found no eligible agent"),
		results: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskgraph",
			Subsystem: "pool",
			Name:      "results_total",
			Help:      "Task reports from agents by outcome",
		}, []string{"outcome"}),
		timeouts:  counter("task_timeouts_total", "Tasks failed by timeout"),
		evictions: counter("evictions_total", "Agents evicted for missed heartbeats"),
		scaleSignals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskgraph",
			Subsystem: "pool",
			Name:      "scale_signals_total",
			Help:      "Advisory scaling signals by direction",
		}, []string{"direction"}),
	}
}

func (m *Metrics) observeSnapshot(s Snapshot) {
	if m == nil {
		return
	}
	m.workers.Set(float64(s.Workers))
	m.busyWorkers.Set(float64(s.Busy))
	m.pendingTasks.Set(float64(s.Pending))
}

func (m *Metrics) assigned(strategy Strategy) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues(string(strategy)).Inc()
}

func (m *Metrics) missed() {
	if m == nil {
		return
	}
	m.noWorker.Inc()
}

func (m *Metrics) result(outcome string) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(outcome).Inc()
}

func (m *Metrics) timedOut(n int) {
	if m == nil {
		return
	}
	m.timeouts.Add(float64(n))
}

func (m *Metrics) evicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) scaled(sig ScaleSignal) {
	if m == nil {
		return
	}
	direction := "up"
	if sig.Delta < 0 {
		direction = "down"
	}
	m.scaleSignals.WithLabelValues(direction).Inc()
}

// AssignmentsCounter returns the assignments_total series for strategy.
func (m *Metrics) AssignmentsCounter(strategy Strategy) prometheus.Counter {
	return m.assignments.WithLabelValues(string(strategy))
}
