package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects graph execution metrics.
//
// Metrics (namespace "taskgraph", subsystem "graph"):
//   - node_executions_total{node,status}: node invocations by outcome
//   - node_duration_seconds{node}: node execution latency
//   - checkpoints_total{status}: checkpoint writes ("saved" or "failed")
//   - runs_total{status}: finished runs ("completed", "failed", "cancelled")
//   - runs_in_flight: runs currently executing
//
// A nil *PrometheusMetrics is valid and records nothing.
type PrometheusMetrics struct {
	nodeExecutions *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec
	checkpoints    *prometheus.CounterVec
	runs           *prometheus.CounterVec
	inflight       prometheus.Gauge
}

// NewPrometheusMetrics registers graph metrics with registry. A nil registry
// uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		nodeExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskgraph",
			Subsystem: "graph",
			Name:      "node_executions_total",
			Help:      "Node invocations by outcome",
		}, []string{"node", "status"}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskgraph",
			Subsystem: "graph",
			Name:      "node_duration_seconds",
			Help:      "Node execution latency",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		}, []string{"node"}),
		checkpoints: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskgraph",
			Subsystem: "graph",
			Name:      "checkpoints_total",
			Help:      "Checkpoint writes by outcome",
		}, []string{"status"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskgraph",
			Subsystem: "graph",
			Name:      "runs_total",
			Help:      "Finished runs by outcome",
		}, []string{"status"}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskgraph",
			Subsystem: "graph",
			Name:      "runs_in_flight",
			Help:      "Runs currently executing",
		}),
	}
}

func (m *PrometheusMetrics) observeNode(node, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeExecutions.WithLabelValues(node, status).Inc()
	m.nodeDuration.WithLabelValues(node).Observe(d.Seconds())
}

func (m *PrometheusMetrics) incCheckpoint(status string) {
	if m == nil {
		return
	}
	m.checkpoints.WithLabelValues(status).Inc()
}

func (m *PrometheusMetrics) runStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *PrometheusMetrics) runFinished(status string) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.runs.WithLabelValues(status).Inc()
}

// RunsCounter returns the runs_total series for status.
func (m *PrometheusMetrics) RunsCounter(status string) prometheus.Counter {
	return m.runs.WithLabelValues(status)
}

// CheckpointsCounter returns the checkpoints_total series for status.
func (m *PrometheusMetrics) CheckpointsCounter(status string) prometheus.Counter {
	return m.checkpoints.WithLabelValues(status)
}
