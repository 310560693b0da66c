package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for workflow execution.
//
// Metrics exposed (all namespaced with "hensu_"):
//
//   - executions_active (gauge): executions currently running.
//   - executions_total (counter): terminated executions. Labels: outcome.
//   - node_executions_total (counter): node executions. Labels: kind, status.
//   - node_duration_ms (histogram): node execution duration in milliseconds.
//     Labels: kind.
//   - backtracks_total (counter): backtrack events. Labels: type.
//   - tool_calls_total (counter): tool-transport calls. Labels: status.
//   - tool_call_duration_ms (histogram): tool call round-trip duration.
//
// Expose via promhttp on the registry passed to NewMetrics. All methods are
// safe for concurrent use.
type Metrics struct {
	activeExecutions prometheus.Gauge
	executions       *prometheus.CounterVec
	nodeExecutions   *prometheus.CounterVec
	nodeDuration     *prometheus.HistogramVec
	backtracks       *prometheus.CounterVec
	toolCalls        *prometheus.CounterVec
	toolCallDuration prometheus.Histogram
}

// NewMetrics creates and registers execution metrics on the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	durationBuckets := []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000}
	return &Metrics{
		activeExecutions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hensu_executions_active",
			Help: "Number of workflow executions currently running.",
		}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hensu_executions_total",
			Help: "Terminated workflow executions by outcome.",
		}, []string{"outcome"}),
		nodeExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hensu_node_executions_total",
			Help: "Node executions by kind and result status.",
		}, []string{"kind", "status"}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hensu_node_duration_ms",
			Help:    "Node execution duration in milliseconds.",
			Buckets: durationBuckets,
		}, []string{"kind"}),
		backtracks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hensu_backtracks_total",
			Help: "Backtrack events by type.",
		}, []string{"type"}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hensu_tool_calls_total",
			Help: "Tool-transport calls by status.",
		}, []string{"status"}),
		toolCallDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hensu_tool_call_duration_ms",
			Help:    "Tool call round-trip duration in milliseconds.",
			Buckets: durationBuckets,
		}),
	}
}

func (m *Metrics) executionStarted() {
	if m == nil {
		return
	}
	m.activeExecutions.Inc()
}

func (m *Metrics) executionFinished(outcome Outcome) {
	if m == nil {
		return
	}
	m.activeExecutions.Dec()
	m.executions.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) nodeExecuted(kind NodeKind, status Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.nodeExecutions.WithLabelValues(string(kind), string(status)).Inc()
	m.nodeDuration.WithLabelValues(string(kind)).Observe(float64(elapsed.Milliseconds()))
}

func (m *Metrics) backtracked(bt BacktrackType) {
	if m == nil {
		return
	}
	m.backtracks.WithLabelValues(string(bt)).Inc()
}

// ToolCallObserved records a tool-transport round trip. Exported so the
// transport layer can report through the same registry.
func (m *Metrics) ToolCallObserved(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.toolCalls.WithLabelValues(status).Inc()
	m.toolCallDuration.Observe(float64(elapsed.Milliseconds()))
}
