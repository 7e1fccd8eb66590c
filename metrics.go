package pybox

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds Prometheus metrics for sandbox sessions on a
// private registry, so the embedding application decides how (and whether)
// to expose them. Install with WithMetrics; one collector may be shared by
// many sessions.
type MetricsCollector struct {
	Registry *prometheus.Registry

	ConnectsTotal     *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	CallbacksTotal    *prometheus.CounterVec
	StagedFilesTotal  prometheus.Counter
}

// Execution status label values.
const (
	execStatusOK          = "ok"
	execStatusScriptError = "script_error"
	execStatusTimeout     = "timeout"
	execStatusPermission  = "permission_denied"
	execStatusCrashed     = "crashed"
	execStatusError       = "error"
)

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a fresh prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ConnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pybox",
			Subsystem: "session",
			Name:      "connects_total",
			Help:      "Worker connection attempts.",
		}, []string{"status"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pybox",
			Subsystem: "session",
			Name:      "executions_total",
			Help:      "Code executions by outcome.",
		}, []string{"status"}),

		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pybox",
			Subsystem: "session",
			Name:      "execution_duration_seconds",
			Help:      "Code execution duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),

		CallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pybox",
			Subsystem: "callback",
			Name:      "dispatched_total",
			Help:      "Callbacks dispatched to host handlers.",
		}, []string{"kind", "status"}),

		StagedFilesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pybox",
			Subsystem: "stage",
			Name:      "files_total",
			Help:      "Input files staged for the worker.",
		}),
	}

	reg.MustRegister(
		m.ConnectsTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.CallbacksTotal,
		m.StagedFilesTotal,
	)
	return m
}
