package pybox

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsCollectorCreated(t *testing.T) {
	m := NewMetricsCollector()
	if m == nil {
		t.Fatal("expected non-nil MetricsCollector")
	}
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// CounterVecs only appear in Gather after first use.
	m.ConnectsTotal.WithLabelValues("ok").Inc()
	m.ExecutionsTotal.WithLabelValues(execStatusOK).Inc()
	m.CallbacksTotal.WithLabelValues("tool", "ok").Inc()
	m.StagedFilesTotal.Inc()
	m.ExecutionDuration.Observe(0.2)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"pybox_session_connects_total",
		"pybox_session_executions_total",
		"pybox_session_execution_duration_seconds",
		"pybox_callback_dispatched_total",
		"pybox_stage_files_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsRecordAndGather(t *testing.T) {
	m := NewMetricsCollector()

	m.ExecutionsTotal.WithLabelValues(execStatusOK).Inc()
	m.ExecutionsTotal.WithLabelValues(execStatusOK).Inc()
	m.ExecutionsTotal.WithLabelValues(execStatusTimeout).Inc()

	if got := counterValue(t, m.Registry, "pybox_session_executions_total", prometheus.Labels{"status": execStatusOK}); got != 2 {
		t.Errorf("ok count = %v, want 2", got)
	}
	if got := counterValue(t, m.Registry, "pybox_session_executions_total", prometheus.Labels{"status": execStatusTimeout}); got != 1 {
		t.Errorf("timeout count = %v, want 1", got)
	}
}

func TestDispatcherRecordsCallbackMetrics(t *testing.T) {
	m := NewMetricsCollector()
	d := &dispatcher{
		tools: map[string]ToolFunc{
			"echo": func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
				return args, nil
			},
		},
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics: m,
	}

	d.dispatch(context.Background(), `{"type":"callback","name":"echo","args":[1]}`)
	d.dispatch(context.Background(), `{"type":"callback","name":"missing","args":[]}`)

	if got := counterValue(t, m.Registry, "pybox_callback_dispatched_total", prometheus.Labels{"kind": "tool", "status": "ok"}); got != 1 {
		t.Errorf("tool ok count = %v, want 1", got)
	}
	if got := counterValue(t, m.Registry, "pybox_callback_dispatched_total", prometheus.Labels{"kind": "tool", "status": "error"}); got != 1 {
		t.Errorf("tool error count = %v, want 1", got)
	}
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
