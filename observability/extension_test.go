package observability

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/neuraldevelopment/dispatch/id"
	"github.com/neuraldevelopment/dispatch/task"
)

func collectCounters(t *testing.T, reader sdkmetric.Reader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	totals := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	return totals
}

func TestMetricsExtensionCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	m := NewMetricsExtensionWithMeter(provider.Meter(meterName))
	ctx := context.Background()
	tk := task.New("report.render", task.ModePooled)

	if err := m.OnTaskPublished(ctx, tk); err != nil {
		t.Fatalf("OnTaskPublished: %v", err)
	}
	if err := m.OnTaskRetrying(ctx, tk, 1, time.Millisecond); err != nil {
		t.Fatalf("OnTaskRetrying: %v", err)
	}
	if err := m.OnTaskCompleted(ctx, tk, 10*time.Millisecond); err != nil {
		t.Fatalf("OnTaskCompleted: %v", err)
	}
	if err := m.OnTaskFailed(ctx, tk, task.Fail(tk, task.KindTimeout, "deadline")); err != nil {
		t.Fatalf("OnTaskFailed: %v", err)
	}
	if err := m.OnCoreletStarted(ctx, id.NewCoreletID(), 42); err != nil {
		t.Fatalf("OnCoreletStarted: %v", err)
	}
	if err := m.OnCoreletStopped(ctx, id.NewCoreletID(), true); err != nil {
		t.Fatalf("OnCoreletStopped: %v", err)
	}

	totals := collectCounters(t, reader)
	want := map[string]int64{
		"dispatch.task.published":  1,
		"dispatch.task.retried":    1,
		"dispatch.task.completed":  1,
		"dispatch.task.failed":     1,
		"dispatch.corelet.started": 1,
		"dispatch.corelet.stopped": 1,
	}
	for name, n := range want {
		if totals[name] != n {
			t.Errorf("%s = %d, want %d", name, totals[name], n)
		}
	}
}
