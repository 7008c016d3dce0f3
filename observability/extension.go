package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/neuraldevelopment/dispatch/ext"
	"github.com/neuraldevelopment/dispatch/id"
	"github.com/neuraldevelopment/dispatch/task"
)

// meterName is the instrumentation scope name for lifecycle metrics.
const meterName = "github.com/neuraldevelopment/dispatch/observability"

// Compile-time interface checks.
var (
	_ ext.Extension      = (*MetricsExtension)(nil)
	_ ext.TaskPublished  = (*MetricsExtension)(nil)
	_ ext.TaskCompleted  = (*MetricsExtension)(nil)
	_ ext.TaskFailed     = (*MetricsExtension)(nil)
	_ ext.TaskRetrying   = (*MetricsExtension)(nil)
	_ ext.CoreletStarted = (*MetricsExtension)(nil)
	_ ext.CoreletStopped = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle counters through an
// OpenTelemetry meter. Register it as an engine extension to track
// publish rates, completion counts, terminal failures, retries, and
// corelet churn.
type MetricsExtension struct {
	published      metric.Int64Counter
	completed      metric.Int64Counter
	failed         metric.Int64Counter
	retried        metric.Int64Counter
	coreletStarted metric.Int64Counter
	coreletStopped metric.Int64Counter
	taskDuration   metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension using the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. Instrument creation errors leave instruments nil and
// recording is skipped for them.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}
	m.published, _ = meter.Int64Counter("dispatch.task.published",
		metric.WithDescription("Tasks accepted by Publish"))
	m.completed, _ = meter.Int64Counter("dispatch.task.completed",
		metric.WithDescription("Tasks that finished successfully"))
	m.failed, _ = meter.Int64Counter("dispatch.task.failed",
		metric.WithDescription("Tasks that failed terminally"))
	m.retried, _ = meter.Int64Counter("dispatch.task.retried",
		metric.WithDescription("Task attempts that were retried"))
	m.coreletStarted, _ = meter.Int64Counter("dispatch.corelet.started",
		metric.WithDescription("Corelet subprocesses spawned"))
	m.coreletStopped, _ = meter.Int64Counter("dispatch.corelet.stopped",
		metric.WithDescription("Corelet subprocesses torn down"))
	m.taskDuration, _ = meter.Float64Histogram("dispatch.task.lifecycle_duration",
		metric.WithDescription("Wall-clock duration of successful tasks"),
		metric.WithUnit("s"))
	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnTaskPublished implements ext.TaskPublished.
func (m *MetricsExtension) OnTaskPublished(ctx context.Context, t *task.Task) error {
	if m.published != nil {
		m.published.Add(ctx, 1, taskAttrs(t))
	}
	return nil
}

// OnTaskCompleted implements ext.TaskCompleted.
func (m *MetricsExtension) OnTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) error {
	if m.completed != nil {
		m.completed.Add(ctx, 1, taskAttrs(t))
	}
	if m.taskDuration != nil {
		m.taskDuration.Record(ctx, elapsed.Seconds(), taskAttrs(t))
	}
	return nil
}

// OnTaskFailed implements ext.TaskFailed.
func (m *MetricsExtension) OnTaskFailed(ctx context.Context, t *task.Task, outcome *task.Outcome) error {
	if m.failed != nil {
		m.failed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("task_type", t.Type),
			attribute.String("mode", string(t.Mode)),
			attribute.String("error_kind", string(outcome.ErrorKind)),
		))
	}
	return nil
}

// OnTaskRetrying implements ext.TaskRetrying.
func (m *MetricsExtension) OnTaskRetrying(ctx context.Context, t *task.Task, attempt int, delay time.Duration) error {
	if m.retried != nil {
		m.retried.Add(ctx, 1, taskAttrs(t))
	}
	return nil
}

// OnCoreletStarted implements ext.CoreletStarted.
func (m *MetricsExtension) OnCoreletStarted(ctx context.Context, coreletID id.CoreletID, pid int) error {
	if m.coreletStarted != nil {
		m.coreletStarted.Add(ctx, 1)
	}
	return nil
}

// OnCoreletStopped implements ext.CoreletStopped.
func (m *MetricsExtension) OnCoreletStopped(ctx context.Context, coreletID id.CoreletID, killed bool) error {
	if m.coreletStopped != nil {
		m.coreletStopped.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("killed", killed),
		))
	}
	return nil
}

func taskAttrs(t *task.Task) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("task_type", t.Type),
		attribute.String("mode", string(t.Mode)),
	)
}
