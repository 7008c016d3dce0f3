package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/neuraldevelopment/dispatch/task"
)

// meterName is the instrumentation scope name for dispatch metrics.
const meterName = "github.com/neuraldevelopment/dispatch"

// Metrics returns middleware that records task execution duration and
// counts through the global MeterProvider.
func Metrics() Middleware {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided meter.
// Instrument creation errors leave the corresponding instrument nil and
// recording is skipped for it.
func MetricsWithMeter(meter metric.Meter) Middleware {
	duration, _ := meter.Float64Histogram(
		"dispatch.task.duration",
		metric.WithDescription("Task attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"dispatch.task.executions",
		metric.WithDescription("Number of task attempts by status"),
	)

	return func(ctx context.Context, t *task.Task, next Handler) (*task.Outcome, error) {
		start := time.Now()
		outcome, err := next(ctx)
		elapsed := time.Since(start)

		status := "ok"
		switch {
		case err != nil:
			status = "error"
		case outcome != nil && !outcome.Success:
			status = "business_failure"
		}

		attrs := metric.WithAttributes(
			attribute.String("task_type", t.Type),
			attribute.String("mode", string(t.Mode)),
			attribute.String("status", status),
		)
		if duration != nil {
			duration.Record(ctx, elapsed.Seconds(), attrs)
		}
		if executions != nil {
			executions.Add(ctx, 1, attrs)
		}

		return outcome, err
	}
}
