package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/neuraldevelopment/dispatch/task"
)

// tracerName is the instrumentation scope name for dispatch tracing.
const tracerName = "github.com/neuraldevelopment/dispatch"

// Tracing returns middleware that wraps each task attempt in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a
// pass-through with zero overhead.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided
// tracer. This variant allows injecting a specific TracerProvider for
// testing or when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) (*task.Outcome, error) {
		ctx, span := tracer.Start(ctx, "dispatch.task.execute",
			trace.WithAttributes(
				attribute.String("dispatch.task.id", t.ID.String()),
				attribute.String("dispatch.task.type", t.Type),
				attribute.String("dispatch.task.mode", string(t.Mode)),
				attribute.Int("dispatch.task.priority", t.Priority),
				attribute.Int("dispatch.task.retry_count", t.RetryCount),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		outcome, err := next(ctx)
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case outcome != nil && !outcome.Success:
			span.SetStatus(codes.Error, outcome.ErrorMessage)
			span.SetAttributes(attribute.String("dispatch.task.error_kind", string(outcome.ErrorKind)))
		default:
			span.SetStatus(codes.Ok, "")
		}

		return outcome, err
	}
}
