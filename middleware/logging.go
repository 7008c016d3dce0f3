package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/neuraldevelopment/dispatch/task"
)

// Logging returns middleware that logs attempt start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) (*task.Outcome, error) {
		logger.Info("task attempt started",
			slog.String("task_type", t.Type),
			slog.String("task_id", t.ID.String()),
			slog.String("mode", string(t.Mode)),
		)

		start := time.Now()
		outcome, err := next(ctx)
		elapsed := time.Since(start)

		switch {
		case err != nil:
			logger.Error("task attempt faulted",
				slog.String("task_type", t.Type),
				slog.String("task_id", t.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		case outcome != nil && !outcome.Success:
			logger.Warn("task attempt returned failure",
				slog.String("task_type", t.Type),
				slog.String("task_id", t.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error_kind", string(outcome.ErrorKind)),
			)
		default:
			logger.Info("task attempt completed",
				slog.String("task_type", t.Type),
				slog.String("task_id", t.ID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return outcome, err
	}
}
