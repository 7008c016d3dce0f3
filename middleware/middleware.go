// Package middleware provides composable middleware for task execution.
// Middleware wraps handler calls synchronously and can modify execution
// (recover from panics, log, add tracing and metrics, etc.). The executor
// runs every attempt of every task through the configured chain.
package middleware

import (
	"context"

	"github.com/neuraldevelopment/dispatch/task"
)

// Handler is the terminal function that executes task logic, returning
// the task's outcome or a fault.
type Handler func(ctx context.Context) (*task.Outcome, error)

// Middleware wraps a Handler with cross-cutting logic. It receives the
// current context, the task being executed, and the next handler to
// call. Middleware MUST call next to continue the chain (unless
// short-circuiting on error).
type Middleware func(ctx context.Context, t *task.Task, next Handler) (*task.Outcome, error)

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, metrics) executes as:
//
//	logging → recover → metrics → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) (*task.Outcome, error) {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) (*task.Outcome, error) {
				return mw(ctx, t, prev)
			}
		}
		return h(ctx)
	}
}
