// Package progress carries progress trackers through context.Context.
//
// A caller attaches a tracker before a burst of Publish calls; the engine
// backfills each published task's tracker from the context when the task
// carries none, and the executing worker advances the tracker once per
// consumed task. Handlers can observe the tracker through From on their
// execution context.
package progress

import "context"

// Tracker receives progress updates as tasks complete. Implementations
// must be safe for concurrent use: multiple workers advance the same
// tracker when a burst of tasks shares one.
type Tracker interface {
	// Advance records that n steps of work have completed.
	Advance(n int)
}

type contextKey struct{}

// entry pairs a tracker with the step weight each task contributes.
type entry struct {
	tracker Tracker
	steps   int
}

// With returns a context carrying the tracker and per-task step weight.
// Tasks published with this context inherit both when their own tracker
// is unset.
func With(ctx context.Context, tracker Tracker, steps int) context.Context {
	return context.WithValue(ctx, contextKey{}, entry{tracker: tracker, steps: steps})
}

// From extracts the tracker and step weight from the context. The tracker
// is nil when none is attached.
func From(ctx context.Context) (Tracker, int) {
	e, ok := ctx.Value(contextKey{}).(entry)
	if !ok {
		return nil, 0
	}
	return e.tracker, e.steps
}
