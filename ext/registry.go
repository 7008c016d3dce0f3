package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/neuraldevelopment/dispatch/id"
	"github.com/neuraldevelopment/dispatch/task"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type taskPublishedEntry struct {
	name string
	hook TaskPublished
}

type taskStartedEntry struct {
	name string
	hook TaskStarted
}

type taskCompletedEntry struct {
	name string
	hook TaskCompleted
}

type taskFailedEntry struct {
	name string
	hook TaskFailed
}

type taskRetryingEntry struct {
	name string
	hook TaskRetrying
}

type coreletStartedEntry struct {
	name string
	hook CoreletStarted
}

type coreletStoppedEntry struct {
	name string
	hook CoreletStopped
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	taskPublished  []taskPublishedEntry
	taskStarted    []taskStartedEntry
	taskCompleted  []taskCompletedEntry
	taskFailed     []taskFailedEntry
	taskRetrying   []taskRetryingEntry
	coreletStarted []coreletStartedEntry
	coreletStopped []coreletStoppedEntry
	shutdown       []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(TaskPublished); ok {
		r.taskPublished = append(r.taskPublished, taskPublishedEntry{name, h})
	}
	if h, ok := e.(TaskStarted); ok {
		r.taskStarted = append(r.taskStarted, taskStartedEntry{name, h})
	}
	if h, ok := e.(TaskCompleted); ok {
		r.taskCompleted = append(r.taskCompleted, taskCompletedEntry{name, h})
	}
	if h, ok := e.(TaskFailed); ok {
		r.taskFailed = append(r.taskFailed, taskFailedEntry{name, h})
	}
	if h, ok := e.(TaskRetrying); ok {
		r.taskRetrying = append(r.taskRetrying, taskRetryingEntry{name, h})
	}
	if h, ok := e.(CoreletStarted); ok {
		r.coreletStarted = append(r.coreletStarted, coreletStartedEntry{name, h})
	}
	if h, ok := e.(CoreletStopped); ok {
		r.coreletStopped = append(r.coreletStopped, coreletStoppedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// EmitTaskPublished notifies all extensions that implement TaskPublished.
func (r *Registry) EmitTaskPublished(ctx context.Context, t *task.Task) {
	for _, e := range r.taskPublished {
		if err := e.hook.OnTaskPublished(ctx, t); err != nil {
			r.logHookError("OnTaskPublished", e.name, err)
		}
	}
}

// EmitTaskStarted notifies all extensions that implement TaskStarted.
func (r *Registry) EmitTaskStarted(ctx context.Context, t *task.Task) {
	for _, e := range r.taskStarted {
		if err := e.hook.OnTaskStarted(ctx, t); err != nil {
			r.logHookError("OnTaskStarted", e.name, err)
		}
	}
}

// EmitTaskCompleted notifies all extensions that implement TaskCompleted.
func (r *Registry) EmitTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) {
	for _, e := range r.taskCompleted {
		if err := e.hook.OnTaskCompleted(ctx, t, elapsed); err != nil {
			r.logHookError("OnTaskCompleted", e.name, err)
		}
	}
}

// EmitTaskFailed notifies all extensions that implement TaskFailed.
func (r *Registry) EmitTaskFailed(ctx context.Context, t *task.Task, outcome *task.Outcome) {
	for _, e := range r.taskFailed {
		if err := e.hook.OnTaskFailed(ctx, t, outcome); err != nil {
			r.logHookError("OnTaskFailed", e.name, err)
		}
	}
}

// EmitTaskRetrying notifies all extensions that implement TaskRetrying.
func (r *Registry) EmitTaskRetrying(ctx context.Context, t *task.Task, attempt int, delay time.Duration) {
	for _, e := range r.taskRetrying {
		if err := e.hook.OnTaskRetrying(ctx, t, attempt, delay); err != nil {
			r.logHookError("OnTaskRetrying", e.name, err)
		}
	}
}

// EmitCoreletStarted notifies all extensions that implement CoreletStarted.
func (r *Registry) EmitCoreletStarted(ctx context.Context, coreletID id.CoreletID, pid int) {
	for _, e := range r.coreletStarted {
		if err := e.hook.OnCoreletStarted(ctx, coreletID, pid); err != nil {
			r.logHookError("OnCoreletStarted", e.name, err)
		}
	}
}

// EmitCoreletStopped notifies all extensions that implement CoreletStopped.
func (r *Registry) EmitCoreletStopped(ctx context.Context, coreletID id.CoreletID, killed bool) {
	for _, e := range r.coreletStopped {
		if err := e.hook.OnCoreletStopped(ctx, coreletID, killed); err != nil {
			r.logHookError("OnCoreletStopped", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
