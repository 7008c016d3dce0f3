package ext

import (
	"context"
	"time"

	"github.com/neuraldevelopment/dispatch/id"
	"github.com/neuraldevelopment/dispatch/task"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Task lifecycle hooks
// ──────────────────────────────────────────────────

// TaskPublished is called after a task is accepted by Publish, before it
// is queued or executed inline.
type TaskPublished interface {
	OnTaskPublished(ctx context.Context, t *task.Task) error
}

// TaskStarted is called when a worker begins executing a task.
type TaskStarted interface {
	OnTaskStarted(ctx context.Context, t *task.Task) error
}

// TaskCompleted is called after a task finishes successfully.
type TaskCompleted interface {
	OnTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) error
}

// TaskFailed is called when a task fails terminally (attempt budget
// exhausted, whether by fault, timeout, or business failure).
type TaskFailed interface {
	OnTaskFailed(ctx context.Context, t *task.Task, outcome *task.Outcome) error
}

// TaskRetrying is called when an attempt fails but the task will be
// attempted again. attempt is the 1-based number of the attempt that
// just failed.
type TaskRetrying interface {
	OnTaskRetrying(ctx context.Context, t *task.Task, attempt int, delay time.Duration) error
}

// ──────────────────────────────────────────────────
// Corelet lifecycle hooks
// ──────────────────────────────────────────────────

// CoreletStarted is called after a worker spawns its corelet subprocess.
type CoreletStarted interface {
	OnCoreletStarted(ctx context.Context, coreletID id.CoreletID, pid int) error
}

// CoreletStopped is called after a corelet subprocess has been torn
// down. killed reports whether teardown escalated to SIGKILL.
type CoreletStopped interface {
	OnCoreletStopped(ctx context.Context, coreletID id.CoreletID, killed bool) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during dispatcher shutdown, after workers have
// stopped and corelets have been cleaned up.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
