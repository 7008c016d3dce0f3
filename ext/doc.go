// Package ext defines the extension system for the dispatch engine.
//
// Extensions are notified of lifecycle events and can react to them —
// recording metrics, emitting webhooks, writing audit logs, etc.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) error {
//	    log.Printf("task %s completed in %s", t.ID, elapsed)
//	    return nil
//	}
//
// # Task Lifecycle Hooks
//
//   - [TaskPublished] — task was accepted by Publish
//   - [TaskStarted] — worker began executing the task
//   - [TaskCompleted] — task finished successfully
//   - [TaskFailed] — task failed with no attempts remaining
//   - [TaskRetrying] — an attempt failed but the task will be retried
//
// # Corelet Lifecycle Hooks
//
//   - [CoreletStarted] — a worker spawned its corelet subprocess
//   - [CoreletStopped] — a corelet subprocess was torn down
//
// # Other Hooks
//
//   - [Shutdown] — the dispatcher is shutting down
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
