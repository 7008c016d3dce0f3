// Package task defines the unit of work submitted to the dispatch engine:
// the Task itself, its execution Outcome, the Handler contract executed by
// workers, and the per-worker handler cache.
package task

import (
	"fmt"
	"time"

	"github.com/neuraldevelopment/dispatch"
	"github.com/neuraldevelopment/dispatch/id"
	"github.com/neuraldevelopment/dispatch/progress"
)

// Mode selects the execution strategy for a task.
type Mode string

const (
	// ModeInline executes the task on the caller's goroutine inside
	// Publish, through the same retry and timeout path as pooled work.
	ModeInline Mode = "inline"
	// ModePooled executes the task on a pool worker.
	ModePooled Mode = "pooled"
	// ModeIsolated executes the task in the worker's corelet subprocess.
	ModeIsolated Mode = "isolated"
	// ModeCommand executes the task's payload as an external command.
	// Command tasks invoke a built-in capability, so no handler needs to
	// be registered for their type.
	ModeCommand Mode = "command"
)

// Valid reports whether m is a known execution mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeInline, ModePooled, ModeIsolated, ModeCommand:
		return true
	}
	return false
}

// Task is an immutable request for one unit of work. Create one with New;
// after Publish accepts it only the engine touches it (progress backfill
// when unset, RetryCount stamping by the executor).
type Task struct {
	ID         id.TaskID     `json:"id"`
	Type       string        `json:"type"`
	Mode       Mode          `json:"mode"`
	Priority   int           `json:"priority"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	MaxRetries int           `json:"max_retries"`
	Payload    []byte        `json:"payload,omitempty"`

	// Tracker and TrackerSteps report progress once the task is consumed.
	// Both are backfilled from the publish context when unset.
	Tracker      progress.Tracker `json:"-"`
	TrackerSteps int              `json:"tracker_steps,omitempty"`

	// RetryCount is the number of attempts consumed so far. Written by
	// the executor only.
	RetryCount int `json:"retry_count"`
}

// Options configures per-task behavior.
type Options struct {
	ID           id.TaskID
	Priority     int
	Timeout      time.Duration
	MaxRetries   int
	Payload      []byte
	Tracker      progress.Tracker
	TrackerSteps int
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Priority:   0,
		Timeout:    5 * time.Minute,
		MaxRetries: 3,
	}
}

// Option is a functional option for configuring a task.
type Option func(*Options)

// WithID sets a caller-chosen task ID instead of a generated one.
func WithID(taskID id.TaskID) Option {
	return func(o *Options) { o.ID = taskID }
}

// WithPriority sets the task priority. Lower values are served first.
func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}

// WithTimeout sets the maximum duration one execution attempt may run.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithMaxRetries sets the total attempt budget (not additional retries):
// a task with MaxRetries = 3 is attempted at most 3 times.
func WithMaxRetries(n int) Option {
	return func(o *Options) { o.MaxRetries = n }
}

// WithPayload sets the opaque payload passed to the handler.
func WithPayload(p []byte) Option {
	return func(o *Options) { o.Payload = p }
}

// WithTracker attaches a progress tracker advanced by steps when the task
// is consumed.
func WithTracker(tr progress.Tracker, steps int) Option {
	return func(o *Options) {
		o.Tracker = tr
		o.TrackerSteps = steps
	}
}

// New creates a task of the given type and mode. A unique ID is generated
// unless WithID is supplied.
func New(taskType string, mode Mode, opts ...Option) *Task {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	taskID := o.ID
	if taskID.IsNil() {
		taskID = id.NewTaskID()
	}

	return &Task{
		ID:           taskID,
		Type:         taskType,
		Mode:         mode,
		Priority:     o.Priority,
		Timeout:      o.Timeout,
		MaxRetries:   o.MaxRetries,
		Payload:      o.Payload,
		Tracker:      o.Tracker,
		TrackerSteps: o.TrackerSteps,
	}
}

// Validate checks that the task is well-formed: non-empty ID and type and
// a known execution mode.
func (t *Task) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil task", dispatch.ErrInvalidTask)
	}
	if t.ID.IsNil() {
		return fmt.Errorf("%w: empty task id", dispatch.ErrInvalidTask)
	}
	if t.Type == "" {
		return fmt.Errorf("%w: empty task type", dispatch.ErrInvalidTask)
	}
	if !t.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", dispatch.ErrInvalidTask, t.Mode)
	}
	return nil
}

// Attempts returns the attempt budget, always at least one.
func (t *Task) Attempts() int {
	if t.MaxRetries < 1 {
		return 1
	}
	return t.MaxRetries
}
