// Package worker provides the task execution engine — an Executor that
// runs a task's full retry loop through middleware under a timeout guard,
// and a Pool of goroutines consuming the shared priority queue.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/neuraldevelopment/dispatch"
	"github.com/neuraldevelopment/dispatch/backoff"
	"github.com/neuraldevelopment/dispatch/corelet"
	"github.com/neuraldevelopment/dispatch/ext"
	"github.com/neuraldevelopment/dispatch/middleware"
	"github.com/neuraldevelopment/dispatch/task"
)

// State is the per-worker mutable execution state: the unsynchronized
// handler cache and the lazily spawned corelet channel. Each worker
// goroutine owns exactly one State; the inline publish path holds its
// own under the engine's lock.
type State struct {
	Handlers *task.Cache
	Corelet  *corelet.Channel
}

// NewState creates execution state backed by the handler factory.
func NewState(factory task.Factory) *State {
	return &State{Handlers: task.NewCache(factory)}
}

// Executor runs one task's complete retry loop: each attempt goes
// through the middleware chain under a timeout guard, failures consume
// attempts uniformly whether they are faults, timeouts, or business
// failures, and the final outcome is always non-nil.
type Executor struct {
	extensions *ext.Registry
	backoff    backoff.Strategy
	mw         middleware.Middleware
	coreletCfg corelet.Config
	corelets   *corelet.Registry
	logger     *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	extensions *ext.Registry,
	bo backoff.Strategy,
	coreletCfg corelet.Config,
	corelets *corelet.Registry,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		extensions: extensions,
		backoff:    bo,
		mw:         middleware.Chain(mws...),
		coreletCfg: coreletCfg,
		corelets:   corelets,
		logger:     logger,
	}
}

// Execute runs the task until it succeeds or its attempt budget is
// exhausted. A business failure on the last attempt is returned exactly
// as the handler produced it; exhausted faults and timeouts synthesize
// a failure outcome carrying the last error. Lifecycle events are
// emitted for retries, completion, and terminal failure.
func (e *Executor) Execute(ctx context.Context, t *task.Task, st *State) *task.Outcome {
	attempts := t.Attempts()
	start := time.Now()

	var lastBusiness *task.Outcome
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		t.RetryCount = attempt - 1

		if ctx.Err() != nil {
			lastErr = ctx.Err()
			lastBusiness = nil
			break
		}

		outcome, err := e.attempt(ctx, t, st)
		if err == nil && outcome != nil && outcome.Success {
			outcome.RetryCount = t.RetryCount
			e.extensions.EmitTaskCompleted(ctx, t, time.Since(start))
			return outcome
		}

		if err != nil {
			lastErr = err
			lastBusiness = nil
			e.logger.Warn("task attempt failed",
				slog.String("task_type", t.Type),
				slog.String("task_id", t.ID.String()),
				slog.Int("attempt", attempt),
				slog.Int("budget", attempts),
				slog.String("error", err.Error()),
			)
		} else {
			// The handler ran to completion and reported failure. This
			// consumes an attempt exactly like a fault does.
			lastBusiness = outcome
			lastErr = nil
			e.logger.Info("task attempt reported failure",
				slog.String("task_type", t.Type),
				slog.String("task_id", t.ID.String()),
				slog.Int("attempt", attempt),
				slog.Int("budget", attempts),
			)
		}

		if attempt < attempts {
			delay := e.backoff.Delay(attempt)
			e.extensions.EmitTaskRetrying(ctx, t, attempt, delay)
			if !sleepCtx(ctx, delay) {
				break
			}
		}
	}

	var final *task.Outcome
	if lastBusiness != nil {
		// Returned untouched so callers see exactly what the handler
		// produced on the final attempt.
		final = lastBusiness
	} else {
		kind, msg := classify(lastErr)
		final = task.Fail(t, kind, msg)
	}
	final.RetryCount = t.RetryCount

	e.extensions.EmitTaskFailed(ctx, t, final)
	e.logger.Warn("task failed after exhausting attempts",
		slog.String("task_type", t.Type),
		slog.String("task_id", t.ID.String()),
		slog.Int("attempts", attempts),
		slog.String("error_kind", string(final.ErrorKind)),
	)
	return final
}

// attempt runs one execution attempt under the timeout guard. The
// middleware chain and handler run on a separate goroutine; if the
// deadline fires first the attempt is abandoned, cooperative
// cancellation is requested, and a timeout error is returned.
func (e *Executor) attempt(ctx context.Context, t *task.Task, st *State) (*task.Outcome, error) {
	guard := t.Timeout
	if guard > 0 && t.Mode == task.ModeIsolated {
		// The corelet enforces the task timeout on its own side; the
		// parent's guard allows for the frame round trip on top.
		guard += time.Second
	}

	actx := ctx
	cancel := func() {}
	if guard > 0 {
		actx, cancel = context.WithTimeout(ctx, guard)
	}
	defer cancel()

	var handler task.Handler
	var ch *corelet.Channel
	switch t.Mode {
	case task.ModeInline, task.ModePooled:
		var err error
		handler, err = st.Handlers.Resolve(t.Type)
		if err != nil {
			return nil, err
		}
	case task.ModeIsolated:
		var err error
		ch, err = e.ensureCorelet(ctx, st)
		if err != nil {
			return nil, err
		}
	case task.ModeCommand:
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", dispatch.ErrInvalidTask, t.Mode)
	}

	terminal := func(hctx context.Context) (*task.Outcome, error) {
		switch t.Mode {
		case task.ModeIsolated:
			return executeIsolated(hctx, t, ch)
		case task.ModeCommand:
			return runCommand(hctx, t)
		default:
			return handler.Handle(hctx, t)
		}
	}

	type result struct {
		outcome *task.Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		o, err := e.mw(actx, t, terminal)
		done <- result{o, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			// Both select arms race when the deadline fires: the
			// corelet must die no matter which one wins.
			e.abortAttempt(t, handler, st)
			return nil, fmt.Errorf("%w: attempt exceeded %s", dispatch.ErrTimeout, t.Timeout)
		}
		return r.outcome, r.err
	case <-actx.Done():
		e.abortAttempt(t, handler, st)
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: attempt exceeded %s", dispatch.ErrTimeout, t.Timeout)
		}
		return nil, actx.Err()
	}
}

// abortAttempt requests cooperative cancellation from an overrunning
// attempt. In-process handlers get a Terminate call if they implement
// Terminator; corelets are killed so the next attempt respawns a fresh
// subprocess.
func (e *Executor) abortAttempt(t *task.Task, handler task.Handler, st *State) {
	if term, ok := handler.(task.Terminator); ok {
		term.Terminate(context.Background())
	}
	if t.Mode == task.ModeIsolated && st.Corelet != nil {
		coreletID := st.Corelet.ID()
		st.Corelet.Kill()
		st.Corelet = nil
		e.extensions.EmitCoreletStopped(context.Background(), coreletID, true)
	}
}

// ensureCorelet returns the worker's corelet channel, spawning the
// subprocess on first isolated dispatch or after a kill.
func (e *Executor) ensureCorelet(ctx context.Context, st *State) (*corelet.Channel, error) {
	if st.Corelet != nil {
		return st.Corelet, nil
	}
	ch, err := corelet.Spawn(e.coreletCfg, e.corelets)
	if err != nil {
		return nil, err
	}
	st.Corelet = ch
	e.extensions.EmitCoreletStarted(ctx, ch.ID(), ch.PID())
	return ch, nil
}

// executeIsolated delegates the attempt to the corelet and re-stamps
// outcome identity, since the child reconstructs the task from the wire
// frame.
func executeIsolated(ctx context.Context, t *task.Task, ch *corelet.Channel) (*task.Outcome, error) {
	outcome, err := ch.Execute(ctx, t)
	if err != nil {
		return nil, err
	}
	outcome.TaskID = t.ID.String()
	outcome.TaskType = t.Type
	return outcome, nil
}

// runCommand executes a ModeCommand task's external command. A non-zero
// exit is a failure outcome (consuming an attempt like any business
// failure), not a fault.
func runCommand(ctx context.Context, t *task.Task) (*task.Outcome, error) {
	spec, err := task.DecodeCommandSpec(t)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return task.Fail(t, task.KindCommand, msg), nil
	}
	return task.Succeed(t, stdout.Bytes()), nil
}

// classify maps the last attempt error to the outcome's error kind.
func classify(err error) (task.ErrorKind, string) {
	switch {
	case err == nil:
		return task.KindFault, "attempt budget exhausted"
	case errors.Is(err, dispatch.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		return task.KindTimeout, err.Error()
	case errors.Is(err, dispatch.ErrCoreletComm):
		return task.KindCorelet, err.Error()
	default:
		return task.KindFault, err.Error()
	}
}

// sleepCtx sleeps for the delay, returning false if the context is done
// first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
