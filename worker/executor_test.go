package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neuraldevelopment/dispatch"
	"github.com/neuraldevelopment/dispatch/backoff"
	"github.com/neuraldevelopment/dispatch/corelet"
	"github.com/neuraldevelopment/dispatch/ext"
	"github.com/neuraldevelopment/dispatch/task"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// funcFactory resolves every task type to the same handler.
type funcFactory struct {
	handler task.Handler
	err     error
}

func (f *funcFactory) IsAvailable(string) bool { return true }

func (f *funcFactory) Create(string) (task.Handler, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.handler, nil
}

func newExecutor(t *testing.T) *Executor {
	t.Helper()
	return NewExecutor(
		ext.NewRegistry(discardLogger()),
		backoff.None{},
		corelet.Config{},
		corelet.NewRegistry(),
		discardLogger(),
	)
}

func TestExecuteSuccess(t *testing.T) {
	var calls atomic.Int32
	factory := &funcFactory{handler: task.HandlerFunc(func(ctx context.Context, tk *task.Task) (*task.Outcome, error) {
		calls.Add(1)
		return task.Succeed(tk, []byte("done")), nil
	})}

	e := newExecutor(t)
	tk := task.New("ok", task.ModePooled, task.WithMaxRetries(3))
	out := e.Execute(context.Background(), tk, NewState(factory))

	if !out.Success {
		t.Fatalf("outcome = %+v, want success", out)
	}
	if string(out.Data) != "done" {
		t.Fatalf("data = %q, want %q", out.Data, "done")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("handler calls = %d, want 1", got)
	}
	if out.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0", out.RetryCount)
	}
}

func TestExecuteRetriesFaultThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	factory := &funcFactory{handler: task.HandlerFunc(func(ctx context.Context, tk *task.Task) (*task.Outcome, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return task.Succeed(tk, nil), nil
	})}

	e := newExecutor(t)
	tk := task.New("flaky", task.ModePooled, task.WithMaxRetries(5))
	out := e.Execute(context.Background(), tk, NewState(factory))

	if !out.Success {
		t.Fatalf("outcome = %+v, want success", out)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("handler calls = %d, want 3", got)
	}
	if out.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", out.RetryCount)
	}
}

func TestExecuteExhaustsFaults(t *testing.T) {
	var calls atomic.Int32
	factory := &funcFactory{handler: task.HandlerFunc(func(ctx context.Context, tk *task.Task) (*task.Outcome, error) {
		calls.Add(1)
		return nil, errors.New("broken pipe")
	})}

	e := newExecutor(t)
	tk := task.New("doomed", task.ModePooled, task.WithMaxRetries(3))
	out := e.Execute(context.Background(), tk, NewState(factory))

	if out.Success {
		t.Fatal("outcome success, want failure")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("handler calls = %d, want 3", got)
	}
	if out.ErrorKind != task.KindFault {
		t.Fatalf("error kind = %q, want %q", out.ErrorKind, task.KindFault)
	}
	if !strings.Contains(out.ErrorMessage, "broken pipe") {
		t.Fatalf("error message = %q, want last fault", out.ErrorMessage)
	}
}

func TestExecuteBusinessFailureConsumesAttempts(t *testing.T) {
	var calls atomic.Int32
	factory := &funcFactory{handler: task.HandlerFunc(func(ctx context.Context, tk *task.Task) (*task.Outcome, error) {
		n := calls.Add(1)
		return task.Fail(tk, task.KindBusiness, fmt.Sprintf("declined %d", n)), nil
	})}

	e := newExecutor(t)
	tk := task.New("declined", task.ModePooled, task.WithMaxRetries(3))
	out := e.Execute(context.Background(), tk, NewState(factory))

	// Failure outcomes retry exactly like faults.
	if got := calls.Load(); got != 3 {
		t.Fatalf("handler calls = %d, want 3", got)
	}
	// The final attempt's outcome comes back untouched.
	if out.ErrorKind != task.KindBusiness {
		t.Fatalf("error kind = %q, want %q", out.ErrorKind, task.KindBusiness)
	}
	if out.ErrorMessage != "declined 3" {
		t.Fatalf("error message = %q, want %q", out.ErrorMessage, "declined 3")
	}
}

func TestExecuteBusinessFailureThenSuccess(t *testing.T) {
	var calls atomic.Int32
	factory := &funcFactory{handler: task.HandlerFunc(func(ctx context.Context, tk *task.Task) (*task.Outcome, error) {
		if calls.Add(1) == 1 {
			return task.Fail(tk, task.KindBusiness, "not yet"), nil
		}
		return task.Succeed(tk, nil), nil
	})}

	e := newExecutor(t)
	tk := task.New("eventually", task.ModePooled, task.WithMaxRetries(2))
	out := e.Execute(context.Background(), tk, NewState(factory))

	if !out.Success {
		t.Fatalf("outcome = %+v, want success on second attempt", out)
	}
}

func TestExecuteTimeout(t *testing.T) {
	factory := &funcFactory{handler: task.HandlerFunc(func(ctx context.Context, tk *task.Task) (*task.Outcome, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return task.Succeed(tk, nil), nil
		}
	})}

	e := newExecutor(t)
	tk := task.New("slow", task.ModePooled,
		task.WithTimeout(20*time.Millisecond),
		task.WithMaxRetries(2),
	)
	start := time.Now()
	out := e.Execute(context.Background(), tk, NewState(factory))

	if out.Success {
		t.Fatal("outcome success, want timeout failure")
	}
	if out.ErrorKind != task.KindTimeout {
		t.Fatalf("error kind = %q, want %q", out.ErrorKind, task.KindTimeout)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("execution took %s, guard did not fire", elapsed)
	}
}

func TestExecuteTimeoutCallsTerminate(t *testing.T) {
	h := &terminatingHandler{release: make(chan struct{})}
	factory := &funcFactory{handler: h}

	e := newExecutor(t)
	tk := task.New("hung", task.ModePooled,
		task.WithTimeout(20*time.Millisecond),
		task.WithMaxRetries(1),
	)
	out := e.Execute(context.Background(), tk, NewState(factory))

	if out.ErrorKind != task.KindTimeout {
		t.Fatalf("error kind = %q, want %q", out.ErrorKind, task.KindTimeout)
	}
	select {
	case <-h.release:
	case <-time.After(time.Second):
		t.Fatal("Terminate was not called")
	}
}

// terminatingHandler blocks until its Terminate method is invoked.
type terminatingHandler struct {
	release chan struct{}
}

func (h *terminatingHandler) Handle(ctx context.Context, t *task.Task) (*task.Outcome, error) {
	<-h.release
	return nil, errors.New("terminated")
}

func (h *terminatingHandler) Terminate(ctx context.Context) {
	close(h.release)
}

func TestExecuteHandlerCreationFailure(t *testing.T) {
	factory := &funcFactory{err: errors.New("no such handler")}

	e := newExecutor(t)
	tk := task.New("orphan", task.ModePooled, task.WithMaxRetries(2))
	out := e.Execute(context.Background(), tk, NewState(factory))

	if out.Success {
		t.Fatal("outcome success, want failure")
	}
	if !strings.Contains(out.ErrorMessage, dispatch.ErrHandlerCreation.Error()) {
		t.Fatalf("error message = %q, want handler creation failure", out.ErrorMessage)
	}
}

func TestExecuteCommandSuccess(t *testing.T) {
	e := newExecutor(t)
	tk, err := task.NewCommandTask("shell", task.CommandSpec{
		Command: "echo",
		Args:    []string{"hello"},
	})
	if err != nil {
		t.Fatalf("NewCommandTask: %v", err)
	}

	out := e.Execute(context.Background(), tk, NewState(nil))
	if !out.Success {
		t.Fatalf("outcome = %+v, want success", out)
	}
	if got := strings.TrimSpace(string(out.Data)); got != "hello" {
		t.Fatalf("data = %q, want %q", got, "hello")
	}
}

func TestExecuteCommandFailure(t *testing.T) {
	e := newExecutor(t)
	tk, err := task.NewCommandTask("shell", task.CommandSpec{Command: "false"},
		task.WithMaxRetries(2))
	if err != nil {
		t.Fatalf("NewCommandTask: %v", err)
	}

	out := e.Execute(context.Background(), tk, NewState(nil))
	if out.Success {
		t.Fatal("outcome success, want failure")
	}
	if out.ErrorKind != task.KindCommand {
		t.Fatalf("error kind = %q, want %q", out.ErrorKind, task.KindCommand)
	}
}

func TestExecuteIsolatedWithoutCommand(t *testing.T) {
	e := newExecutor(t)
	tk := task.New("iso", task.ModeIsolated, task.WithMaxRetries(1))
	out := e.Execute(context.Background(), tk, NewState(nil))

	if out.Success {
		t.Fatal("outcome success, want failure")
	}
	if out.ErrorKind != task.KindCorelet {
		t.Fatalf("error kind = %q, want %q", out.ErrorKind, task.KindCorelet)
	}
}

func TestExecuteIsolatedTimeoutKillsCorelet(t *testing.T) {
	// sleep never speaks the protocol, so the attempt can only end at
	// the deadline. The corelet must be gone afterwards regardless of
	// which select arm observed the timeout.
	registry := corelet.NewRegistry()
	e := NewExecutor(
		ext.NewRegistry(discardLogger()),
		backoff.None{},
		corelet.Config{Command: []string{"sleep", "60"}, Grace: 100 * time.Millisecond},
		registry,
		discardLogger(),
	)

	st := NewState(nil)
	tk := task.New("iso", task.ModeIsolated,
		task.WithMaxRetries(1),
		task.WithTimeout(100*time.Millisecond),
	)
	out := e.Execute(context.Background(), tk, st)

	if out.Success {
		t.Fatal("outcome success, want timeout failure")
	}
	if out.ErrorKind != task.KindTimeout {
		t.Fatalf("error kind = %q, want %q", out.ErrorKind, task.KindTimeout)
	}
	if st.Corelet != nil {
		t.Fatal("corelet should be killed after an isolated timeout")
	}
	if registry.Active() != 0 {
		t.Fatalf("Active() = %d, want 0", registry.Active())
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	factory := &funcFactory{handler: task.HandlerFunc(func(ctx context.Context, tk *task.Task) (*task.Outcome, error) {
		return task.Succeed(tk, nil), nil
	})}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := newExecutor(t)
	tk := task.New("late", task.ModePooled)
	out := e.Execute(ctx, tk, NewState(factory))

	if out.Success {
		t.Fatal("outcome success, want failure for cancelled context")
	}
}
