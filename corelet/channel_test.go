package corelet_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/neuraldevelopment/dispatch"
	"github.com/neuraldevelopment/dispatch/corelet"
	"github.com/neuraldevelopment/dispatch/task"
)

func TestSpawn_NoCommand(t *testing.T) {
	_, err := corelet.Spawn(corelet.Config{}, corelet.NewRegistry())
	if !errors.Is(err, dispatch.ErrCoreletComm) {
		t.Errorf("Spawn without command = %v, want ErrCoreletComm", err)
	}
}

func TestSpawn_RegistersAndTracksPID(t *testing.T) {
	registry := corelet.NewRegistry()
	ch, err := corelet.Spawn(corelet.Config{
		Command: []string{"cat"},
		Grace:   200 * time.Millisecond,
	}, registry)
	if err != nil {
		t.Fatalf("Spawn error: %v", err)
	}
	defer ch.Cleanup()

	if registry.Active() != 1 {
		t.Errorf("Active() = %d, want 1", registry.Active())
	}
	if ch.PID() <= 0 {
		t.Errorf("PID() = %d, want positive", ch.PID())
	}
	if ch.ID().IsNil() {
		t.Error("channel should carry a corelet ID")
	}
}

func TestExecute_ProtocolViolation(t *testing.T) {
	// cat echoes the exec frame back; the parent expects a result frame
	// and must surface the mismatch as a communication error.
	registry := corelet.NewRegistry()
	ch, err := corelet.Spawn(corelet.Config{
		Command: []string{"cat"},
		Grace:   200 * time.Millisecond,
	}, registry)
	if err != nil {
		t.Fatalf("Spawn error: %v", err)
	}
	defer ch.Cleanup()

	tk := task.New("echo", task.ModeIsolated, task.WithPayload([]byte("x")))
	_, err = ch.Execute(context.Background(), tk)
	if !errors.Is(err, dispatch.ErrCoreletComm) {
		t.Errorf("Execute = %v, want ErrCoreletComm", err)
	}
}

func TestExecute_ContextDeadline(t *testing.T) {
	// sleep never answers, so the bounded call must return the context
	// error once the deadline passes.
	registry := corelet.NewRegistry()
	ch, err := corelet.Spawn(corelet.Config{
		Command: []string{"sleep", "60"},
		Grace:   200 * time.Millisecond,
	}, registry)
	if err != nil {
		t.Fatalf("Spawn error: %v", err)
	}
	defer ch.Kill()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	tk := task.New("echo", task.ModeIsolated)
	_, err = ch.Execute(ctx, tk)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Execute = %v, want DeadlineExceeded", err)
	}
}

func TestExecute_DiscardsStaleFrames(t *testing.T) {
	// A reply whose frame ID does not match the in-flight request is a
	// leftover from an abandoned attempt and must never be returned as
	// this task's outcome.
	codec := &corelet.JSONCodec{}
	stale := &corelet.Frame{
		ID:      "stale-frame",
		Type:    corelet.FrameResult,
		Outcome: &task.Outcome{TaskID: "stale-task", TaskType: "echo", Success: true},
	}
	var buf bytes.Buffer
	if err := corelet.WriteFrame(&buf, codec, stale); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "stale.bin")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}

	// The child emits only the stale frame and then hangs.
	registry := corelet.NewRegistry()
	ch, err := corelet.Spawn(corelet.Config{
		Command: []string{"sh", "-c", "cat " + path + "; sleep 60"},
		Grace:   200 * time.Millisecond,
	}, registry)
	if err != nil {
		t.Fatalf("Spawn error: %v", err)
	}
	defer ch.Kill()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	tk := task.New("echo", task.ModeIsolated)
	out, err := ch.Execute(ctx, tk)
	if out != nil {
		t.Fatalf("Execute returned the stale outcome %+v", out)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Execute = %v, want DeadlineExceeded after discarding the stale frame", err)
	}
}

// TestCoreletServeProcess is the child entry point for handshake tests:
// the parent respawns this test binary restricted to this test, which
// turns it into a protocol-speaking corelet over its own pipes.
func TestCoreletServeProcess(t *testing.T) {
	if os.Getenv("DISPATCH_CORELET_SERVE") != "1" {
		t.Skip("not running as a corelet child")
	}
	corelet.Serve(context.Background(), echoFactory{}, os.Stdin, os.Stdout, &corelet.JSONCodec{}, nil)
}

func TestCleanup_GracefulHandshake(t *testing.T) {
	t.Setenv("DISPATCH_CORELET_SERVE", "1")

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	registry := corelet.NewRegistry()
	ch, err := corelet.Spawn(corelet.Config{
		Command: []string{os.Args[0], "-test.run=^TestCoreletServeProcess$"},
		Grace:   2 * time.Second,
		Logger:  logger,
	}, registry)
	if err != nil {
		t.Fatalf("Spawn error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tk := task.New("echo", task.ModeIsolated, task.WithPayload([]byte("hi")))
	out, err := ch.Execute(ctx, tk)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Success || string(out.Data) != "hi" {
		t.Fatalf("outcome = %+v, want echoed success", out)
	}

	// A child that acks and exits promptly still counts as a graceful
	// teardown; the shutdown path must not escalate to SIGKILL.
	ch.Cleanup()

	if registry.Active() != 0 {
		t.Errorf("Active() after cleanup = %d, want 0", registry.Active())
	}
	if strings.Contains(logBuf.String(), "graceful shutdown failed") {
		t.Fatalf("teardown downgraded to kill:\n%s", logBuf.String())
	}
}

func TestCleanup_DowngradesToKill(t *testing.T) {
	// cat answers the shutdown frame with an echo, not an ack, so the
	// graceful path fails and cleanup falls back to SIGKILL. The
	// registry entry must be gone either way.
	registry := corelet.NewRegistry()
	ch, err := corelet.Spawn(corelet.Config{
		Command: []string{"cat"},
		Grace:   200 * time.Millisecond,
	}, registry)
	if err != nil {
		t.Fatalf("Spawn error: %v", err)
	}

	ch.Cleanup()

	if registry.Active() != 0 {
		t.Errorf("Active() after cleanup = %d, want 0", registry.Active())
	}

	// Second cleanup is a no-op.
	ch.Cleanup()
}

func TestKill_RemovesFromRegistry(t *testing.T) {
	registry := corelet.NewRegistry()
	ch, err := corelet.Spawn(corelet.Config{
		Command: []string{"sleep", "60"},
		Grace:   time.Second,
	}, registry)
	if err != nil {
		t.Fatalf("Spawn error: %v", err)
	}

	ch.Kill()

	if registry.Active() != 0 {
		t.Errorf("Active() after kill = %d, want 0", registry.Active())
	}

	// Killing twice is a no-op.
	ch.Kill()
}

func TestRegistry_CleanupAll(t *testing.T) {
	registry := corelet.NewRegistry()
	for range 3 {
		_, err := corelet.Spawn(corelet.Config{
			Command: []string{"cat"},
			Grace:   200 * time.Millisecond,
		}, registry)
		if err != nil {
			t.Fatalf("Spawn error: %v", err)
		}
	}

	if registry.Active() != 3 {
		t.Fatalf("Active() = %d, want 3", registry.Active())
	}

	if err := registry.CleanupAll(context.Background()); err != nil {
		t.Errorf("CleanupAll error: %v", err)
	}
	if registry.Active() != 0 {
		t.Errorf("Active() after CleanupAll = %d, want 0", registry.Active())
	}
}
