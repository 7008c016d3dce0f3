package corelet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/neuraldevelopment/dispatch"
	"github.com/neuraldevelopment/dispatch/id"
	"github.com/neuraldevelopment/dispatch/task"
)

// Config configures a corelet channel.
type Config struct {
	// Command is the argv of the corelet binary. The child must run a
	// Serve loop over its stdin/stdout.
	Command []string

	// Codec selects the frame serialization. Defaults to JSON.
	Codec Codec

	// Grace bounds the shutdown handshake and the SIGTERM-to-SIGKILL
	// window during cleanup.
	Grace time.Duration

	Logger *slog.Logger
}

// Channel is the parent-side binding to one live corelet subprocess and
// its two pipes. Each pool worker owns at most one Channel, created
// lazily on its first isolated dispatch.
type Channel struct {
	coreletID id.CoreletID
	config    Config
	registry  *Registry

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	waitCh chan error

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// Spawn starts the corelet subprocess with both pipes attached and
// registers it in the active-corelet registry.
func Spawn(cfg Config, registry *Registry) (*Channel, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("%w: no corelet command configured", dispatch.ErrCoreletComm)
	}
	if cfg.Codec == nil {
		cfg.Codec = &JSONCodec{}
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", dispatch.ErrCoreletComm, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", dispatch.ErrCoreletComm, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start corelet: %v", dispatch.ErrCoreletComm, err)
	}

	ch := &Channel{
		coreletID: id.NewCoreletID(),
		config:    cfg,
		registry:  registry,
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		waitCh:    make(chan error, 1),
	}
	go func() { ch.waitCh <- cmd.Wait() }()

	if registry != nil {
		registry.add(ch)
	}

	cfg.Logger.Info("corelet started",
		slog.String("corelet_id", ch.coreletID.String()),
		slog.Int("pid", ch.PID()),
	)
	return ch, nil
}

// ID returns the corelet's unique identifier.
func (c *Channel) ID() id.CoreletID { return c.coreletID }

// PID returns the subprocess id, or 0 when the process is gone.
func (c *Channel) PID() int {
	if c.cmd != nil && c.cmd.Process != nil {
		return c.cmd.Process.Pid
	}
	return 0
}

// Execute sends the task to the corelet and waits for its result frame.
// Pipe or framing failures surface as ErrCoreletComm; a context deadline
// surfaces as the context error, leaving the caller to kill the corelet.
// Calls are serialized: a channel carries one in-flight task at a time.
func (c *Channel) Execute(ctx context.Context, t *task.Task) (*task.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("%w: channel closed", dispatch.ErrCoreletComm)
	}

	c.seq++
	frameID := fmt.Sprintf("%s-%d", c.coreletID.String(), c.seq)
	if err := WriteFrame(c.stdin, c.config.Codec, execFrame(frameID, t)); err != nil {
		return nil, err
	}

	type readResult struct {
		frame *Frame
		err   error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		for {
			f, err := ReadFrame(c.stdout, c.config.Codec)
			if err != nil {
				resultCh <- readResult{err: err}
				return
			}
			if f.ID != frameID {
				// Stale reply from an abandoned request. Skip it, the
				// frame we want is still in flight.
				c.config.Logger.Warn("corelet: discarding stale frame",
					slog.String("corelet_id", c.coreletID.String()),
					slog.String("frame_id", f.ID),
				)
				continue
			}
			resultCh <- readResult{frame: f}
			return
		}
	}()

	select {
	case <-ctx.Done():
		// The abandoned reader unblocks once the corelet is killed and
		// the pipe closes.
		return nil, ctx.Err()
	case rr := <-resultCh:
		if rr.err != nil {
			if rr.err == io.EOF {
				return nil, fmt.Errorf("%w: corelet closed its pipe", dispatch.ErrCoreletComm)
			}
			return nil, rr.err
		}
		switch rr.frame.Type {
		case FrameResult:
			if rr.frame.Outcome == nil {
				return nil, fmt.Errorf("%w: result frame without outcome", dispatch.ErrCoreletComm)
			}
			return rr.frame.Outcome, nil
		case FrameErr:
			return nil, fmt.Errorf("%w: %s", dispatch.ErrCoreletComm, rr.frame.Error)
		default:
			return nil, fmt.Errorf("%w: unexpected frame type %q", dispatch.ErrCoreletComm, rr.frame.Type)
		}
	}
}

// Cleanup tears the corelet down: a graceful handshake (shutdown frame,
// ack awaited within the grace bound), then SIGTERM and a short join,
// then pipe closure. Any failure on the graceful path downgrades to a
// forced kill, leaving the pipes for the OS to reclaim. The registry
// entry is removed in all paths; cleaning up an inactive channel is a
// no-op.
func (c *Channel) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	defer c.unregister()

	if err := c.gracefulShutdown(); err != nil {
		c.config.Logger.Warn("corelet graceful shutdown failed, killing",
			slog.String("corelet_id", c.coreletID.String()),
			slog.String("error", err.Error()),
		)
		c.forceKill()
		return
	}

	_ = c.stdin.Close()
	_ = c.stdout.Close()

	c.config.Logger.Info("corelet stopped",
		slog.String("corelet_id", c.coreletID.String()),
	)
}

// Kill hard-terminates the corelet without a handshake. Used when a
// bounded call overran its deadline and the subprocess must go away now.
func (c *Channel) Kill() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	defer c.unregister()

	c.forceKill()
}

// gracefulShutdown runs the handshake and termination sequence. Caller
// holds c.mu.
func (c *Channel) gracefulShutdown() error {
	shutdown := &Frame{
		ID:        c.coreletID.String() + "-shutdown",
		Type:      FrameShutdown,
		Timestamp: time.Now().UTC(),
	}
	if err := WriteFrame(c.stdin, c.config.Codec, shutdown); err != nil {
		return err
	}

	// Await the ack within the grace bound.
	type readResult struct {
		frame *Frame
		err   error
	}
	ackCh := make(chan readResult, 1)
	go func() {
		f, err := ReadFrame(c.stdout, c.config.Codec)
		ackCh <- readResult{frame: f, err: err}
	}()

	select {
	case rr := <-ackCh:
		if rr.err != nil && rr.err != io.EOF {
			return rr.err
		}
		if rr.err == nil && rr.frame.Type != FrameAck {
			return fmt.Errorf("%w: expected ack, got %q", dispatch.ErrCoreletComm, rr.frame.Type)
		}
	case <-time.After(c.config.Grace):
		return fmt.Errorf("%w: shutdown ack timed out", dispatch.ErrCoreletComm)
	}

	// Terminate and join with a short timeout. A corelet that already
	// exited after acking counts as graceful.
	if c.cmd.Process != nil {
		if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("%w: signal corelet: %v", dispatch.ErrCoreletComm, err)
		}
	}
	select {
	case <-c.waitCh:
		return nil
	case <-time.After(c.config.Grace):
		return fmt.Errorf("%w: corelet did not exit after SIGTERM", dispatch.ErrCoreletComm)
	}
}

// forceKill sends SIGKILL and reaps the process. Termination failures
// are logged and swallowed. Caller holds c.mu.
func (c *Channel) forceKill() {
	if c.cmd.Process != nil {
		if err := c.cmd.Process.Kill(); err != nil {
			c.config.Logger.Error("corelet kill failed",
				slog.String("corelet_id", c.coreletID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	select {
	case <-c.waitCh:
	case <-time.After(c.config.Grace):
		c.config.Logger.Error("corelet did not die after SIGKILL",
			slog.String("corelet_id", c.coreletID.String()),
		)
	}
}

func (c *Channel) unregister() {
	if c.registry != nil {
		c.registry.remove(c.coreletID.String())
	}
}
