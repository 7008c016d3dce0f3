package corelet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/neuraldevelopment/dispatch/id"
	"github.com/neuraldevelopment/dispatch/task"
)

// Serve implements the child side of the corelet protocol: read frames
// from r, execute tasks through handlers resolved from the factory, and
// write result frames to w. It returns nil when the parent sends a
// shutdown frame (after writing the ack) or closes the pipe.
//
// A corelet binary is a main function calling Serve over os.Stdin and
// os.Stdout with the application's handler factory.
func Serve(ctx context.Context, factory task.Factory, r io.Reader, w io.Writer, codec Codec, logger *slog.Logger) error {
	if codec == nil {
		codec = &JSONCodec{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache := task.NewCache(factory)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f, err := ReadFrame(r, codec)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		switch f.Type {
		case FrameShutdown:
			ack := &Frame{ID: f.ID, Type: FrameAck, Timestamp: time.Now().UTC()}
			if err := WriteFrame(w, codec, ack); err != nil {
				return err
			}
			return nil

		case FrameExec:
			reply := executeFrame(ctx, cache, f)
			if err := WriteFrame(w, codec, reply); err != nil {
				return err
			}

		default:
			logger.Warn("corelet: unexpected frame", slog.String("type", string(f.Type)))
			reply := &Frame{
				ID:        f.ID,
				Type:      FrameErr,
				Error:     fmt.Sprintf("unexpected frame type %q", f.Type),
				Timestamp: time.Now().UTC(),
			}
			if err := WriteFrame(w, codec, reply); err != nil {
				return err
			}
		}
	}
}

// executeFrame runs one exec frame through the handler cache and builds
// the reply. Handler faults become failure outcomes rather than error
// frames: the parent-side retry loop owns the retry decision, so the
// protocol stays healthy across handler failures.
func executeFrame(ctx context.Context, cache *task.Cache, f *Frame) *Frame {
	t := frameTask(f)

	reply := func(o *task.Outcome) *Frame {
		return &Frame{ID: f.ID, Type: FrameResult, Outcome: o, Timestamp: time.Now().UTC()}
	}

	handler, err := cache.Resolve(f.TaskType)
	if err != nil {
		return reply(task.Fail(t, task.KindFault, err.Error()))
	}

	execCtx := ctx
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	outcome, err := safeHandle(execCtx, handler, t)
	if err != nil {
		return reply(task.Fail(t, task.KindFault, err.Error()))
	}
	if outcome == nil {
		return reply(task.Fail(t, task.KindFault, "handler returned no outcome"))
	}
	return reply(outcome)
}

// safeHandle invokes the handler, converting panics to errors.
func safeHandle(ctx context.Context, h task.Handler, t *task.Task) (o *task.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			o = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, t)
}

// frameTask reconstructs the task described by an exec frame. Inside the
// corelet the task always executes directly, so the mode is pooled.
func frameTask(f *Frame) *task.Task {
	taskID, err := id.ParseTaskID(f.TaskID)
	if err != nil {
		taskID = id.NewTaskID()
	}
	return &task.Task{
		ID:      taskID,
		Type:    f.TaskType,
		Mode:    task.ModePooled,
		Payload: f.Payload,
		Timeout: f.Timeout,
	}
}
