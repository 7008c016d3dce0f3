// Package corelet manages isolated worker subprocesses. A corelet is a
// child process executing tasks on the worker's behalf; parent and child
// exchange length-prefixed frames over the child's stdin/stdout pipes.
// The package provides the frame envelope and codecs, the parent-side
// Channel lifecycle (spawn, execute, graceful or forced teardown), the
// active-corelet registry, and the child-side Serve loop.
package corelet

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/neuraldevelopment/dispatch"
	"github.com/neuraldevelopment/dispatch/task"
)

// FrameType identifies the frame category.
type FrameType string

const (
	// FrameExec asks the corelet to execute a task.
	FrameExec FrameType = "exec"
	// FrameResult carries the outcome of an exec frame.
	FrameResult FrameType = "result"
	// FrameErr reports a corelet-side protocol failure.
	FrameErr FrameType = "error"
	// FrameShutdown asks the corelet to exit after acknowledging.
	FrameShutdown FrameType = "shutdown"
	// FrameAck acknowledges a shutdown frame.
	FrameAck FrameType = "ack"
)

// Frame is the corelet message envelope. Every message exchanged over
// the pipes is a Frame.
type Frame struct {
	// ID uniquely identifies this frame.
	ID string `json:"id" msgpack:"id"`

	// Type categorizes the frame.
	Type FrameType `json:"type" msgpack:"type"`

	// TaskID, TaskType, Payload and Timeout describe the task for exec
	// frames.
	TaskID   string        `json:"task_id,omitempty" msgpack:"task_id,omitempty"`
	TaskType string        `json:"task_type,omitempty" msgpack:"task_type,omitempty"`
	Payload  []byte        `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty" msgpack:"timeout,omitempty"`

	// Outcome carries the execution result for result frames.
	Outcome *task.Outcome `json:"outcome,omitempty" msgpack:"outcome,omitempty"`

	// Error carries details for error frames.
	Error string `json:"error,omitempty" msgpack:"error,omitempty"`

	// Timestamp records when this frame was created.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// maxFrameSize bounds a single frame on the wire. A frame larger than
// this indicates a corrupted length prefix, not a legitimate payload.
const maxFrameSize = 64 << 20

// WriteFrame encodes the frame with the codec and writes it to w with a
// 4-byte big-endian length prefix.
func WriteFrame(w io.Writer, c Codec, f *Frame) error {
	data, err := c.Encode(f)
	if err != nil {
		return fmt.Errorf("%w: encode frame: %v", dispatch.ErrCoreletComm, err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("%w: frame too large (%d bytes)", dispatch.ErrCoreletComm, len(data))
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("%w: write frame length: %v", dispatch.ErrCoreletComm, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("%w: write frame body: %v", dispatch.ErrCoreletComm, err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and decodes it with
// the codec. A clean EOF before the length prefix surfaces as io.EOF so
// serve loops can distinguish pipe closure from corruption.
func ReadFrame(r io.Reader, c Codec) (*Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: read frame length: %v", dispatch.ErrCoreletComm, err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d exceeds limit", dispatch.ErrCoreletComm, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: read frame body: %v", dispatch.ErrCoreletComm, err)
	}

	f, err := c.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode frame: %v", dispatch.ErrCoreletComm, err)
	}
	return f, nil
}

// execFrame builds the exec frame for a task.
func execFrame(frameID string, t *task.Task) *Frame {
	return &Frame{
		ID:        frameID,
		Type:      FrameExec,
		TaskID:    t.ID.String(),
		TaskType:  t.Type,
		Payload:   t.Payload,
		Timeout:   t.Timeout,
		Timestamp: time.Now().UTC(),
	}
}
