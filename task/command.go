package task

import (
	"encoding/json"
	"fmt"

	"github.com/neuraldevelopment/dispatch"
)

// CommandSpec is the payload of a ModeCommand task: an external command
// to run with optional arguments, working directory, and extra
// environment entries ("KEY=VALUE").
type CommandSpec struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// NewCommandTask builds a ModeCommand task carrying the spec as payload.
func NewCommandTask(taskType string, spec CommandSpec, opts ...Option) (*Task, error) {
	payload, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal command spec: %v", dispatch.ErrInvalidTask, err)
	}

	opts = append(opts, WithPayload(payload))
	return New(taskType, ModeCommand, opts...), nil
}

// DecodeCommandSpec parses a command task's payload. An empty command is
// rejected.
func DecodeCommandSpec(t *Task) (CommandSpec, error) {
	var spec CommandSpec
	if err := json.Unmarshal(t.Payload, &spec); err != nil {
		return CommandSpec{}, fmt.Errorf("%w: decode command spec: %v", dispatch.ErrInvalidTask, err)
	}
	if spec.Command == "" {
		return CommandSpec{}, fmt.Errorf("%w: empty command", dispatch.ErrInvalidTask)
	}
	return spec, nil
}
