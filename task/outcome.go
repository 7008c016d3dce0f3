package task

// ErrorKind classifies why a task failed. Outcomes carry the kind so
// callers can distinguish failure classes without parsing messages.
type ErrorKind string

const (
	// KindNone marks a successful outcome.
	KindNone ErrorKind = ""
	// KindPending marks the placeholder stored between acceptance and
	// completion of a queued task.
	KindPending ErrorKind = "pending"
	// KindTimeout means the attempt budget was exhausted by deadline
	// overruns.
	KindTimeout ErrorKind = "timeout"
	// KindFault means the handler returned or panicked with an error on
	// every attempt.
	KindFault ErrorKind = "fault"
	// KindBusiness means the handler reported failure without raising.
	KindBusiness ErrorKind = "business"
	// KindCorelet means corelet pipe I/O or framing failed.
	KindCorelet ErrorKind = "corelet"
	// KindCommand means an external command exited non-zero or could not
	// be started.
	KindCommand ErrorKind = "command"
)

// Outcome is the recorded result of executing a task. Workers create one
// after execution completes or the retry budget is exhausted; the result
// store owns it until collected.
type Outcome struct {
	TaskID       string    `json:"task_id" msgpack:"task_id"`
	TaskType     string    `json:"task_type" msgpack:"task_type"`
	Success      bool      `json:"success" msgpack:"success"`
	Data         []byte    `json:"data,omitempty" msgpack:"data,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty" msgpack:"error_message,omitempty"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty" msgpack:"error_kind,omitempty"`
	RetryCount   int       `json:"retry_count" msgpack:"retry_count"`
}

// Succeed builds a successful outcome for the task.
func Succeed(t *Task, data []byte) *Outcome {
	return &Outcome{
		TaskID:   t.ID.String(),
		TaskType: t.Type,
		Success:  true,
		Data:     data,
	}
}

// Fail builds a failure outcome for the task.
func Fail(t *Task, kind ErrorKind, message string) *Outcome {
	return &Outcome{
		TaskID:       t.ID.String(),
		TaskType:     t.Type,
		Success:      false,
		ErrorKind:    kind,
		ErrorMessage: message,
	}
}

// Pending builds the placeholder outcome registered when a task is
// accepted for queued execution.
func Pending(t *Task) *Outcome {
	return &Outcome{
		TaskID:    t.ID.String(),
		TaskType:  t.Type,
		Success:   false,
		ErrorKind: KindPending,
	}
}

// IsPending reports whether the outcome is the pre-completion placeholder.
func (o *Outcome) IsPending() bool {
	return o != nil && o.ErrorKind == KindPending
}
