package dispatch

import "errors"

var (
	// Publish-time errors. These are raised synchronously to the caller
	// and never retried.
	ErrInvalidTask        = errors.New("dispatch: invalid task")
	ErrNoHandler          = errors.New("dispatch: no handler available")
	ErrInvalidWorkerCount = errors.New("dispatch: worker count must be positive")
	ErrShutdown           = errors.New("dispatch: dispatcher is shut down")

	// Execution errors. These are caught by the retry loop and surface
	// to callers only through Outcome fields, never from Collect.
	ErrHandlerCreation = errors.New("dispatch: handler creation failed")
	ErrTimeout         = errors.New("dispatch: execution timed out")
	ErrCoreletComm     = errors.New("dispatch: corelet communication error")
)
