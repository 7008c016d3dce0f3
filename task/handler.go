package task

import (
	"context"
	"fmt"

	"github.com/neuraldevelopment/dispatch"
)

// Handler executes tasks of one type. Implementations report business
// failure by returning an Outcome with Success = false and fault by
// returning an error; both consume a retry attempt.
type Handler interface {
	Handle(ctx context.Context, t *Task) (*Outcome, error)
}

// Terminator is optionally implemented by handlers that can abort an
// in-flight Handle call. The timeout guard invokes Terminate when an
// attempt overruns its deadline; the handler should observe the request
// promptly but is not required to.
type Terminator interface {
	Terminate(ctx context.Context)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, t *Task) (*Outcome, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, t *Task) (*Outcome, error) {
	return f(ctx, t)
}

// Factory resolves task types to handler instances. It is the engine's
// collaborator for all non-command modes: Publish consults IsAvailable
// before accepting a task, and workers call Create lazily on first use
// of a type.
type Factory interface {
	// IsAvailable reports whether a handler is registered for the type.
	IsAvailable(taskType string) bool
	// Create builds a new handler instance for the type. Each worker
	// holds its own instances, so Create is called once per type per
	// worker.
	Create(taskType string) (Handler, error)
}

// Cache is a per-worker cache of resolved handler instances. It is
// deliberately unsynchronized: every worker owns exactly one Cache and
// never shares it, which keeps handler resolution lock-free on the hot
// path.
type Cache struct {
	factory  Factory
	handlers map[string]Handler
}

// NewCache creates an empty handler cache backed by the factory.
func NewCache(factory Factory) *Cache {
	return &Cache{
		factory:  factory,
		handlers: make(map[string]Handler),
	}
}

// Resolve returns the cached handler for the task type, creating it
// through the factory on first use. A factory error, panic, or nil
// handler surfaces as ErrHandlerCreation.
func (c *Cache) Resolve(taskType string) (h Handler, err error) {
	if cached, ok := c.handlers[taskType]; ok {
		return cached, nil
	}

	defer func() {
		if r := recover(); r != nil {
			h = nil
			err = fmt.Errorf("%w: factory panic for type %q: %v", dispatch.ErrHandlerCreation, taskType, r)
		}
	}()

	created, err := c.factory.Create(taskType)
	if err != nil {
		return nil, fmt.Errorf("%w: type %q: %v", dispatch.ErrHandlerCreation, taskType, err)
	}
	if created == nil {
		return nil, fmt.Errorf("%w: factory returned nil handler for type %q", dispatch.ErrHandlerCreation, taskType)
	}

	c.handlers[taskType] = created
	return created, nil
}

// Len returns the number of cached handler instances.
func (c *Cache) Len() int { return len(c.handlers) }
