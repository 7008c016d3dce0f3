package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/neuraldevelopment/dispatch/ext"
	"github.com/neuraldevelopment/dispatch/id"
	"github.com/neuraldevelopment/dispatch/progress"
	"github.com/neuraldevelopment/dispatch/queue"
	"github.com/neuraldevelopment/dispatch/store"
	"github.com/neuraldevelopment/dispatch/task"
)

// Pool manages the worker goroutines consuming the shared priority
// queue. The pool only grows: workers are added by Grow and run until a
// control item or a stop signal reaches them.
type Pool struct {
	queue        *queue.Queue
	results      *store.Results
	executor     *Executor
	extensions   *ext.Registry
	manager      *queue.Manager
	factory      task.Factory
	pollInterval time.Duration
	logger       *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	size    int
	stopped bool

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
}

// NewPool creates an empty worker pool. Call Grow to start workers.
func NewPool(
	q *queue.Queue,
	results *store.Results,
	executor *Executor,
	extensions *ext.Registry,
	manager *queue.Manager,
	factory task.Factory,
	pollInterval time.Duration,
	logger *slog.Logger,
) *Pool {
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	return &Pool{
		queue:        q,
		results:      results,
		executor:     executor,
		extensions:   extensions,
		manager:      manager,
		factory:      factory,
		pollInterval: pollInterval,
		logger:       logger,
		stopCh:       make(chan struct{}),
		active:       make(map[string]context.CancelFunc),
	}
}

// Size returns the current number of worker goroutines.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Grow starts workers until the pool has at least n. The pool never
// shrinks; a target at or below the current size is a no-op. Returns
// the resulting size.
func (p *Pool) Grow(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return p.size
	}

	for p.size < n {
		p.size++
		ws := &workerRun{
			id:    id.NewWorkerID(),
			state: NewState(p.factory),
		}
		p.wg.Add(1)
		go p.run(ws)
	}
	return p.size
}

// Stop shuts the pool down. Graceful stops push one control item per
// worker so in-flight tasks finish first; immediate stops cancel
// in-flight task contexts and close the stop channel. Blocks until all
// workers exit or the context is done.
func (p *Pool) Stop(ctx context.Context, immediate bool) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	size := p.size
	p.mu.Unlock()

	p.logger.Info("worker pool stopping",
		slog.Int("workers", size),
		slog.Bool("immediate", immediate),
	)

	if immediate {
		close(p.stopCh)
		p.cancelActive()
	} else {
		for range size {
			p.queue.PushControl()
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool stop timed out, cancelling active tasks")
		p.cancelActive()
		p.wg.Wait()
		return ctx.Err()
	}
}

// workerRun is the identity and state of one worker goroutine.
type workerRun struct {
	id    id.WorkerID
	state *State
}

func (p *Pool) run(ws *workerRun) {
	defer p.wg.Done()
	defer p.teardown(ws)

	for {
		it := p.queue.Pop(p.stopCh)
		if it == nil || it.Kind == queue.KindControl {
			return
		}

		t := it.Task
		if p.manager != nil && !p.manager.Acquire(t.Mode) {
			// Over the mode's limit. The item keeps its sequence number
			// so FIFO order holds once capacity frees up.
			p.queue.Requeue(it)
			select {
			case <-p.stopCh:
				return
			case <-time.After(p.pollInterval):
			}
			continue
		}

		p.execute(ws, t)

		if p.manager != nil {
			p.manager.Release(t.Mode)
		}
	}
}

func (p *Pool) execute(ws *workerRun, t *task.Task) {
	ctx, cancel := context.WithCancel(context.Background())
	if t.Tracker != nil {
		// Handlers observe the tracker through their execution context,
		// same as on the inline path.
		ctx = progress.With(ctx, t.Tracker, t.TrackerSteps)
	}
	taskID := t.ID.String()
	p.trackActive(taskID, cancel)
	defer func() {
		p.untrackActive(taskID)
		cancel()
	}()

	p.extensions.EmitTaskStarted(ctx, t)

	outcome := p.executor.Execute(ctx, t, ws.state)
	p.results.Put(taskID, outcome)

	// Progress reports consumption, not success: the tracker advances
	// exactly once per task regardless of outcome.
	if t.Tracker != nil {
		steps := t.TrackerSteps
		if steps <= 0 {
			steps = 1
		}
		t.Tracker.Advance(steps)
	}
}

// teardown releases a worker's corelet, if one was ever spawned.
func (p *Pool) teardown(ws *workerRun) {
	if ws.state.Corelet == nil {
		return
	}
	coreletID := ws.state.Corelet.ID()
	ws.state.Corelet.Cleanup()
	ws.state.Corelet = nil
	p.extensions.EmitCoreletStopped(context.Background(), coreletID, false)
}

func (p *Pool) trackActive(taskID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	p.active[taskID] = cancel
}

func (p *Pool) untrackActive(taskID string) {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	delete(p.active, taskID)
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for _, cancel := range p.active {
		cancel()
	}
}
