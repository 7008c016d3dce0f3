// Package engine wires all dispatch subsystems together: the priority
// queue, the result store, the worker pool, the extension registry, and
// the middleware chain. It provides the Publish/Collect surface
// applications use.
//
// This package exists to break the import cycle: the root dispatch
// package defines the shared errors and configuration (imported by
// task, queue, corelet, etc.) and so cannot import those packages back.
// The engine package sits above all subsystem packages and below the
// application layer.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/neuraldevelopment/dispatch"
	"github.com/neuraldevelopment/dispatch/backoff"
	"github.com/neuraldevelopment/dispatch/corelet"
	"github.com/neuraldevelopment/dispatch/ext"
	"github.com/neuraldevelopment/dispatch/id"
	mw "github.com/neuraldevelopment/dispatch/middleware"
	"github.com/neuraldevelopment/dispatch/observability"
	"github.com/neuraldevelopment/dispatch/progress"
	"github.com/neuraldevelopment/dispatch/queue"
	"github.com/neuraldevelopment/dispatch/store"
	"github.com/neuraldevelopment/dispatch/task"
	"github.com/neuraldevelopment/dispatch/worker"
)

// Dispatcher is the central coordination point: it accepts tasks,
// routes them to the pool, the inline path, corelets, or external
// commands, and hands results back through Collect.
type Dispatcher struct {
	config     dispatch.Config
	factory    task.Factory
	logger     *slog.Logger
	extensions *ext.Registry
	queue      *queue.Queue
	results    *store.Results
	pool       *worker.Pool
	executor   *worker.Executor
	corelets   *corelet.Registry
	manager    *queue.Manager
	bo         backoff.Strategy
	mws        []mw.Middleware

	coreletCmd []string
	codec      corelet.Codec
	limits     []queue.Limit
	pendingExt []ext.Extension

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// The inline path executes on the caller's goroutine but shares one
	// handler cache, so it is serialized.
	inlineMu    sync.Mutex
	inlineState *worker.State

	mu       sync.Mutex
	shutdown bool

	accepted   atomic.Uint64
	dispatched atomic.Uint64
	completed  atomic.Uint64
}

// statsHook feeds the dispatcher's completion counter from the same
// lifecycle events extensions see.
type statsHook struct {
	completed *atomic.Uint64
}

func (s *statsHook) Name() string { return "engine-stats" }

func (s *statsHook) OnTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) error {
	s.completed.Add(1)
	return nil
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers sets the initial worker count. Defaults to the logical
// CPU count.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) { d.config.Workers = n }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithPollInterval sets how often idle workers re-check the queue.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) { d.config.PollInterval = interval }
}

// WithShutdownTimeout bounds how long graceful Shutdown waits for
// workers before cancelling in-flight tasks.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.config.ShutdownTimeout = timeout }
}

// WithCoreletCommand sets the argv used to spawn corelet subprocesses
// for isolated tasks. Without it, isolated tasks fail with a corelet
// communication error.
func WithCoreletCommand(command ...string) Option {
	return func(d *Dispatcher) { d.coreletCmd = command }
}

// WithCoreletGrace sets the corelet shutdown handshake bound.
func WithCoreletGrace(grace time.Duration) Option {
	return func(d *Dispatcher) { d.config.CoreletGrace = grace }
}

// WithCodec sets the corelet frame codec. Defaults to JSON.
func WithCodec(codec corelet.Codec) Option {
	return func(d *Dispatcher) { d.codec = codec }
}

// WithBackoff sets the retry backoff strategy. Defaults to
// backoff.DefaultStrategy().
func WithBackoff(bo backoff.Strategy) Option {
	return func(d *Dispatcher) { d.bo = bo }
}

// WithMiddleware appends middleware to the execution chain, after the
// built-in recover/tracing/metrics/logging stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(d *Dispatcher) { d.mws = append(d.mws, m) }
}

// WithExtension registers a lifecycle extension.
func WithExtension(e ext.Extension) Option {
	return func(d *Dispatcher) { d.pendingExt = append(d.pendingExt, e) }
}

// WithModeLimit sets concurrency and rate limits for an execution mode.
// Modes without a limit run unrestricted.
func WithModeLimit(limits ...queue.Limit) Option {
	return func(d *Dispatcher) { d.limits = append(d.limits, limits...) }
}

// WithTracerProvider sets a custom OTel TracerProvider. If not set, the
// global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) { d.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for both the
// metrics middleware and the observability extension. If not set, the
// global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(d *Dispatcher) { d.meterProvider = mp }
}

// New creates a Dispatcher and starts its worker pool. The factory
// resolves task types to handlers; it may be nil if only command tasks
// will be published.
func New(factory task.Factory, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		config:  dispatch.DefaultConfig(),
		factory: factory,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.config.Workers <= 0 {
		return nil, dispatch.ErrInvalidWorkerCount
	}
	if d.bo == nil {
		d.bo = backoff.DefaultStrategy()
	}

	d.extensions = ext.NewRegistry(d.logger)
	d.queue = queue.New(d.config.PollInterval)
	d.results = store.NewResults(d.config.Capacity())
	d.corelets = corelet.NewRegistry()

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if d.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(d.tracerProvider.Tracer("github.com/neuraldevelopment/dispatch"))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if d.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(d.meterProvider.Meter("github.com/neuraldevelopment/dispatch"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension, then user extensions.
	var obsExt *observability.MetricsExtension
	if d.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(
			d.meterProvider.Meter("github.com/neuraldevelopment/dispatch/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	d.extensions.Register(&statsHook{completed: &d.completed})
	d.extensions.Register(obsExt)
	for _, e := range d.pendingExt {
		d.extensions.Register(e)
	}

	allMws := []mw.Middleware{
		mw.Recover(d.logger),
		tracingMw,
		metricsMw,
		mw.Logging(d.logger),
	}
	allMws = append(allMws, d.mws...)

	coreletCfg := corelet.Config{
		Command: d.coreletCmd,
		Codec:   d.codec,
		Grace:   d.config.CoreletGrace,
		Logger:  d.logger,
	}
	d.executor = worker.NewExecutor(d.extensions, d.bo, coreletCfg, d.corelets, d.logger, allMws...)
	d.inlineState = worker.NewState(factory)

	if len(d.limits) > 0 {
		d.manager = queue.NewManager(d.limits...)
	}
	d.pool = worker.NewPool(
		d.queue,
		d.results,
		d.executor,
		d.extensions,
		d.manager,
		factory,
		d.config.PollInterval,
		d.logger,
	)
	d.pool.Grow(d.config.Workers)

	d.logger.Info("dispatcher started",
		slog.Int("workers", d.config.Workers),
		slog.Int("result_capacity", d.results.Capacity()),
	)
	return d, nil
}

// Publish validates the task and either executes it inline or enqueues
// it for the pool, returning the task's ID. Queued tasks get a pending
// placeholder in the result store before they become visible to
// workers; inline tasks have their final outcome recorded before
// Publish returns.
func (d *Dispatcher) Publish(ctx context.Context, t *task.Task) (id.TaskID, error) {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return id.TaskID{}, dispatch.ErrShutdown
	}
	d.mu.Unlock()

	if err := t.Validate(); err != nil {
		return id.TaskID{}, err
	}
	if t.Mode != task.ModeCommand {
		if d.factory == nil || !d.factory.IsAvailable(t.Type) {
			return id.TaskID{}, dispatch.ErrNoHandler
		}
	}

	// Backfill progress from the publish context when the task carries
	// none of its own.
	if t.Tracker == nil {
		t.Tracker, t.TrackerSteps = progress.From(ctx)
	}

	if t.Mode == task.ModeInline {
		d.accepted.Add(1)
		d.extensions.EmitTaskPublished(ctx, t)
		d.executeInline(ctx, t)
		return t.ID, nil
	}

	// Re-check under the lock: a push racing Shutdown could otherwise
	// land after the drain and strand a pending placeholder.
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return id.TaskID{}, dispatch.ErrShutdown
	}
	d.accepted.Add(1)
	d.results.PutPending(t)
	d.queue.Push(t)
	d.mu.Unlock()

	d.dispatched.Add(1)
	d.extensions.EmitTaskPublished(ctx, t)
	return t.ID, nil
}

// executeInline runs the task on the caller's goroutine through the
// same retry and timeout machinery as pooled work.
func (d *Dispatcher) executeInline(ctx context.Context, t *task.Task) {
	if t.Tracker != nil {
		ctx = progress.With(ctx, t.Tracker, t.TrackerSteps)
	}
	d.extensions.EmitTaskStarted(ctx, t)

	d.inlineMu.Lock()
	outcome := d.executor.Execute(ctx, t, d.inlineState)
	d.inlineMu.Unlock()

	d.results.Put(t.ID.String(), outcome)

	if t.Tracker != nil {
		steps := t.TrackerSteps
		if steps <= 0 {
			steps = 1
		}
		t.Tracker.Advance(steps)
	}
}

// CollectOption configures a Collect call.
type CollectOption func(*collectConfig)

type collectConfig struct {
	wait bool
	ids  []string
}

// CollectWait makes Collect block until the queue has drained and every
// tracked outcome has resolved — or, combined with CollectIDs, until
// the named tasks resolve. Waiting is bounded by the context.
func CollectWait() CollectOption {
	return func(c *collectConfig) { c.wait = true }
}

// CollectIDs restricts Collect to the given tasks. Their outcomes are
// removed from the store; unknown IDs are silently omitted.
func CollectIDs(taskIDs ...string) CollectOption {
	return func(c *collectConfig) { c.ids = append(c.ids, taskIDs...) }
}

// Collect returns task outcomes. Without CollectIDs it is a
// non-destructive snapshot of everything stored; with CollectIDs the
// named outcomes are removed as they are returned. Collect never
// returns execution errors — outcomes describe their own failure.
func (d *Dispatcher) Collect(ctx context.Context, opts ...CollectOption) (map[string]*task.Outcome, error) {
	var cfg collectConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.wait {
		if len(cfg.ids) == 0 {
			if err := d.queue.WaitEmpty(ctx); err != nil {
				return nil, err
			}
		}
		if err := d.waitResolved(ctx, cfg.ids); err != nil {
			return nil, err
		}
	}

	if len(cfg.ids) == 0 {
		return d.results.Snapshot(), nil
	}
	return d.results.Take(cfg.ids...), nil
}

// Result returns the stored outcome for a task without waiting or
// removing it. Returns nil when unknown or already collected; pending
// placeholders are returned as-is.
func (d *Dispatcher) Result(taskID string) *task.Outcome {
	return d.results.Get(taskID)
}

// waitResolved polls until no tracked outcome is pending. An empty ID
// set means the whole store.
func (d *Dispatcher) waitResolved(ctx context.Context, taskIDs []string) error {
	interval := d.config.PollInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	for {
		if !d.anyPending(taskIDs) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (d *Dispatcher) anyPending(taskIDs []string) bool {
	if len(taskIDs) == 0 {
		for _, o := range d.results.Snapshot() {
			if o.IsPending() {
				return true
			}
		}
		return false
	}
	for _, taskID := range taskIDs {
		if o := d.results.Get(taskID); o.IsPending() {
			return true
		}
	}
	return false
}

// EnsureWorkers grows the pool to at least n workers and scales the
// result store capacity with it. The pool never shrinks.
func (d *Dispatcher) EnsureWorkers(n int) error {
	if n <= 0 {
		return dispatch.ErrInvalidWorkerCount
	}
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return dispatch.ErrShutdown
	}
	d.mu.Unlock()

	size := d.pool.Grow(n)
	d.results.Resize(size * dispatch.CapacityPerWorker)
	d.logger.Info("worker pool resized",
		slog.Int("workers", size),
		slog.Int("result_capacity", d.results.Capacity()),
	)
	return nil
}

// Workers returns the current pool size.
func (d *Dispatcher) Workers() int { return d.pool.Size() }

// Shutdown stops the dispatcher. Graceful shutdown drains the queue and
// lets in-flight tasks finish; immediate shutdown cancels in-flight
// tasks and abandons queued ones, leaving their pending placeholders in
// the store. Shutdown is idempotent, and Publish fails with ErrShutdown
// afterwards.
func (d *Dispatcher) Shutdown(ctx context.Context, immediate bool) error {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return nil
	}
	d.shutdown = true
	d.mu.Unlock()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && d.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.ShutdownTimeout)
		defer cancel()
	}

	if !immediate {
		if err := d.queue.WaitEmpty(ctx); err != nil {
			d.logger.Warn("queue drain cut short", slog.String("error", err.Error()))
		}
	}

	stopErr := d.pool.Stop(ctx, immediate)

	// Workers tear down their own corelets on exit; this sweeps any
	// that no longer have an owner.
	if err := d.corelets.CleanupAll(ctx); err != nil {
		d.logger.Warn("corelet cleanup error", slog.String("error", err.Error()))
	}

	d.extensions.EmitShutdown(ctx)
	d.logger.Info("dispatcher stopped", slog.Bool("immediate", immediate))
	return stopErr
}

// CoreletMetrics is a point-in-time view of corelet usage. Each worker
// owns at most one corelet, so MaxCorelets equals the pool size.
type CoreletMetrics struct {
	Active      int
	Workers     int
	MaxCorelets int
}

// CoreletMetrics reports current corelet usage.
func (d *Dispatcher) CoreletMetrics() CoreletMetrics {
	workers := d.pool.Size()
	return CoreletMetrics{
		Active:      d.corelets.Active(),
		Workers:     workers,
		MaxCorelets: workers,
	}
}

// Stats is a point-in-time view of dispatcher activity. Accepted counts
// every task Publish took; Dispatched counts only those handed to the
// pool — the two are tracked separately because the inline path skips
// the queue. Completed counts tasks that finished successfully.
type Stats struct {
	Accepted       uint64
	Dispatched     uint64
	Completed      uint64
	QueueDepth     int
	Workers        int
	ResultCount    int
	ResultCapacity int
	ActiveCorelets int
}

// Stats returns current dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Accepted:       d.accepted.Load(),
		Dispatched:     d.dispatched.Load(),
		Completed:      d.completed.Load(),
		QueueDepth:     d.queue.Len(),
		Workers:        d.pool.Size(),
		ResultCount:    d.results.Len(),
		ResultCapacity: d.results.Capacity(),
		ActiveCorelets: d.corelets.Active(),
	}
}

// Extensions returns the extension registry.
func (d *Dispatcher) Extensions() *ext.Registry { return d.extensions }

// QueueManager returns the mode limit manager, or nil when no limits
// were configured.
func (d *Dispatcher) QueueManager() *queue.Manager { return d.manager }
