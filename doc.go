// Package dispatch is an in-process task dispatch engine: a single entry
// point through which callers submit units of work for execution under one
// of several strategies — inline on the caller, on a pooled worker, in an
// isolated subprocess ("corelet"), or as a raw external command — with
// bounded concurrency, per-task timeouts, automatic retry, a bounded LRU
// cache of outcomes, and coordinated shutdown.
//
// # Quick Start
//
//	d, err := engine.New(factory,
//	    engine.WithWorkers(8),
//	    engine.WithLogger(logger),
//	)
//	if err != nil { ... }
//
//	t := task.New("resize-image", task.ModePooled,
//	    task.WithPayload(payload),
//	    task.WithMaxRetries(3),
//	    task.WithTimeout(30*time.Second),
//	)
//	taskID, err := d.Publish(ctx, t)
//	if err != nil { ... }
//	outcomes, err := d.Collect(ctx,
//	    engine.CollectWait(),
//	    engine.CollectIDs(taskID.String()),
//	)
//
// # Architecture
//
// The root package holds the error taxonomy and configuration. Subsystems
// live in their own packages (task, queue, store, corelet, worker, ext)
// and the engine package wires them together. This layering keeps the
// subsystem packages free of import cycles: they may import the root, and
// only engine imports them all.
package dispatch
