// Package observability provides an OpenTelemetry-based metrics
// extension for the dispatch engine. MetricsExtension implements
// lifecycle hooks to record counters for task publish, completion,
// terminal failure, retry, and corelet start/stop events.
//
// For per-attempt tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
