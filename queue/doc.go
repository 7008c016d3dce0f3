// Package queue provides the dispatcher's pending-work queue: a priority
// queue ordered by (priority, sequence) so that equal priorities are
// served strictly in submission order, plus a Manager enforcing optional
// per-mode rate limits and concurrency caps.
package queue
