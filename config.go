package dispatch

import (
	"runtime"
	"time"
)

// CapacityPerWorker is the number of result-store slots provisioned per
// worker. The store capacity is always Workers * CapacityPerWorker.
const CapacityPerWorker = 1000

// Config holds configuration for the dispatch engine.
type Config struct {
	// Workers is the number of worker goroutines. Zero means probe the
	// available parallelism (see DefaultWorkers).
	Workers int

	// PollInterval is how often idle workers re-check the queue. Workers
	// block on the queue with this granularity so they stay responsive
	// to shutdown.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for workers to exit
	// during graceful shutdown before active work is abandoned.
	ShutdownTimeout time.Duration

	// CoreletGrace is how long a corelet gets to acknowledge a shutdown
	// frame and exit before it is killed.
	CoreletGrace time.Duration
}

// DefaultWorkers probes the available parallelism. If the probe reports
// nothing useful the fallback is 16.
func DefaultWorkers() int {
	n := runtime.GOMAXPROCS(0)
	if n <= 0 {
		return 16
	}
	return n
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         DefaultWorkers(),
		PollInterval:    50 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
		CoreletGrace:    2 * time.Second,
	}
}

// Capacity returns the result-store capacity for the configured worker
// count.
func (c Config) Capacity() int {
	return c.Workers * CapacityPerWorker
}
