package queue

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/neuraldevelopment/dispatch/task"
)

// Limit defines per-mode behaviour such as rate limiting and concurrency.
type Limit struct {
	// Mode is the execution mode this limit applies to.
	Mode task.Mode

	// MaxConcurrency caps how many tasks of this mode may run
	// simultaneously across the pool. Zero means no mode-specific limit
	// (pool-wide concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained tasks per second that may be
	// dequeued for this mode. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// modeState tracks runtime state for a single mode.
type modeState struct {
	limit   Limit
	limiter *rate.Limiter
	active  int
}

// Manager controls per-mode rate limiting and concurrency. The worker
// pool calls Acquire before executing a dequeued task and Release after
// execution completes. Safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	modes map[task.Mode]*modeState
}

// NewManager creates a Manager with the given limits. Modes not listed
// have no limits.
func NewManager(limits ...Limit) *Manager {
	m := &Manager{modes: make(map[task.Mode]*modeState, len(limits))}
	for _, l := range limits {
		m.modes[l.Mode] = newModeState(l)
	}
	return m
}

func newModeState(l Limit) *modeState {
	ms := &modeState{limit: l}
	if l.RateLimit > 0 {
		burst := l.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ms.limiter = rate.NewLimiter(rate.Limit(l.RateLimit), burst)
	}
	return ms
}

// Acquire checks rate limits and concurrency for the mode. If the task
// is allowed to proceed it increments the active counter and returns
// true. The caller MUST call Release when the task completes.
func (m *Manager) Acquire(mode task.Mode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms := m.modes[mode]
	if ms == nil {
		return true
	}
	// Concurrency first: a denial at the cap must not burn a rate token.
	if ms.limit.MaxConcurrency > 0 && ms.active >= ms.limit.MaxConcurrency {
		return false
	}
	if ms.limiter != nil && !ms.limiter.Allow() {
		return false
	}

	ms.active++
	return true
}

// Release decrements the active count for the mode.
func (m *Manager) Release(mode task.Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ms := m.modes[mode]; ms != nil && ms.active > 0 {
		ms.active--
	}
}

// ActiveCount returns the current number of active tasks for a mode.
func (m *Manager) ActiveCount(mode task.Mode) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms := m.modes[mode]; ms != nil {
		return ms.active
	}
	return 0
}

// SetLimit dynamically updates (or creates) a mode limit, preserving the
// current active count.
func (m *Manager) SetLimit(l Limit) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms := newModeState(l)
	if existing := m.modes[l.Mode]; existing != nil {
		ms.active = existing.active
	}
	m.modes[l.Mode] = ms
}
