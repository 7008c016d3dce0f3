// Package store holds task outcomes in a capacity-bounded, least-recently
// used cache keyed by task ID. Publish registers pending placeholders,
// workers overwrite them with real outcomes, and Collect reads or removes
// entries. All mutation paths run under one mutex because publish, worker
// completion, and concurrent Collect calls touch the store from different
// goroutines.
package store

import (
	"container/list"
	"sync"

	"github.com/neuraldevelopment/dispatch/task"
)

type entry struct {
	taskID  string
	outcome *task.Outcome
}

// Results is the bounded outcome store. Inserting or re-inserting a key
// moves it to the most-recently-used end; when size exceeds capacity the
// least-recently-used entries are evicted until size equals capacity.
type Results struct {
	mu       sync.Mutex
	capacity int
	order    *list.List               // front = most recently used
	entries  map[string]*list.Element // task ID → element in order
}

// NewResults creates a store bounded to capacity entries. Capacity must
// be positive.
func NewResults(capacity int) *Results {
	if capacity < 1 {
		capacity = 1
	}
	return &Results{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Get returns the outcome for the task ID without disturbing its
// recency, or nil when absent.
func (r *Results) Get(taskID string) *task.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	el, ok := r.entries[taskID]
	if !ok {
		return nil
	}
	return el.Value.(*entry).outcome
}

// Put stores the outcome under the task ID. An existing key is updated
// in place and promoted to most-recently-used; a new key is inserted at
// the most-recently-used end, evicting from the least-recently-used end
// if the store overflows.
func (r *Results) Put(taskID string, o *task.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.entries[taskID]; ok {
		el.Value.(*entry).outcome = o
		r.order.MoveToFront(el)
		return
	}

	r.entries[taskID] = r.order.PushFront(&entry{taskID: taskID, outcome: o})
	r.evictOverflow()
}

// PutPending registers the pre-completion placeholder for a task.
func (r *Results) PutPending(t *task.Task) {
	r.Put(t.ID.String(), task.Pending(t))
}

// Delete removes the entry for the task ID. Deleting an absent key is a
// no-op.
func (r *Results) Delete(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.entries[taskID]; ok {
		r.order.Remove(el)
		delete(r.entries, taskID)
	}
}

// Take removes and returns the entries for the given task IDs. Missing
// IDs are silently omitted.
func (r *Results) Take(taskIDs ...string) map[string]*task.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	taken := make(map[string]*task.Outcome, len(taskIDs))
	for _, taskID := range taskIDs {
		el, ok := r.entries[taskID]
		if !ok {
			continue
		}
		taken[taskID] = el.Value.(*entry).outcome
		r.order.Remove(el)
		delete(r.entries, taskID)
	}
	return taken
}

// Snapshot returns a copy of all stored outcomes without removing them.
func (r *Results) Snapshot() map[string]*task.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make(map[string]*task.Outcome, len(r.entries))
	for taskID, el := range r.entries {
		all[taskID] = el.Value.(*entry).outcome
	}
	return all
}

// Resize changes the capacity, evicting least-recently-used entries if
// the new capacity is smaller than the current size. Values below one
// are clamped to one.
func (r *Results) Resize(capacity int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if capacity < 1 {
		capacity = 1
	}
	r.capacity = capacity
	r.evictOverflow()
}

// Len returns the current number of stored entries.
func (r *Results) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Capacity returns the current capacity bound.
func (r *Results) Capacity() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capacity
}

// evictOverflow removes least-recently-used entries until size fits the
// capacity. Caller must hold r.mu.
func (r *Results) evictOverflow() {
	for len(r.entries) > r.capacity {
		oldest := r.order.Back()
		if oldest == nil {
			return
		}
		r.order.Remove(oldest)
		delete(r.entries, oldest.Value.(*entry).taskID)
	}
}
