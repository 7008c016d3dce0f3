package queue

import (
	"container/heap"
	"context"
	"math"
	"sync"
	"time"

	"github.com/neuraldevelopment/dispatch/task"
)

// ControlPriority is the reserved priority for shutdown control items.
// It outranks every task priority, so control items pushed during an
// immediate shutdown are served ahead of already-queued work.
const ControlPriority = math.MinInt

// Kind distinguishes work items from control items.
type Kind int

const (
	// KindTask carries a task to execute.
	KindTask Kind = iota
	// KindControl tells the receiving worker to exit its loop.
	KindControl
)

// Item is one queue entry. Ordering key is (Priority, seq): lower
// priority first, and among equal priorities the lower sequence number —
// strict FIFO within a priority level. Priority alone is never the sole
// sort key.
type Item struct {
	Kind     Kind
	Priority int
	Task     *task.Task

	seq uint64
}

// itemHeap implements heap.Interface over queue items.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is the shared pending-work queue. Safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	items itemHeap
	seq   uint64

	pollInterval time.Duration
}

// New creates an empty queue. Blocking pops poll with the given interval
// so poppers stay responsive to their stop signal.
func New(pollInterval time.Duration) *Queue {
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	return &Queue{pollInterval: pollInterval}
}

// Push enqueues a task at its own priority, stamping the next sequence
// number.
func (q *Queue) Push(t *task.Task) {
	q.push(&Item{Kind: KindTask, Priority: t.Priority, Task: t})
}

// PushControl enqueues one control item at the reserved priority.
func (q *Queue) PushControl() {
	q.push(&Item{Kind: KindControl, Priority: ControlPriority})
}

// Requeue returns a previously popped item to the queue keeping its
// original sequence number, so FIFO order within its priority level is
// preserved.
func (q *Queue) Requeue(it *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.items, it)
}

func (q *Queue) push(it *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	it.seq = q.seq
	heap.Push(&q.items, it)
}

// TryPop removes and returns the highest-ranked item, or nil when the
// queue is empty.
func (q *Queue) TryPop() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*Item)
}

// Pop blocks until an item is available or stop is closed. It polls
// rather than waits on a condition so a popper observes stop within one
// poll interval even while the queue stays empty.
func (q *Queue) Pop(stop <-chan struct{}) *Item {
	for {
		if it := q.TryPop(); it != nil {
			return it
		}
		select {
		case <-stop:
			return nil
		case <-time.After(q.pollInterval):
		}
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// WaitEmpty blocks until the queue is empty or the context is done.
func (q *Queue) WaitEmpty(ctx context.Context) error {
	for {
		if q.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}
