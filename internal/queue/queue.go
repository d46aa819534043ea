// Package queue provides the transfer queue that couples the two transport
// links of a bridge daemon. It is the only shared mutable state between
// them: one link produces, the other consumes, and a consumer that fails to
// deliver re-enqueues at the tail (at-least-once, best-effort ordering
// under failure).
package queue

import "sync"

// Queue is a thread-safe unbounded FIFO of opaque byte payloads.
type Queue struct {
	mu      sync.Mutex
	items   [][]byte
	name    string
	onDepth func(int)
}

func New(name string) *Queue {
	return &Queue{name: name}
}

func (q *Queue) Name() string {
	return q.name
}

// SetDepthFunc installs a callback invoked with the queue depth after every
// push and successful pop. Used to feed the depth gauge; set once during
// wiring, before the links start.
func (q *Queue) SetDepthFunc(fn func(int)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDepth = fn
}

// Push appends p at the tail.
func (q *Queue) Push(p []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, p)
	if q.onDepth != nil {
		q.onDepth(len(q.items))
	}
}

// TryPop removes and returns the head payload, or reports false when the
// queue is empty. It never blocks.
func (q *Queue) TryPop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	p := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if q.onDepth != nil {
		q.onDepth(len(q.items))
	}
	return p, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
