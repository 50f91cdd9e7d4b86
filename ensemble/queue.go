// Package ensemble implements the admission queue, per-request
// orchestration, failure policy, and metrics for the ensemble runtime.
package ensemble

import (
	"fmt"
	"sync"
	"time"

	"github.com/salscrudato/neurastack-backend-sub006/core"
)

// queueItem is one admitted request waiting for a dispatcher slot. The
// result channel is buffered so delivery never blocks the worker.
type queueItem struct {
	req        *core.Request
	result     chan *core.EnsembleResponse
	enqueuedAt time.Time
}

// requestQueue is a bounded FIFO. Tail insertion admits new requests and
// fails with QUEUE_FULL at capacity; head insertion re-admits
// request-level retries ahead of waiting work.
type requestQueue struct {
	mu    sync.Mutex
	items []*queueItem
	max   int

	// notify carries one token per pending wake-up for the dispatcher.
	notify chan struct{}
}

func newRequestQueue(max int) *requestQueue {
	return &requestQueue{
		max:    max,
		notify: make(chan struct{}, max+1),
	}
}

// PushTail admits a new request at the back of the queue.
func (q *requestQueue) PushTail(item *queueItem) error {
	q.mu.Lock()
	if len(q.items) >= q.max {
		q.mu.Unlock()
		return &core.EnsembleError{
			Kind: core.KindQueueFull,
			Op:   "queue.PushTail",
			Err:  fmt.Errorf("queue at capacity %d: %w", q.max, core.ErrQueueFull),
		}
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.wake()
	return nil
}

// PushHead re-admits a retried request at the front. Retries bypass the
// capacity check so an admitted request is never dropped by back-pressure
// it already passed.
func (q *requestQueue) PushHead(item *queueItem) {
	q.mu.Lock()
	q.items = append([]*queueItem{item}, q.items...)
	q.mu.Unlock()

	q.wake()
}

// Pop removes the head of the queue, if any.
func (q *requestQueue) Pop() (*queueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Len returns the current queue depth.
func (q *requestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *requestQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
