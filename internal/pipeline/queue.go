package pipeline

import (
	"sync"

	"github.com/andresmejia3/stylizer/internal/types"
)

// resultQueue is the unbounded FIFO between the workers and the poller.
// Once closed it drops everything pushed to it.
type resultQueue struct {
	mu     sync.Mutex
	items  []types.Result
	closed bool
	notify chan struct{}
}

func newResultQueue() *resultQueue {
	return &resultQueue{notify: make(chan struct{}, 1)}
}

func (q *resultQueue) push(r types.Result) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, r)
	q.mu.Unlock()
	q.signal()
}

func (q *resultQueue) pop() (types.Result, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return types.Result{}, false
	}
	r := q.items[0]
	q.items[0] = types.Result{}
	q.items = q.items[1:]
	more := len(q.items) > 0
	q.mu.Unlock()

	// hand the wakeup on so a second poller is not left waiting on a non-empty queue
	if more {
		q.signal()
	}
	return r, true
}

func (q *resultQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *resultQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close empties the queue and rejects later pushes.
func (q *resultQueue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	q.closed = true
	return n
}
