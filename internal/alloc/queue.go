package alloc

import (
	"sync"

	"github.com/eapache/queue"
)

// notifyQueue is an unbounded FIFO. Producers are runtime cleanup callbacks,
// which must never block, so put does not wait for capacity.
type notifyQueue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  *queue.Queue
	closed bool
}

func newNotifyQueue[T any]() *notifyQueue[T] {
	q := &notifyQueue[T]{items: queue.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// put enqueues v and reports false if the queue is closed.
func (q *notifyQueue[T]) put(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items.Add(v)
	q.cond.Signal()
	return true
}

// take blocks until an item is available. After close it drains what is
// left and then reports false.
func (q *notifyQueue[T]) take() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Length() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.items.Length() == 0 {
		var zero T
		return zero, false
	}
	return q.items.Remove().(T), true
}

func (q *notifyQueue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *notifyQueue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}
