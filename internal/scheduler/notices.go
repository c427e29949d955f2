package scheduler

import (
	"context"
	"sync"
)

// DefaultNoticeBuffer is how many notifications may wait for the sink
// before new ones are dropped.
const DefaultNoticeBuffer = 256

// noticeQueue delivers sink calls from one goroutine that lives as long as
// the Scheduler. post never blocks.
type noticeQueue struct {
	ch chan func()
	wg sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func newNoticeQueue(size int) *noticeQueue {
	q := &noticeQueue{ch: make(chan func(), size)}
	q.wg.Add(1)
	go q.deliver()
	return q
}

func (q *noticeQueue) deliver() {
	defer q.wg.Done()
	for fn := range q.ch {
		fn()
	}
}

// post queues fn. It reports false when the queue is full or closed.
func (q *noticeQueue) post(fn func()) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- fn:
		return true
	default:
		return false
	}
}

// close stops accepting notices and waits for queued ones until ctx is done.
func (q *noticeQueue) close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
