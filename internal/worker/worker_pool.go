// ============================================================================
// Beaver-Pipeline Worker Pool
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
//
// A fixed set of Worker goroutines fed through a shared task channel. The pool
// size equals the scheduler's concurrency limit, so an admitted attempt never
// waits for a free worker.
//
//   scheduler --Submit()--> taskCh --> Worker 1..N --> resultCh --Results()--> scheduler
//
// Lifecycle:
//   1. NewPool()  - create channels
//   2. Start(n)   - launch n workers
//   3. Submit()   - hand over one attempt
//   4. Results()  - receive outcomes
//   5. Stop()     - signal workers and wait for them
//
// taskCh is never closed. Stop closes stopCh instead, which every send and
// receive selects on, so Submit racing Stop returns ErrPoolClosed rather than
// panicking on a closed channel.
//
// ============================================================================

package worker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultGracePeriod is used when no grace period is configured.
const DefaultGracePeriod = 5 * time.Second

// Pool manages a fixed number of workers.
type Pool struct {
	exec   Executor
	grace  time.Duration
	logger *slog.Logger

	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithGracePeriod sets how long a cancelled attempt may keep running.
func WithGracePeriod(d time.Duration) PoolOption {
	return func(p *Pool) { p.grace = d }
}

func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPool creates a pool whose channels buffer bufferSize items.
func NewPool(exec Executor, bufferSize int, opts ...PoolOption) *Pool {
	p := &Pool{
		exec:     exec,
		grace:    DefaultGracePeriod,
		logger:   slog.Default(),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		return errors.New("pool needs at least one worker")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit hands one attempt to the pool.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// Results exposes the result channel for use in a select loop.
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// ReceiveResult blocks until a result is available or the pool stops.
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result := <-p.resultCh:
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Stop signals all workers and waits for them to exit. Attempts still
// executing finish their current select before the worker returns.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
