package scheduler

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// Limiter is the counting resource behind the "at most N running" rule.
// A slot is taken before a JobRun enters Running and given back when that
// attempt terminates.
type Limiter struct {
	sem  *semaphore.Weighted
	size int

	mu    sync.Mutex
	inUse int
	peak  int
}

// NewLimiter creates a limiter with n slots; n < 1 is treated as 1.
func NewLimiter(n int) *Limiter {
	if n < 1 {
		n = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n)), size: n}
}

// TryAcquire takes a slot if one is free.
func (l *Limiter) TryAcquire() bool {
	if !l.sem.TryAcquire(1) {
		return false
	}
	l.mu.Lock()
	l.inUse++
	if l.inUse > l.peak {
		l.peak = l.inUse
	}
	l.mu.Unlock()
	return true
}

// Release returns a slot. Releasing more than was acquired panics.
func (l *Limiter) Release() {
	l.mu.Lock()
	if l.inUse == 0 {
		l.mu.Unlock()
		panic(&InvariantViolation{Reason: "concurrency slot released twice"})
	}
	l.inUse--
	l.mu.Unlock()
	l.sem.Release(1)
}

func (l *Limiter) Size() int { return l.size }

func (l *Limiter) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUse
}

// Peak returns the highest number of slots held at once.
func (l *Limiter) Peak() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peak
}
