// ============================================================================
// Beaver-Pipeline Worker - Attempt Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
//
// Each Worker is a goroutine that takes attempts from the task channel, runs
// them against the command backend and reports a Result.
//
// Deadline race:
//
//	attempt ctx = WithTimeout(pipeline ctx, task.Timeout)
//	┌──────────────────────────┐
//	│ go Execute(ctx, command) │──done──┐
//	└──────────────────────────┘        ├─ select: first one wins
//	ctx.Done() ─────────────────────────┘
//
//   - deadline first:     TimeoutError, the backend is left to observe ctx
//   - pipeline cancelled: wait up to the grace period for the backend, then
//                         CancelledError
//
// The backend is a black box. Cancellation is a signal, not a kill: a backend
// that ignores ctx keeps its goroutine until it returns on its own.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// Worker represents one execution context of the pool.
type Worker struct {
	id       int
	exec     Executor
	grace    time.Duration
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
	logger   *slog.Logger
}

func newWorker(id int, p *Pool) *Worker {
	return &Worker{
		id:       id,
		exec:     p.exec,
		grace:    p.grace,
		taskCh:   p.taskCh,
		resultCh: p.resultCh,
		stopCh:   p.stopCh,
		logger:   p.logger.With("worker", id),
	}
}

// Run is the worker's main loop.
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := w.attempt(task)
			select {
			case w.resultCh <- result:
			case <-w.stopCh:
				return
			}
		}
	}
}

type outcome struct {
	out types.CommandOutput
	err error
}

// attempt runs a single attempt and races it against the deadline.
func (w *Worker) attempt(task Task) Result {
	parent := task.Ctx
	if parent == nil {
		parent = context.Background()
	}
	start := time.Now()

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		out, err := w.exec.Execute(ctx, task.Command)
		done <- outcome{out: out, err: err}
	}()

	result := Result{Index: task.Index, JobID: task.JobID, Attempt: task.Attempt, StartedAt: start}

	select {
	case o := <-done:
		result.Output = o.out
		result.Err = w.classify(o, ctx, parent, task.Timeout)
	case <-ctx.Done():
		if parent.Err() == nil {
			result.Err = &TimeoutError{Timeout: task.Timeout}
			break
		}
		result.Err = w.drain(done, &result)
	}

	result.Duration = time.Since(start)
	w.logger.Debug("attempt finished", "job", task.JobID, "attempt", task.Attempt,
		"duration", result.Duration, "error", result.Err)
	return result
}

// drain gives a cancelled attempt the grace period to return on its own.
func (w *Worker) drain(done <-chan outcome, result *Result) error {
	grace := time.NewTimer(w.grace)
	defer grace.Stop()

	select {
	case o := <-done:
		result.Output = o.out
		if o.err == nil {
			return nil
		}
		if controlled(o.err) {
			return o.err
		}
		return &CancelledError{Grace: w.grace}
	case <-grace.C:
		w.logger.Warn("attempt did not stop within grace period", "grace", w.grace)
		return &CancelledError{Grace: w.grace}
	}
}

// classify maps a completed backend call onto the error taxonomy.
func (w *Worker) classify(o outcome, ctx, parent context.Context, timeout time.Duration) error {
	if o.err == nil {
		return nil
	}
	if parent.Err() != nil {
		if controlled(o.err) {
			return o.err
		}
		return &CancelledError{Grace: w.grace}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Timeout: timeout}
	}
	var ke KindError
	if errors.As(o.err, &ke) {
		return o.err
	}
	return &CommandError{ExitStatus: o.out.ExitStatus, Err: o.err}
}

// controlled reports whether err is a typed outcome other than a plain command
// failure, such as a rollback, which survives cancellation as-is.
func controlled(err error) bool {
	var ke KindError
	return errors.As(err, &ke) && ke.Kind() != types.ErrorCommand
}
