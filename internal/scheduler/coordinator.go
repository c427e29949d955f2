package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/beaver-pipeline/internal/graph"
	"github.com/ChuLiYu/beaver-pipeline/internal/storage/journal"
	"github.com/ChuLiYu/beaver-pipeline/internal/worker"
	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// coordinator owns the state of one pipeline run. Only its loop goroutine
// reads or writes the fields below, except done and wake.
type coordinator struct {
	s      *Scheduler
	g      *graph.Graph
	jobs   []types.Job
	run    *types.PipelineRun
	runs   []*types.JobRun // by arena index
	logger *slog.Logger

	unmet     []int               // dependencies not yet satisfied
	ready     []int               // admissible now, sorted by topological rank
	backoff   map[int]*time.Timer // Ready but waiting out a retry delay
	spans     map[int]trace.Span
	remaining int
	cancelled bool

	limiter *Limiter
	pool    *worker.Pool
	ctx     context.Context
	wake    chan int
	done    chan struct{}
}

func newCoordinator(s *Scheduler, req Request) *coordinator {
	g := req.Graph
	n := g.Len()
	c := &coordinator{
		s:       s,
		g:       g,
		jobs:    make([]types.Job, n),
		runs:    make([]*types.JobRun, n),
		unmet:   make([]int, n),
		backoff: make(map[int]*time.Timer),
		spans:   make(map[int]trace.Span),
		limiter: NewLimiter(req.Limit),
		wake:    make(chan int, n),
		done:    make(chan struct{}),
		logger:  s.logger.With("run_id", req.ID, "pipeline", req.Pipeline),
		run: &types.PipelineRun{
			ID:       req.ID,
			Pipeline: req.Pipeline,
			State:    types.PipelineRunning,
			Jobs:     make([]*types.JobRun, 0, n),
		},
	}
	for i := 0; i < n; i++ {
		c.jobs[i] = g.Job(i)
		c.runs[i] = types.NewJobRun(c.jobs[i])
		c.unmet[i] = len(g.Dependencies(i))
	}
	for _, i := range g.Order() {
		c.run.Jobs = append(c.run.Jobs, c.runs[i])
	}
	c.remaining = n
	c.pool = worker.NewPool(s.exec, c.limiter.Size(),
		worker.WithGracePeriod(s.cfg.GracePeriod),
		worker.WithLogger(c.logger))
	return c
}

func (c *coordinator) loop(parent context.Context) *types.PipelineRun {
	ctx, span := tracer.Start(parent, "pipeline.Run", trace.WithAttributes(
		attribute.String("pipeline.run_id", c.run.ID),
		attribute.String("pipeline.name", c.run.Pipeline),
		attribute.Int("pipeline.job_count", c.g.Len()),
		attribute.Int("pipeline.concurrency", c.limiter.Size()),
	))
	defer span.End()
	c.ctx = ctx

	if err := c.pool.Start(c.limiter.Size()); err != nil {
		panic(&InvariantViolation{Reason: "worker pool start", Err: err})
	}

	c.run.StartedAt = time.Now()
	c.record(journal.PipelineStart(c.run))
	c.logger.Info("pipeline run started", "jobs", c.g.Len(), "concurrency", c.limiter.Size())

	for _, i := range c.g.Order() {
		if c.unmet[i] == 0 {
			c.transition(i, types.StateReady)
			c.enqueue(i)
		}
	}

	ctxDone := ctx.Done()
	for c.remaining > 0 {
		c.dispatch()
		if c.remaining == 0 {
			break
		}
		if c.limiter.InUse() == 0 && len(c.ready) == 0 && len(c.backoff) == 0 {
			panic(&InvariantViolation{Reason: fmt.Sprintf("%d job runs can never finish", c.remaining)})
		}

		select {
		case res := <-c.pool.Results():
			c.complete(res)
		case i := <-c.wake:
			c.retryDue(i)
		case <-ctxDone:
			ctxDone = nil
			c.cancel()
		}
	}
	close(c.done)
	c.pool.Stop()

	c.run.State = c.run.Derive(c.cancelled)
	c.run.FinishedAt = time.Now()
	c.record(journal.PipelineFinish(c.run))
	c.s.metrics.RecordPipelineRun(c.run.State.String(), c.run.FinishedAt.Sub(c.run.StartedAt))
	c.observe()

	final := c.run.Clone()
	c.notice(func(ctx context.Context) error { return c.s.sink.PublishPipelineRun(ctx, final) })

	if c.run.State == types.PipelineSucceeded {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, c.run.State.String())
	}
	c.logger.Info("pipeline run finished",
		"state", c.run.State.String(),
		"duration", c.run.FinishedAt.Sub(c.run.StartedAt),
		"peak_concurrency", c.limiter.Peak())
	return final
}

// dispatch admits ready runs while the limiter grants slots.
func (c *coordinator) dispatch() {
	if !c.cancelled && c.ctx.Err() != nil {
		c.cancel()
	}
	if c.cancelled {
		return
	}
	for len(c.ready) > 0 {
		if !c.limiter.TryAcquire() {
			break
		}
		i := c.ready[0]
		c.ready = c.ready[1:]
		c.start(i)
	}
	c.s.metrics.UpdateSchedulerStats(len(c.ready), c.limiter.InUse())
}

func (c *coordinator) start(i int) {
	jr := c.runs[i]
	job := c.jobs[i]
	c.transition(i, types.StateRunning)
	if jr.Attempts == 1 {
		c.run.Order = append(c.run.Order, jr.JobID)
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = c.s.cfg.DefaultTimeout
	}

	attemptCtx, span := tracer.Start(c.ctx, "job.Attempt", trace.WithAttributes(
		attribute.String("job.id", string(jr.JobID)),
		attribute.Int("job.attempt", jr.Attempts),
		attribute.String("job.class", string(jr.Class)),
		attribute.String("job.kind", string(job.Command.Kind)),
	))
	c.spans[i] = span

	c.logger.Debug("dispatching job", "job", jr.JobID, "attempt", jr.Attempts, "timeout", timeout)
	err := c.pool.Submit(worker.Task{
		Ctx:     attemptCtx,
		Index:   i,
		JobID:   jr.JobID,
		Attempt: jr.Attempts,
		Command: job.Command,
		Timeout: timeout,
	})
	if err != nil {
		panic(&InvariantViolation{JobID: jr.JobID, Reason: "submit attempt", Err: err})
	}
}

// complete settles one finished attempt.
func (c *coordinator) complete(res worker.Result) {
	i := res.Index
	jr := c.runs[i]
	if jr.State != types.StateRunning {
		panic(&InvariantViolation{JobID: jr.JobID, Reason: "result for a job that is not running",
			Err: fmt.Errorf("state %s", jr.State)})
	}
	c.limiter.Release()

	kind := worker.KindOf(res.Err)
	outcome := "succeeded"
	if res.Err != nil {
		outcome = kind.String()
	}
	c.s.metrics.RecordAttempt(string(jr.JobID), outcome, res.Duration)
	if span, ok := c.spans[i]; ok {
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, kind.String())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		delete(c.spans, i)
	}

	jr.Output = res.Output.Output
	if res.Err == nil {
		jr.Error, jr.ErrorKind = "", types.ErrorNone
		c.transition(i, types.StateSucceeded)
		c.settle(i)
		return
	}

	jr.Error, jr.ErrorKind = res.Err.Error(), kind
	if c.retryable(jr, kind) {
		delay := c.jobs[i].Retry.Backoff(jr.Attempts)
		c.transition(i, types.StateReady)
		c.s.metrics.RecordRetry(string(jr.JobID))
		c.logger.Warn("job attempt failed, retrying",
			"job", jr.JobID, "attempt", jr.Attempts, "max_attempts", jr.MaxAttempts,
			"delay", delay, "error", res.Err)
		if delay <= 0 {
			c.enqueue(i)
			return
		}
		c.backoff[i] = time.AfterFunc(delay, func() {
			select {
			case c.wake <- i:
			case <-c.done:
			}
		})
		return
	}

	c.logger.Warn("job failed", "job", jr.JobID, "attempts", jr.Attempts, "class", jr.Class, "error", res.Err)
	c.transition(i, types.StateFailed)
	c.settle(i)
}

func (c *coordinator) retryable(jr *types.JobRun, kind types.ErrorKind) bool {
	if c.cancelled || jr.Attempts >= jr.MaxAttempts {
		return false
	}
	return kind != types.ErrorCancelled && kind != types.ErrorRollback
}

// retryDue re-queues a run whose retry delay has elapsed.
func (c *coordinator) retryDue(i int) {
	if _, waiting := c.backoff[i]; !waiting {
		return
	}
	delete(c.backoff, i)
	if c.runs[i].State == types.StateReady {
		c.enqueue(i)
	}
}

// settle propagates a terminal run to its dependents.
func (c *coordinator) settle(i int) {
	jr := c.runs[i]
	satisfied := jr.State == types.StateSucceeded ||
		(jr.State == types.StateFailed && !jr.Blocking())

	if !satisfied {
		reason := fmt.Sprintf("skipped: dependency %s %s", jr.JobID, jr.State)
		for _, d := range c.g.TransitiveDependents(i) {
			if c.runs[d].State == types.StatePending {
				c.skip(d, reason, types.ErrorSkipped)
			}
		}
		return
	}

	for _, d := range c.g.Dependents(i) {
		c.unmet[d]--
		if c.unmet[d] == 0 && !c.cancelled && c.runs[d].State == types.StatePending {
			c.transition(d, types.StateReady)
			c.enqueue(d)
		}
	}
}

// cancel stops all further dispatch. Running attempts are left to the
// worker pool, which reports them as cancelled after the grace period.
func (c *coordinator) cancel() {
	c.cancelled = true
	c.ready = nil
	c.logger.Warn("pipeline cancelled", "running", c.limiter.InUse())

	for _, i := range c.g.Order() {
		jr := c.runs[i]
		switch jr.State {
		case types.StatePending:
			c.skip(i, "skipped: pipeline cancelled", types.ErrorCancelled)
		case types.StateReady:
			if timer, waiting := c.backoff[i]; waiting {
				timer.Stop()
				delete(c.backoff, i)
			}
			if jr.Attempts == 0 {
				c.skip(i, "skipped: pipeline cancelled", types.ErrorCancelled)
				continue
			}
			jr.Error = (&worker.CancelledError{}).Error()
			jr.ErrorKind = types.ErrorCancelled
			c.transition(i, types.StateFailed)
		}
	}
}

func (c *coordinator) skip(i int, reason string, kind types.ErrorKind) {
	jr := c.runs[i]
	jr.Error, jr.ErrorKind = reason, kind
	c.transition(i, types.StateSkipped)
}

func (c *coordinator) enqueue(i int) {
	rank := c.g.Rank(i)
	pos := sort.Search(len(c.ready), func(k int) bool { return c.g.Rank(c.ready[k]) > rank })
	c.ready = append(c.ready, 0)
	copy(c.ready[pos+1:], c.ready[pos:])
	c.ready[pos] = i
}

// transition applies a state change and fans it out to the journal, metrics,
// observer and notification sink.
func (c *coordinator) transition(i int, to types.JobState) {
	jr := c.runs[i]
	from := jr.State
	if err := jr.Transition(to, time.Now()); err != nil {
		panic(&InvariantViolation{JobID: jr.JobID, Reason: "illegal transition", Err: err})
	}

	c.record(journal.Transition(c.run.ID, jr, from))
	c.logger.Debug("job transition", "job", jr.JobID, "from", from.String(), "to", to.String(), "attempt", jr.Attempts)

	if to.Terminal() {
		c.remaining--
		c.s.metrics.RecordTerminal(to.String())
		final := *jr
		header := &types.PipelineRun{ID: c.run.ID, Pipeline: c.run.Pipeline, State: c.run.State, StartedAt: c.run.StartedAt}
		c.notice(func(ctx context.Context) error { return c.s.sink.PublishJobRun(ctx, header, &final) })
	}
	c.observe()
}

func (c *coordinator) record(e journal.Event) {
	if c.s.journal == nil {
		return
	}
	if err := c.s.journal.Append(e); err != nil {
		c.logger.Error("failed to append journal event", "type", e.Type, "job", e.JobID, "error", err)
	}
}

func (c *coordinator) observe() {
	if c.s.observer != nil {
		c.s.observer(c.run.Clone())
	}
}

// notice hands a sink call to the scheduler's delivery queue. A full queue
// drops it.
func (c *coordinator) notice(fn func(ctx context.Context) error) {
	if c.s.sink == nil {
		return
	}
	base := context.WithoutCancel(c.ctx)
	ok := c.s.notices.post(func() {
		ctx, cancel := context.WithTimeout(base, c.s.cfg.NotifyTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.s.metrics.RecordNotifyFailure()
			c.logger.Warn("notification failed", "error", err)
		}
	})
	if !ok {
		c.s.metrics.RecordNotifyFailure()
		c.logger.Warn("notification dropped", "queue_size", c.s.cfg.NotifyBuffer)
	}
}
