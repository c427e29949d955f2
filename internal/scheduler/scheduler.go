// ============================================================================
// Beaver-Pipeline Execution Scheduler
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
//
// Drives one PipelineRun over a dependency graph to completion.
//
// Ownership:
//   A single coordinator goroutine owns every JobRun, the ready queue, the
//   running count and the dependency counters. Workers only ever see a Task
//   and hand back a Result; they never touch run state. Each transition is
//   therefore one step of the coordinator loop and no two workers can admit
//   the same JobRun.
//
// Coordinator loop:
//
//	┌────────────────────────────────────────────────────────┐
//	│ dispatch: while ready && limiter.TryAcquire()          │
//	│           Ready -> Running, submit attempt to the pool │
//	│ select {                                               │
//	│   result  <- pool      : release slot, settle attempt  │
//	│   wake    <- backoff   : retry delay over, re-queue    │
//	│   <-ctx.Done()         : cancel pipeline               │
//	│ }                                                      │
//	└────────────────────────────────────────────────────────┘
//
// Failure handling:
//   - attempt failed, attempts left : Running -> Ready after the backoff delay
//   - attempts exhausted, blocking  : Failed, transitive dependents Skipped
//   - attempts exhausted, advisory  : Failed, dependents proceed
//
// Cancellation:
//   Pending runs and Ready runs that were never attempted are Skipped. Ready
//   runs with an attempt behind them are Failed with CancelledError. Running
//   attempts get the cancellation signal plus the grace period from the
//   worker pool.
//
// Notifications:
//   Sink calls go through a queue owned by the Scheduler and never hold up
//   the coordinator or the end of a run. A full queue drops the notice and
//   counts a notify failure. Close drains the queue.
//
// ============================================================================

package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/ChuLiYu/beaver-pipeline/internal/graph"
	"github.com/ChuLiYu/beaver-pipeline/internal/metrics"
	"github.com/ChuLiYu/beaver-pipeline/internal/notify"
	"github.com/ChuLiYu/beaver-pipeline/internal/storage/journal"
	"github.com/ChuLiYu/beaver-pipeline/internal/worker"
	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

var tracer = otel.Tracer("beaver.scheduler")

const (
	DefaultConcurrency   = 4
	DefaultNotifyTimeout = 10 * time.Second
)

// Config holds scheduler tunables.
type Config struct {
	Concurrency    int           // used when Run is given a limit < 1
	GracePeriod    time.Duration // how long a cancelled attempt may keep running
	DefaultTimeout time.Duration // applied to jobs without their own timeout; zero means none
	NotifyTimeout  time.Duration
	NotifyBuffer   int // queued notifications before new ones are dropped
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = DefaultConcurrency
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = worker.DefaultGracePeriod
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = DefaultNotifyTimeout
	}
	if c.NotifyBuffer < 1 {
		c.NotifyBuffer = DefaultNoticeBuffer
	}
	return c
}

// Scheduler executes pipeline graphs. It holds no per-run state and may run
// several pipelines concurrently.
type Scheduler struct {
	cfg      Config
	exec     worker.Executor
	sink     notify.Sink
	journal  *journal.Journal
	metrics  *metrics.Collector
	logger   *slog.Logger
	observer func(*types.PipelineRun)
	notices  *noticeQueue
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithNotifier(sink notify.Sink) Option { return func(s *Scheduler) { s.sink = sink } }

func WithJournal(j *journal.Journal) Option { return func(s *Scheduler) { s.journal = j } }

func WithMetrics(c *metrics.Collector) Option { return func(s *Scheduler) { s.metrics = c } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver registers a callback that receives a copy of the run after
// every transition. It is called from the coordinator goroutine and must not
// block.
func WithObserver(fn func(*types.PipelineRun)) Option {
	return func(s *Scheduler) { s.observer = fn }
}

// New creates a Scheduler that runs commands through exec.
func New(cfg Config, exec worker.Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:    cfg.withDefaults(),
		exec:   exec,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sink != nil {
		s.notices = newNoticeQueue(s.cfg.NotifyBuffer)
	}
	return s
}

// Close waits for queued notifications to reach the sink until ctx is done.
// Notifications from runs that finish after Close are dropped.
func (s *Scheduler) Close(ctx context.Context) error {
	if s.notices == nil {
		return nil
	}
	return s.notices.close(ctx)
}

// Request describes one pipeline execution.
type Request struct {
	ID       string // generated when empty
	Pipeline string
	Graph    *graph.Graph
	Limit    int
}

// Run executes g with at most limit jobs running at once. Expected failure
// modes are recorded on the returned run, never returned as errors.
func (s *Scheduler) Run(ctx context.Context, g *graph.Graph, limit int) *types.PipelineRun {
	return s.Execute(ctx, Request{Graph: g, Limit: limit})
}

// Execute runs a pipeline described by req.
func (s *Scheduler) Execute(ctx context.Context, req Request) *types.PipelineRun {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Limit < 1 {
		req.Limit = s.cfg.Concurrency
	}
	return newCoordinator(s, req).loop(ctx)
}
