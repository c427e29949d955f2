// ============================================================================
// Beaver-Pipeline Engine
// ============================================================================
//
// Package: internal/engine
// File: engine.go
//
// Owns one validated pipeline definition and everything needed to run it:
// the scheduler, the run journal, the archive, notifications and the cron
// schedules that trigger it.
//
// Run lifecycle:
//
//	Trigger / TriggerAsync / cron
//	   ↓ runs.add()            active, cancellable by ID
//	scheduler.Execute()         observer keeps the active snapshot current
//	   ↓ archive.Save()
//	runs.finish()               recent (bounded), waiters released
//
// Recovery:
//   Start() replays the journal. Runs that have a PIPELINE_START but no
//   PIPELINE_FINISH were interrupted by a crash; they are rebuilt from their
//   last recorded transitions, closed as cancelled in the journal and
//   archived so they show up in status queries.
//
// Shutdown:
//   Stop() stops the cron scheduler, cancels every active run, waits for the
//   scheduler to settle them, drains queued notifications and then closes
//   the journal, the Slack worker and any other resource registered at
//   construction.
//
// ============================================================================

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	"github.com/ChuLiYu/beaver-pipeline/internal/archive"
	"github.com/ChuLiYu/beaver-pipeline/internal/graph"
	"github.com/ChuLiYu/beaver-pipeline/internal/metrics"
	"github.com/ChuLiYu/beaver-pipeline/internal/notify"
	"github.com/ChuLiYu/beaver-pipeline/internal/registry"
	"github.com/ChuLiYu/beaver-pipeline/internal/scheduler"
	"github.com/ChuLiYu/beaver-pipeline/internal/storage/journal"
	"github.com/ChuLiYu/beaver-pipeline/internal/worker"
	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// ArchiveTimeout bounds saving a finished run.
const ArchiveTimeout = 30 * time.Second

var (
	ErrRunNotFound     = errors.New("run not found")
	ErrRunFinished     = errors.New("run already finished")
	ErrStopped         = errors.New("engine is stopped")
	ErrAlreadyStarted  = errors.New("engine already started")
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// Config holds engine tunables.
type Config struct {
	Scheduler scheduler.Config
	Limit     int      // max concurrent jobs per run; < 1 uses Scheduler.Concurrency
	Schedules []string // cron expressions, standard five-field syntax or descriptors
	History   int      // finished runs kept in memory
}

// Engine runs one pipeline definition.
type Engine struct {
	def   types.Definition
	graph *graph.Graph
	cfg   Config
	sched *scheduler.Scheduler

	archive  archive.Store
	journal  *journal.Journal
	notifier notify.Sink
	metrics  *metrics.Collector
	logger   *slog.Logger
	closers  []func() error

	runs *runTable
	cron *cron.Cron

	mu         sync.Mutex
	baseCtx    context.Context
	baseCancel context.CancelFunc
	started    bool
	stopped    bool
	startTime  time.Time
	wg         sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

func WithArchive(s archive.Store) Option { return func(e *Engine) { e.archive = s } }

func WithJournal(j *journal.Journal) Option { return func(e *Engine) { e.journal = j } }

func WithNotifier(s notify.Sink) Option { return func(e *Engine) { e.notifier = s } }

func WithMetrics(c *metrics.Collector) Option { return func(e *Engine) { e.metrics = c } }

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithCloser registers fn to run when the engine stops.
func WithCloser(fn func() error) Option {
	return func(e *Engine) { e.closers = append(e.closers, fn) }
}

// New validates def and prepares an engine. Registration and graph errors
// are returned here, before anything runs.
func New(def types.Definition, cfg Config, exec worker.Executor, opts ...Option) (*Engine, error) {
	reg, err := registry.FromDefinition(def)
	if err != nil {
		return nil, err
	}
	g, err := graph.Build(reg.All())
	if err != nil {
		return nil, err
	}
	for _, spec := range cfg.Schedules {
		if _, err := cron.ParseStandard(spec); err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, spec, err)
		}
	}

	e := &Engine{
		def:    def,
		graph:  g,
		cfg:    cfg,
		logger: slog.Default(),
		runs:   newRunTable(cfg.History),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("pipeline", def.Name)
	e.baseCtx, e.baseCancel = context.WithCancel(context.Background())

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(e.logger),
		scheduler.WithMetrics(e.metrics),
		scheduler.WithObserver(e.runs.update),
	}
	if e.notifier != nil {
		schedOpts = append(schedOpts, scheduler.WithNotifier(e.notifier))
	}
	if e.journal != nil {
		schedOpts = append(schedOpts, scheduler.WithJournal(e.journal))
	}
	e.sched = scheduler.New(cfg.Scheduler, exec, schedOpts...)
	return e, nil
}

// Definition returns the pipeline this engine runs.
func (e *Engine) Definition() types.Definition { return e.def }

// Graph returns the resolved dependency graph.
func (e *Engine) Graph() *graph.Graph { return e.graph }

// Start recovers interrupted runs from the journal and starts the cron
// schedules. Runs can be triggered without calling Start.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.startTime = time.Now()
	e.mu.Unlock()

	recovered, err := e.Recover(e.baseCtx)
	if err != nil {
		return fmt.Errorf("recover failed: %w", err)
	}
	if len(recovered) > 0 {
		e.logger.Warn("recovered interrupted runs", "count", len(recovered))
	}

	if len(e.cfg.Schedules) == 0 {
		e.logger.Info("engine started", "jobs", e.graph.Len())
		return nil
	}

	cl := cronLogger{e.logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	for _, spec := range e.cfg.Schedules {
		spec := spec
		if _, err := c.AddFunc(spec, func() { e.scheduled(spec) }); err != nil {
			return fmt.Errorf("%w %q: %v", ErrInvalidSchedule, spec, err)
		}
	}
	e.mu.Lock()
	e.cron = c
	e.mu.Unlock()
	c.Start()

	e.logger.Info("engine started", "jobs", e.graph.Len(), "schedules", len(e.cfg.Schedules))
	return nil
}

// scheduled runs one cron-triggered execution to completion so that
// SkipIfStillRunning can drop overlapping ticks.
func (e *Engine) scheduled(spec string) {
	e.logger.Info("scheduled trigger", "schedule", spec)
	run, err := e.Trigger(e.baseCtx)
	if err != nil {
		e.logger.Error("scheduled trigger failed", "schedule", spec, "error", err)
		return
	}
	e.logger.Info("scheduled run finished", "run", run.ID, "state", run.State.String())
}

// Trigger runs the pipeline and blocks until it finishes. Cancelling ctx
// cancels the run.
func (e *Engine) Trigger(ctx context.Context) (*types.PipelineRun, error) {
	ar, err := e.launch(ctx)
	if err != nil {
		return nil, err
	}
	<-ar.done
	return ar.final.Clone(), nil
}

// TriggerAsync starts a run that outlives ctx and returns its ID.
func (e *Engine) TriggerAsync(_ context.Context) (string, error) {
	ar, err := e.launch(e.baseCtx)
	if err != nil {
		return "", err
	}
	return ar.id, nil
}

func (e *Engine) launch(parent context.Context) (*activeRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil, ErrStopped
	}

	ctx, cancel := context.WithCancel(parent)
	ar := e.runs.add(uuid.NewString(), e.def.Name, cancel)
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		defer cancel()
		run := e.sched.Execute(ctx, scheduler.Request{
			ID:       ar.id,
			Pipeline: e.def.Name,
			Graph:    e.graph,
			Limit:    e.cfg.Limit,
		})
		e.save(run)
		e.runs.finish(run)
	}()
	return ar, nil
}

func (e *Engine) save(run *types.PipelineRun) {
	if e.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ArchiveTimeout)
	defer cancel()
	if err := e.archive.Save(ctx, run); err != nil {
		e.logger.Error("failed to archive run", "run", run.ID, "error", err)
	}
}

// Wait blocks until the run finishes or ctx is done.
func (e *Engine) Wait(ctx context.Context, id string) (*types.PipelineRun, error) {
	if ar, ok := e.runs.lookupActive(id); ok {
		select {
		case <-ar.done:
			return ar.final.Clone(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.Get(ctx, id)
}

// Cancel signals an active run. The run finishes as cancelled once the
// scheduler has settled its running attempts.
func (e *Engine) Cancel(id string) error {
	if ar, ok := e.runs.lookupActive(id); ok {
		e.logger.Info("cancelling run", "run", id)
		ar.cancel()
		return nil
	}
	if e.runs.finished(id) {
		return fmt.Errorf("%w: %s", ErrRunFinished, id)
	}
	return fmt.Errorf("%w: %s", ErrRunNotFound, id)
}

// Get returns an active, recent or archived run.
func (e *Engine) Get(ctx context.Context, id string) (*types.PipelineRun, error) {
	if run, ok := e.runs.get(id); ok {
		return run, nil
	}
	if e.archive == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	run, err := e.archive.Load(ctx, id)
	if err != nil {
		if errors.Is(err, archive.ErrRunNotFound) || errors.Is(err, archive.ErrInvalidRunID) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, err
	}
	return run, nil
}

// List returns active, recent and archived runs of this pipeline, newest
// first.
func (e *Engine) List(ctx context.Context) ([]*types.PipelineRun, error) {
	out := e.runs.list()
	if e.archive == nil {
		return out, nil
	}
	archived, err := e.archive.List(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(out))
	for _, run := range out {
		seen[run.ID] = true
	}
	for _, run := range archived {
		if seen[run.ID] || run.Pipeline != e.def.Name {
			continue
		}
		out = append(out, run)
	}
	sortNewestFirst(out)
	return out, nil
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Pipeline  string
	Active    int
	Started   int
	Succeeded int
	Failed    int
	Cancelled int
	Schedules int
	Uptime    time.Duration
}

// GetStats reports run counters since the engine was created.
func (e *Engine) GetStats() Stats {
	active, c := e.runs.counts()
	e.mu.Lock()
	var uptime time.Duration
	if !e.startTime.IsZero() {
		uptime = time.Since(e.startTime)
	}
	e.mu.Unlock()
	return Stats{
		Pipeline:  e.def.Name,
		Active:    active,
		Started:   c.started,
		Succeeded: c.succeeded,
		Failed:    c.failed,
		Cancelled: c.cancelled,
		Schedules: len(e.cfg.Schedules),
		Uptime:    uptime,
	}
}

// Stop cancels every active run and releases resources. It waits for the
// runs to finish until ctx is done.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	c := e.cron
	e.mu.Unlock()

	e.logger.Info("stopping engine")
	var cronDone <-chan struct{}
	if c != nil {
		cronDone = c.Stop().Done()
	}

	// Scheduled jobs block on their run, so runs are cancelled before
	// waiting on cron.
	if n := e.runs.cancelAll(); n > 0 {
		e.logger.Warn("cancelling active runs", "count", n)
	}
	e.baseCancel()

	var errs *multierror.Error
	done := make(chan struct{})
	go func() {
		if cronDone != nil {
			<-cronDone
		}
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = multierror.Append(errs, fmt.Errorf("waiting for active runs: %w", ctx.Err()))
	}
	if err := e.sched.Close(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("draining notifications: %w", err))
	}

	if e.journal != nil {
		if err := e.journal.Flush(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("flush journal: %w", err))
		}
	}
	for _, closeFn := range e.closers {
		if err := closeFn(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	e.logger.Info("engine stopped")
	return errs.ErrorOrNil()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
