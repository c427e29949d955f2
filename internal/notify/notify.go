// Package notify delivers terminal job and pipeline run records to external
// channels. Delivery is fire-and-forget from the scheduler's side: errors are
// returned to the caller for logging but never change a run's outcome.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// Sink receives terminal run records.
type Sink interface {
	PublishJobRun(ctx context.Context, run *types.PipelineRun, job *types.JobRun) error
	PublishPipelineRun(ctx context.Context, run *types.PipelineRun) error
}

// Log writes records to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l Log) PublishJobRun(ctx context.Context, run *types.PipelineRun, job *types.JobRun) error {
	level := slog.LevelInfo
	if job.State == types.StateFailed {
		level = slog.LevelWarn
	}
	l.logger().Log(ctx, level, "job run finished",
		"run_id", run.ID,
		"pipeline", run.Pipeline,
		"job", job.JobID,
		"state", job.State.String(),
		"attempts", job.Attempts,
		"error_kind", job.ErrorKind.String(),
		"error", job.Error)
	return nil
}

func (l Log) PublishPipelineRun(ctx context.Context, run *types.PipelineRun) error {
	counts := run.Counts()
	l.logger().Info("pipeline run finished",
		"run_id", run.ID,
		"pipeline", run.Pipeline,
		"state", run.State.String(),
		"duration", run.FinishedAt.Sub(run.StartedAt),
		"succeeded", counts[types.StateSucceeded],
		"failed", counts[types.StateFailed],
		"skipped", counts[types.StateSkipped])
	return nil
}

// Fanout publishes to every sink and aggregates their errors.
type Fanout []Sink

func (f Fanout) PublishJobRun(ctx context.Context, run *types.PipelineRun, job *types.JobRun) error {
	var errs error
	for _, s := range f {
		if err := s.PublishJobRun(ctx, run, job); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errs
}

func (f Fanout) PublishPipelineRun(ctx context.Context, run *types.PipelineRun) error {
	var errs error
	for _, s := range f {
		if err := s.PublishPipelineRun(ctx, run); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errs
}

// Recorder keeps every record in memory. Useful for tests and for the CLI
// summary of a local run.
type Recorder struct {
	mu        sync.Mutex
	jobs      []types.JobRun
	pipelines []types.PipelineRun
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) PublishJobRun(_ context.Context, _ *types.PipelineRun, job *types.JobRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, *job)
	return nil
}

func (r *Recorder) PublishPipelineRun(_ context.Context, run *types.PipelineRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines = append(r.pipelines, *run.Clone())
	return nil
}

// JobRuns returns the recorded job runs in publish order.
func (r *Recorder) JobRuns() []types.JobRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.JobRun(nil), r.jobs...)
}

// PipelineRuns returns the recorded pipeline runs in publish order.
func (r *Recorder) PipelineRuns() []types.PipelineRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.PipelineRun(nil), r.pipelines...)
}
