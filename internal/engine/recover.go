package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ChuLiYu/beaver-pipeline/internal/storage/journal"
	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

const interruptedReason = "interrupted: engine stopped before the run finished"

// Recover closes runs that the journal shows as started but never
// finished. Each one is rebuilt from its last recorded transitions, marked
// cancelled, journalled and archived. It returns the recovered runs.
func (e *Engine) Recover(ctx context.Context) ([]*types.PipelineRun, error) {
	if e.journal == nil {
		return nil, nil
	}
	start := time.Now()

	if err := e.journal.Flush(); err != nil {
		return nil, fmt.Errorf("flush journal: %w", err)
	}
	summaries, err := journal.Summarize(e.journal.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var recovered []*types.PipelineRun
	for _, s := range summaries {
		if s.State != types.PipelineRunning.String() {
			continue
		}
		if _, active := e.runs.lookupActive(s.RunID); active {
			continue
		}
		run := e.interrupted(s, time.Now())
		if err := e.journal.Append(journal.PipelineFinish(run)); err != nil {
			return recovered, fmt.Errorf("close run %s: %w", run.ID, err)
		}
		e.save(run)
		e.runs.remember(run)
		recovered = append(recovered, run)
		e.logger.Warn("closed interrupted run", "run", run.ID, "started", run.StartedAt)
	}
	if len(recovered) > 0 {
		if err := e.journal.Flush(); err != nil {
			return recovered, fmt.Errorf("flush journal: %w", err)
		}
	}

	e.logger.Info("journal recovery completed",
		"runs", len(summaries),
		"interrupted", len(recovered),
		"duration", time.Since(start))
	return recovered, nil
}

// interrupted rebuilds a cancelled PipelineRun from a journal summary. Jobs
// never seen in the journal were still Pending.
func (e *Engine) interrupted(s *journal.RunSummary, at time.Time) *types.PipelineRun {
	pipeline := s.Pipeline
	if pipeline == "" {
		pipeline = e.def.Name
	}
	run := &types.PipelineRun{
		ID:         s.RunID,
		Pipeline:   pipeline,
		State:      types.PipelineCancelled,
		StartedAt:  time.UnixMilli(s.Started),
		FinishedAt: at,
	}

	for _, i := range e.graph.Order() {
		jr := types.NewJobRun(e.graph.Job(i))
		if ev, ok := s.Jobs[jr.JobID]; ok {
			var state types.JobState
			if err := state.UnmarshalText([]byte(ev.To)); err == nil {
				jr.State = state
			}
			jr.Attempts = ev.Attempt
			jr.Error = ev.Error
			jr.ErrorKind = ev.ErrorKind
			jr.FinishedAt = ev.Time()
		}

		switch jr.State {
		case types.StateRunning:
			jr.State = types.StateFailed
			jr.Error, jr.ErrorKind = interruptedReason, types.ErrorCancelled
			jr.FinishedAt = at
		case types.StatePending, types.StateReady:
			jr.State = types.StateSkipped
			jr.Error, jr.ErrorKind = "skipped: "+interruptedReason, types.ErrorCancelled
			jr.FinishedAt = at
		}
		run.Jobs = append(run.Jobs, jr)
	}
	for _, id := range s.JobOrder() {
		if jr := run.Job(id); jr != nil && jr.Attempts > 0 {
			run.Order = append(run.Order, id)
		}
	}
	return run
}
