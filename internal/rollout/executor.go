package rollout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/beaver-pipeline/internal/healthgate"
	"github.com/ChuLiYu/beaver-pipeline/internal/metrics"
	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// Executor runs canary commands to completion. It implements
// worker.Executor for jobs of kind canary.
type Executor struct {
	Source   healthgate.Source
	Router   Router
	Defaults types.CanarySpec // fills zero step parameters of a job's spec
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

// Execute builds a controller from cmd.Canary and runs it. A rollback
// surfaces as *RollbackTriggered so the attempt is recorded as such.
func (e *Executor) Execute(ctx context.Context, cmd types.Command) (types.CommandOutput, error) {
	if cmd.Canary == nil {
		return types.CommandOutput{}, ErrNoCanarySpec
	}
	spec := e.resolve(*cmd.Canary)
	if err := spec.Validate(); err != nil {
		return types.CommandOutput{}, fmt.Errorf("canary %s: %w", spec.Target, err)
	}

	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gate := &healthgate.Gate{Source: e.Source, Window: spec.AnalysisWindow, Logger: logger}
	ctrl := NewController(spec, gate, e.Router, WithMetrics(e.Metrics), WithLogger(logger))

	rollout, err := ctrl.Run(ctx)
	if err != nil {
		return types.CommandOutput{Output: summary(rollout)}, err
	}
	return types.CommandOutput{Output: summary(rollout)}, nil
}

func (e *Executor) resolve(spec types.CanarySpec) types.CanarySpec {
	spec = spec.Clone()
	if spec.StepSize == 0 {
		spec.StepSize = e.Defaults.StepSize
	}
	if spec.StepInterval == 0 {
		spec.StepInterval = e.Defaults.StepInterval
	}
	if spec.AnalysisWindow == 0 {
		spec.AnalysisWindow = e.Defaults.AnalysisWindow
	}
	if spec.Target == "" {
		spec.Target = e.Defaults.Target
	}
	return spec
}

func summary(r types.CanaryRollout) string {
	return fmt.Sprintf("canary %s %s: weights %s after %d steps, %d checks",
		r.Spec.Target, r.State, r.Weights, r.Steps, r.Checks)
}
