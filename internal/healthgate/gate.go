package healthgate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// Source is the metrics backend consulted during canary analysis.
type Source interface {
	Query(ctx context.Context, metric string, window time.Duration) ([]types.HealthSample, error)
}

// QuerySource is implemented by sources that accept a backend-specific
// query expression in place of the bare metric name.
type QuerySource interface {
	QueryExpr(ctx context.Context, metric, expr string, window time.Duration) ([]types.HealthSample, error)
}

// Gate queries a Source over an analysis window and evaluates thresholds.
type Gate struct {
	Source Source
	Window time.Duration
	Logger *slog.Logger
}

// Check fetches samples for every threshold and decides. A metric whose
// query fails counts as having no samples, so an outage holds the canary
// unless another metric is already breached.
func (g *Gate) Check(ctx context.Context, thresholds []types.Threshold) (types.Decision, error) {
	report, err := g.Report(ctx, thresholds)
	return report.Decision, err
}

// Report is Check with per-threshold details. The returned error joins
// every failed query; the report is valid either way.
func (g *Gate) Report(ctx context.Context, thresholds []types.Threshold) (Report, error) {
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var samples []types.HealthSample
	var errs *multierror.Error
	for _, th := range thresholds {
		series, err := g.query(ctx, th)
		if err != nil {
			logger.Warn("health gate query failed", "metric", th.Metric, "error", err)
			errs = multierror.Append(errs, fmt.Errorf("query %s: %w", th.Metric, err))
			continue
		}
		for i := range series {
			series[i].Metric = th.Metric
		}
		samples = append(samples, series...)
	}

	report := Explain(samples, thresholds)
	for _, v := range report.Verdicts {
		logger.Debug("health gate verdict",
			"metric", v.Threshold.Metric,
			"aggregate", v.Threshold.Aggregate.String(),
			"value", v.Value,
			"bound", v.Threshold.Bound,
			"samples", v.Samples,
			"breached", v.Breached)
	}
	return report, errs.ErrorOrNil()
}

func (g *Gate) query(ctx context.Context, th types.Threshold) ([]types.HealthSample, error) {
	if qs, ok := g.Source.(QuerySource); ok && th.Query != "" {
		return qs.QueryExpr(ctx, th.Metric, th.Query, g.Window)
	}
	return g.Source.Query(ctx, th.Metric, g.Window)
}
