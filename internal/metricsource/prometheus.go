// Package metricsource implements healthgate.Source over real metrics
// backends.
package metricsource

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

const (
	// DefaultStep is the range query resolution when none is configured.
	DefaultStep = 15 * time.Second
	// MaxPoints caps the points a single range query asks for.
	MaxPoints = 500
)

// Prometheus reads samples through the Prometheus HTTP API. The metric name
// is used as the PromQL expression unless a threshold supplies its own.
type Prometheus struct {
	api    v1.API
	step   time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewPrometheus creates a source for the server at address.
func NewPrometheus(address string, step time.Duration) (*Prometheus, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("prometheus client: %w", err)
	}
	if step <= 0 {
		step = DefaultStep
	}
	return &Prometheus{
		api:    v1.NewAPI(client),
		step:   step,
		now:    time.Now,
		logger: slog.Default().With("component", "metricsource.prometheus"),
	}, nil
}

func (p *Prometheus) Query(ctx context.Context, metric string, window time.Duration) ([]types.HealthSample, error) {
	return p.QueryExpr(ctx, metric, metric, window)
}

// QueryExpr evaluates expr over the trailing window. A zero window is an
// instant query.
func (p *Prometheus) QueryExpr(ctx context.Context, metric, expr string, window time.Duration) ([]types.HealthSample, error) {
	end := p.now()

	var (
		value    model.Value
		warnings v1.Warnings
		err      error
	)
	if window <= 0 {
		value, warnings, err = p.api.Query(ctx, expr, end)
	} else {
		value, warnings, err = p.api.QueryRange(ctx, expr, v1.Range{
			Start: end.Add(-window),
			End:   end,
			Step:  p.stepFor(window),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("prometheus query %q: %w", expr, err)
	}
	for _, w := range warnings {
		p.logger.Warn("prometheus warning", "metric", metric, "warning", w)
	}
	return samplesFromValue(metric, value)
}

func (p *Prometheus) stepFor(window time.Duration) time.Duration {
	step := p.step
	if floor := window / MaxPoints; step < floor {
		step = floor
	}
	return step
}

func samplesFromValue(metric string, value model.Value) ([]types.HealthSample, error) {
	var out []types.HealthSample
	switch v := value.(type) {
	case model.Matrix:
		for _, stream := range v {
			for _, pair := range stream.Values {
				out = append(out, types.HealthSample{Metric: metric, Value: float64(pair.Value), At: pair.Timestamp.Time()})
			}
		}
	case model.Vector:
		for _, s := range v {
			out = append(out, types.HealthSample{Metric: metric, Value: float64(s.Value), At: s.Timestamp.Time()})
		}
	case *model.Scalar:
		out = append(out, types.HealthSample{Metric: metric, Value: float64(v.Value), At: v.Timestamp.Time()})
	case nil:
	default:
		return nil, fmt.Errorf("unsupported prometheus result type %s", value.Type())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}
