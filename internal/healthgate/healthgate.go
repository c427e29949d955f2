// ============================================================================
// Beaver-Pipeline Health Gate
// ============================================================================
//
// Package: internal/healthgate
// File: healthgate.go
//
// Decides whether a canary advances, holds or rolls back.
//
// Decision rule, evaluated over every threshold:
//   1. any aggregate breaches its bound           -> Rollback
//   2. any metric has fewer samples than required -> Hold
//   3. otherwise                                  -> Promote
//
// A breach wins over missing data: a metric that is already bad does not get
// to wait for more samples.
//
// ============================================================================

package healthgate

import (
	"math"
	"sort"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// Verdict is the evaluation of one threshold.
type Verdict struct {
	Threshold types.Threshold
	Samples   int
	Value     float64 // aggregate; NaN when there were too few samples
	Breached  bool
	Enough    bool
}

// Report is the full evaluation behind a Decision.
type Report struct {
	Decision types.Decision
	Verdicts []Verdict
}

// Evaluate applies thresholds to samples and returns the decision.
func Evaluate(samples []types.HealthSample, thresholds []types.Threshold) types.Decision {
	return Explain(samples, thresholds).Decision
}

// Explain is Evaluate with the per-threshold details.
func Explain(samples []types.HealthSample, thresholds []types.Threshold) Report {
	byMetric := make(map[string][]types.HealthSample)
	for _, s := range samples {
		byMetric[s.Metric] = append(byMetric[s.Metric], s)
	}

	report := Report{Decision: types.DecisionPromote, Verdicts: make([]Verdict, 0, len(thresholds))}
	insufficient := false
	for _, th := range thresholds {
		series := byMetric[th.Metric]
		v := Verdict{Threshold: th, Samples: len(series), Value: math.NaN()}
		if len(series) >= th.Required() {
			v.Enough = true
			v.Value = Aggregate(th.Aggregate, series)
			v.Breached = !math.IsNaN(v.Value) && th.Compare.Breached(v.Value, th.Bound)
		}
		if v.Breached {
			report.Decision = types.DecisionRollback
		}
		if !v.Enough || math.IsNaN(v.Value) {
			insufficient = true
		}
		report.Verdicts = append(report.Verdicts, v)
	}
	if report.Decision != types.DecisionRollback && insufficient {
		report.Decision = types.DecisionHold
	}
	return report
}

// Aggregate reduces a series with the given aggregation. It returns NaN for
// an empty series, and for rate when the series spans no time.
func Aggregate(agg types.Aggregation, series []types.HealthSample) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	sorted := append([]types.HealthSample(nil), series...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].At.Before(sorted[j].At) })

	switch agg {
	case types.AggregateMax:
		m := sorted[0].Value
		for _, s := range sorted[1:] {
			m = math.Max(m, s.Value)
		}
		return m
	case types.AggregateMin:
		m := sorted[0].Value
		for _, s := range sorted[1:] {
			m = math.Min(m, s.Value)
		}
		return m
	case types.AggregateLast:
		return sorted[len(sorted)-1].Value
	case types.AggregateSum:
		return sum(sorted)
	case types.AggregateRate:
		first, last := sorted[0], sorted[len(sorted)-1]
		elapsed := last.At.Sub(first.At).Seconds()
		if elapsed <= 0 {
			return math.NaN()
		}
		return (last.Value - first.Value) / elapsed
	case types.AggregateP95:
		return percentile(sorted, 0.95)
	default:
		return sum(sorted) / float64(len(sorted))
	}
}

func sum(series []types.HealthSample) float64 {
	var total float64
	for _, s := range series {
		total += s.Value
	}
	return total
}

// percentile uses the nearest-rank method.
func percentile(series []types.HealthSample, p float64) float64 {
	values := make([]float64, len(series))
	for i, s := range series {
		values[i] = s.Value
	}
	sort.Float64s(values)
	rank := int(math.Ceil(p*float64(len(values)))) - 1
	if rank < 0 {
		rank = 0
	}
	return values[rank]
}
