package metricsource

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// Static serves fixed samples. Useful for dry runs and tests.
type Static struct {
	mu      sync.RWMutex
	samples map[string][]types.HealthSample
	now     func() time.Time
}

func NewStatic() *Static {
	return &Static{samples: make(map[string][]types.HealthSample), now: time.Now}
}

// Set replaces the series for metric, one second apart and ending now.
func (s *Static) Set(metric string, values ...float64) *Static {
	now := s.now()
	series := make([]types.HealthSample, len(values))
	for i, v := range values {
		series[i] = types.HealthSample{
			Metric: metric,
			Value:  v,
			At:     now.Add(-time.Duration(len(values)-1-i) * time.Second),
		}
	}
	s.mu.Lock()
	s.samples[metric] = series
	s.mu.Unlock()
	return s
}

// Query returns the samples of metric inside the trailing window. A zero
// window returns everything.
func (s *Static) Query(_ context.Context, metric string, window time.Duration) ([]types.HealthSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-window)
	var out []types.HealthSample
	for _, sample := range s.samples[metric] {
		if window > 0 && sample.At.Before(cutoff) {
			continue
		}
		out = append(out, sample)
	}
	return out, nil
}
