package rollout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-pipeline/internal/worker"
	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

type fixedSource struct {
	values map[string][]float64
}

func (s *fixedSource) Query(_ context.Context, metric string, _ time.Duration) ([]types.HealthSample, error) {
	now := time.Now()
	var out []types.HealthSample
	for i, v := range s.values[metric] {
		out = append(out, types.HealthSample{Value: v, At: now.Add(time.Duration(i) * time.Second)})
	}
	return out, nil
}

func canaryCommand(thresholds ...types.Threshold) types.Command {
	return types.Command{
		Kind:   types.KindCanary,
		Canary: &types.CanarySpec{Target: "api", Thresholds: thresholds},
	}
}

func TestExecutorPromotes(t *testing.T) {
	router := newStubRouter()
	exec := &Executor{
		Source:   &fixedSource{values: map[string][]float64{"error_rate": {0.01, 0.02}}},
		Router:   router,
		Defaults: types.CanarySpec{StepSize: 50, StepInterval: time.Millisecond},
	}

	out, err := exec.Execute(context.Background(),
		canaryCommand(types.Threshold{Metric: "error_rate", Bound: 0.05, MinSamples: 2}))
	require.NoError(t, err)
	assert.Contains(t, out.Output, "promoted")
	assert.Equal(t, []int{0, 50, 100}, router.canaries())
}

func TestExecutorRollbackIsRecordedAsRollback(t *testing.T) {
	router := newStubRouter()
	exec := &Executor{
		Source:   &fixedSource{values: map[string][]float64{"error_rate": {0.3}}},
		Router:   router,
		Defaults: types.CanarySpec{StepSize: 10, StepInterval: time.Millisecond},
	}

	out, err := exec.Execute(context.Background(),
		canaryCommand(types.Threshold{Metric: "error_rate", Bound: 0.05}))

	var rb *RollbackTriggered
	require.ErrorAs(t, err, &rb)
	assert.Equal(t, "api", rb.Target)
	assert.Equal(t, types.ErrorRollback, worker.KindOf(err))
	assert.Contains(t, out.Output, "rolled_back")
	assert.Equal(t, []int{0, 0}, router.canaries())
}

func TestExecutorRejectsBadCommands(t *testing.T) {
	exec := &Executor{Source: &fixedSource{}, Router: newStubRouter()}

	_, err := exec.Execute(context.Background(), types.Command{Kind: types.KindCanary})
	assert.ErrorIs(t, err, ErrNoCanarySpec)

	// no step size anywhere
	_, err = exec.Execute(context.Background(), canaryCommand())
	assert.Error(t, err)
}
