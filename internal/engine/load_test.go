package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-pipeline/internal/archive"
	"github.com/ChuLiYu/beaver-pipeline/internal/executor"
	"github.com/ChuLiYu/beaver-pipeline/internal/storage/journal"
	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// ============================================================================
// Throughput and crash recovery
// ============================================================================

// fanOut builds build -> shard-0..n-1 -> publish.
func fanOut(n int) types.Definition {
	jobs := []types.Job{job("build")}
	shards := make([]string, n)
	for i := 0; i < n; i++ {
		shards[i] = fmt.Sprintf("shard-%d", i)
		jobs = append(jobs, job(shards[i], "build"))
	}
	jobs = append(jobs, job("publish", shards...))
	return types.Definition{Name: "fan-out", Jobs: jobs}
}

func TestWidePipelineThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}

	const shards = 200
	var running, peak atomic.Int32
	exec := executor.Func(func(_ context.Context, cmd types.Command) (types.CommandOutput, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		return types.CommandOutput{Output: cmd.Args[0]}, nil
	})

	cfg := Config{Limit: 8}
	e, err := New(fanOut(shards), cfg, exec)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	defer stop(t, e)

	start := time.Now()
	run, err := e.Trigger(context.Background())
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal(t, types.PipelineSucceeded, run.State)
	assert.Len(t, run.Order, shards+2)
	assert.Equal(t, types.JobID("build"), run.Order[0])
	assert.Equal(t, types.JobID("publish"), run.Order[len(run.Order)-1])
	assert.LessOrEqual(t, peak.Load(), int32(8), "limit exceeded")

	t.Logf("=== Throughput ===")
	t.Logf("jobs: %d, elapsed: %v, %.0f jobs/s, peak concurrency: %d",
		shards+2, elapsed, float64(shards+2)/elapsed.Seconds(), peak.Load())

	stats := e.GetStats()
	assert.Equal(t, 1, stats.Started)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 0, stats.Active)
}

func TestEndToEndCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	live := filepath.Join(dir, "live.journal")
	crashed := filepath.Join(dir, "crashed.journal")

	// Phase 1: run until deploy is in flight, then copy the journal as a
	// crashed process would have left it.
	j1, err := journal.Open(live, journal.Options{})
	require.NoError(t, err)
	backend := newBlockingBackend()
	e1, err := New(releaseDef(), fastConfig(), backend, WithJournal(j1), WithCloser(j1.Close))
	require.NoError(t, err)
	require.NoError(t, e1.Start())

	id, err := e1.TriggerAsync(context.Background())
	require.NoError(t, err)
	<-backend.started
	require.Eventually(t, func() bool {
		run, err := e1.Get(context.Background(), id)
		return err == nil && run.Job("deploy") != nil && run.Job("deploy").State == types.StateRunning
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, j1.Flush())

	data, err := os.ReadFile(live)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(crashed, data, 0o644))
	stop(t, e1)

	// Phase 2: a new engine on the crashed journal closes the run.
	j2, err := journal.Open(crashed, journal.Options{})
	require.NoError(t, err)
	store, err := archive.NewFileStore(filepath.Join(dir, "runs"))
	require.NoError(t, err)

	recoveryStart := time.Now()
	e2, err := New(releaseDef(), fastConfig(), succeed(), WithJournal(j2), WithArchive(store), WithCloser(j2.Close))
	require.NoError(t, err)
	require.NoError(t, e2.Start())
	t.Logf("recovery took %v", time.Since(recoveryStart))

	run, err := store.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.PipelineCancelled, run.State)
	assert.Equal(t, types.StateSucceeded, run.Job("build").State)
	assert.Equal(t, types.StateSucceeded, run.Job("test").State)
	assert.Equal(t, types.StateFailed, run.Job("deploy").State)
	assert.Equal(t, types.ErrorCancelled, run.Job("deploy").ErrorKind)

	// the recovered engine keeps working
	next, err := e2.Trigger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.PipelineSucceeded, next.State)
	stop(t, e2)

	summaries, err := journal.Summarize(crashed)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	for _, s := range summaries {
		assert.NotEqual(t, "running", s.State, s.RunID)
	}
}
