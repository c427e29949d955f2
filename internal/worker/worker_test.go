package worker

// ============================================================================
// Worker Pool Tests
// Purpose: attempt execution, deadline race, cancellation grace, shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

type execFunc func(ctx context.Context, cmd types.Command) (types.CommandOutput, error)

func (f execFunc) Execute(ctx context.Context, cmd types.Command) (types.CommandOutput, error) {
	return f(ctx, cmd)
}

func ok() Executor {
	return execFunc(func(ctx context.Context, cmd types.Command) (types.CommandOutput, error) {
		return types.CommandOutput{Output: "done"}, nil
	})
}

// blocking ignores ctx and sleeps for d.
func blocking(d time.Duration) Executor {
	return execFunc(func(ctx context.Context, cmd types.Command) (types.CommandOutput, error) {
		time.Sleep(d)
		return types.CommandOutput{}, nil
	})
}

// cooperative returns as soon as ctx is done.
func cooperative() Executor {
	return execFunc(func(ctx context.Context, cmd types.Command) (types.CommandOutput, error) {
		<-ctx.Done()
		return types.CommandOutput{ExitStatus: -1}, ctx.Err()
	})
}

func startPool(t *testing.T, exec Executor, workers int, opts ...PoolOption) *Pool {
	t.Helper()
	pool := NewPool(exec, 16, opts...)
	require.NoError(t, pool.Start(workers))
	t.Cleanup(pool.Stop)
	return pool
}

func runOne(t *testing.T, pool *Pool, task Task) Result {
	t.Helper()
	if task.Ctx == nil {
		task.Ctx = context.Background()
	}
	require.NoError(t, pool.Submit(task))
	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	return result
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(ok(), 10)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
	assert.ErrorIs(t, pool.Submit(Task{}), ErrPoolNotStarted)
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(ok(), 10)
	require.NoError(t, pool.Start(4))
	assert.Equal(t, 4, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())
	assert.Error(t, pool.Start(2))

	pool.Stop()
	assert.ErrorIs(t, pool.Submit(Task{}), ErrPoolClosed)
}

func TestAttemptSuccess(t *testing.T) {
	pool := startPool(t, ok(), 1)

	result := runOne(t, pool, Task{Index: 3, JobID: "build", Attempt: 1, Timeout: time.Second})
	assert.True(t, result.Success())
	assert.Equal(t, 3, result.Index)
	assert.Equal(t, "done", result.Output.Output)
}

func TestAttemptCommandFailure(t *testing.T) {
	exec := execFunc(func(ctx context.Context, cmd types.Command) (types.CommandOutput, error) {
		return types.CommandOutput{ExitStatus: 2, Output: "boom"}, errors.New("exit status 2")
	})
	pool := startPool(t, exec, 1)

	result := runOne(t, pool, Task{JobID: "test"})
	var cmdErr *CommandError
	require.ErrorAs(t, result.Err, &cmdErr)
	assert.Equal(t, 2, cmdErr.ExitStatus)
	assert.ErrorIs(t, result.Err, ErrCommandFailed)
	assert.Equal(t, types.ErrorCommand, KindOf(result.Err))
}

func TestAttemptPanicIsCommandFailure(t *testing.T) {
	exec := execFunc(func(ctx context.Context, cmd types.Command) (types.CommandOutput, error) {
		panic("nil map")
	})
	pool := startPool(t, exec, 1)

	result := runOne(t, pool, Task{JobID: "x"})
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "executor panic")
}

// ============================================================================
// Deadline Race Tests
// ============================================================================

func TestTimeoutWithUncooperativeBackend(t *testing.T) {
	pool := startPool(t, blocking(500*time.Millisecond), 1)

	start := time.Now()
	result := runOne(t, pool, Task{JobID: "X", Timeout: 20 * time.Millisecond})

	var te *TimeoutError
	require.ErrorAs(t, result.Err, &te)
	assert.Equal(t, types.ErrorTimeout, KindOf(result.Err))
	assert.Less(t, time.Since(start), 400*time.Millisecond, "deadline must not wait for the backend")
}

func TestTimeoutWithCooperativeBackend(t *testing.T) {
	pool := startPool(t, cooperative(), 1)

	result := runOne(t, pool, Task{JobID: "X", Timeout: 10 * time.Millisecond})
	assert.ErrorIs(t, result.Err, ErrTimeout)
}

// ============================================================================
// Cancellation Tests
// ============================================================================

func TestCancelledAttemptWaitsForGracePeriod(t *testing.T) {
	grace := 50 * time.Millisecond
	pool := startPool(t, blocking(time.Second), 1, WithGracePeriod(grace))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	start := time.Now()
	result := runOne(t, pool, Task{Ctx: ctx, JobID: "deploy"})
	elapsed := time.Since(start)

	var ce *CancelledError
	require.ErrorAs(t, result.Err, &ce)
	assert.Equal(t, types.ErrorCancelled, KindOf(result.Err))
	assert.GreaterOrEqual(t, elapsed, grace)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestCancelledAttemptThatStopsInGrace(t *testing.T) {
	pool := startPool(t, cooperative(), 1, WithGracePeriod(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	result := runOne(t, pool, Task{Ctx: ctx, JobID: "deploy"})
	assert.ErrorIs(t, result.Err, ErrCancelled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	exec := execFunc(func(ctx context.Context, cmd types.Command) (types.CommandOutput, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return types.CommandOutput{}, nil
	})
	pool := startPool(t, exec, 4)

	const taskCount = 40
	go func() {
		for i := 0; i < taskCount; i++ {
			_ = pool.Submit(Task{Ctx: context.Background(), Index: i, JobID: types.JobID(fmt.Sprintf("task-%d", i))})
		}
	}()

	seen := make(map[int]bool)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		assert.True(t, result.Success())
		seen[result.Index] = true
	}
	assert.Len(t, seen, taskCount)
	assert.LessOrEqual(t, peak.Load(), int32(4))
}
