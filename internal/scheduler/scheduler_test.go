package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-pipeline/internal/graph"
	"github.com/ChuLiYu/beaver-pipeline/internal/metrics"
	"github.com/ChuLiYu/beaver-pipeline/internal/notify"
	"github.com/ChuLiYu/beaver-pipeline/internal/storage/journal"
	"github.com/ChuLiYu/beaver-pipeline/internal/worker"
	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// ============================================================================
// Test Helpers
// ============================================================================

type behavior func(ctx context.Context) (types.CommandOutput, error)

// fakeBackend dispatches on the first argument of the command, which the
// tests set to the job ID.
type fakeBackend struct {
	mu        sync.Mutex
	behaviors map[string]behavior
	calls     map[string]int
	started   []string
	running   int
	peak      int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{behaviors: map[string]behavior{}, calls: map[string]int{}}
}

func (f *fakeBackend) on(id string, b behavior) *fakeBackend {
	f.behaviors[id] = b
	return f
}

func (f *fakeBackend) Execute(ctx context.Context, cmd types.Command) (types.CommandOutput, error) {
	id := cmd.Args[0]
	f.mu.Lock()
	f.calls[id]++
	f.started = append(f.started, id)
	f.running++
	if f.running > f.peak {
		f.peak = f.running
	}
	b := f.behaviors[id]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()
	if b == nil {
		return types.CommandOutput{Output: id + " ok"}, nil
	}
	return b(ctx)
}

func (f *fakeBackend) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func fail(ctx context.Context) (types.CommandOutput, error) {
	return types.CommandOutput{ExitStatus: 1}, errors.New("exit status 1")
}

func sleep(d time.Duration) behavior {
	return func(ctx context.Context) (types.CommandOutput, error) {
		select {
		case <-time.After(d):
			return types.CommandOutput{}, nil
		case <-ctx.Done():
			return types.CommandOutput{}, ctx.Err()
		}
	}
}

func job(id string, deps ...string) types.Job {
	j := types.Job{
		ID:      types.JobID(id),
		Command: types.Command{Kind: types.KindShell, Args: []string{id}},
		Retry:   types.RetryPolicy{MaxAttempts: 1},
		Class:   types.ClassBlocking,
	}
	for _, d := range deps {
		j.DependsOn = append(j.DependsOn, types.JobID(d))
	}
	return j
}

func advisory(j types.Job) types.Job {
	j.Class = types.ClassAdvisory
	return j
}

func retries(j types.Job, attempts int, base, max time.Duration) types.Job {
	j.Retry = types.RetryPolicy{MaxAttempts: attempts, BaseDelay: base, MaxDelay: max}
	return j
}

func build(t *testing.T, jobs ...types.Job) *graph.Graph {
	t.Helper()
	g, err := graph.Build(jobs)
	require.NoError(t, err)
	return g
}

func newTestScheduler(backend worker.Executor, opts ...Option) *Scheduler {
	return New(Config{GracePeriod: 50 * time.Millisecond}, backend, opts...)
}

func assertState(t *testing.T, run *types.PipelineRun, id string, want types.JobState) *types.JobRun {
	t.Helper()
	jr := run.Job(types.JobID(id))
	require.NotNil(t, jr, "job %s missing", id)
	assert.Equal(t, want, jr.State, "job %s: %s", id, jr.Error)
	return jr
}

// ============================================================================
// Ordering and Concurrency
// ============================================================================

func TestDiamondWithLimitTwo(t *testing.T) {
	var bStarted, cStarted sync.WaitGroup
	bStarted.Add(1)
	cStarted.Add(1)
	waitFor := func(mine, other *sync.WaitGroup) behavior {
		return func(ctx context.Context) (types.CommandOutput, error) {
			mine.Done()
			done := make(chan struct{})
			go func() { other.Wait(); close(done) }()
			select {
			case <-done:
				return types.CommandOutput{}, nil
			case <-time.After(2 * time.Second):
				return types.CommandOutput{}, errors.New("B and C did not overlap")
			}
		}
	}

	backend := newFakeBackend().
		on("B", waitFor(&bStarted, &cStarted)).
		on("C", waitFor(&cStarted, &bStarted))
	g := build(t, job("A"), job("B", "A"), job("C", "A"), job("D", "B", "C"))

	run := newTestScheduler(backend).Run(context.Background(), g, 2)

	assert.Equal(t, types.PipelineSucceeded, run.State)
	assert.Equal(t, []types.JobID{"A", "B", "C", "D"}, run.Order)
	assert.Equal(t, 2, backend.peak)

	d := assertState(t, run, "D", types.StateSucceeded)
	for _, dep := range []string{"B", "C"} {
		assert.False(t, d.StartedAt.Before(run.Job(types.JobID(dep)).FinishedAt), "D started before %s finished", dep)
	}
	a := run.Job("A")
	assert.False(t, run.Job("B").StartedAt.Before(a.FinishedAt))
}

func TestConcurrencyLimitIsNeverExceeded(t *testing.T) {
	backend := newFakeBackend()
	var jobs []types.Job
	for _, id := range []string{"j0", "j1", "j2", "j3", "j4", "j5", "j6", "j7", "j8", "j9"} {
		backend.on(id, sleep(10*time.Millisecond))
		jobs = append(jobs, job(id))
	}

	run := newTestScheduler(backend).Run(context.Background(), build(t, jobs...), 3)

	assert.Equal(t, types.PipelineSucceeded, run.State)
	assert.LessOrEqual(t, backend.peak, 3)
	assert.Len(t, run.Order, 10)
}

func TestExecutionOrderIsDeterministic(t *testing.T) {
	jobs := []types.Job{job("lint"), job("build"), job("unit", "build"), job("scan", "build"), job("deploy", "unit", "lint")}

	first := newTestScheduler(newFakeBackend()).Run(context.Background(), build(t, jobs...), 1)
	second := newTestScheduler(newFakeBackend()).Run(context.Background(), build(t, jobs...), 1)

	assert.Equal(t, first.Order, second.Order)
	assert.Equal(t, []types.JobID{"lint", "build", "unit", "scan", "deploy"}, first.Order)
}

func TestEmptyGraph(t *testing.T) {
	run := newTestScheduler(newFakeBackend()).Run(context.Background(), build(t), 2)
	assert.Equal(t, types.PipelineSucceeded, run.State)
	assert.NotEmpty(t, run.ID)
}

// ============================================================================
// Failure Propagation
// ============================================================================

func TestBlockingFailureSkipsTransitiveDependents(t *testing.T) {
	backend := newFakeBackend().on("build", fail)
	g := build(t, job("build"), job("test", "build"), advisory(job("scan", "test")), job("deploy", "scan"), job("docs"))

	run := newTestScheduler(backend).Run(context.Background(), g, 2)

	assert.Equal(t, types.PipelineFailed, run.State)
	b := assertState(t, run, "build", types.StateFailed)
	assert.Equal(t, types.ErrorCommand, b.ErrorKind)
	for _, id := range []string{"test", "scan", "deploy"} {
		jr := assertState(t, run, id, types.StateSkipped)
		assert.Zero(t, jr.Attempts)
		assert.Zero(t, backend.callCount(id))
	}
	assertState(t, run, "docs", types.StateSucceeded)
}

func TestAdvisoryFailureLetsDependentsRun(t *testing.T) {
	backend := newFakeBackend().on("scan", fail)
	g := build(t, job("build"), advisory(job("scan", "build")), job("deploy", "scan"))

	run := newTestScheduler(backend).Run(context.Background(), g, 2)

	assertState(t, run, "scan", types.StateFailed)
	assertState(t, run, "deploy", types.StateSucceeded)
	assert.Equal(t, types.PipelineSucceeded, run.State)
}

// ============================================================================
// Retry and Timeout
// ============================================================================

func TestRetryExhaustion(t *testing.T) {
	backend := newFakeBackend().on("flaky", fail)
	g := build(t, retries(job("flaky"), 3, time.Millisecond, 5*time.Millisecond))

	run := newTestScheduler(backend).Run(context.Background(), g, 1)

	jr := assertState(t, run, "flaky", types.StateFailed)
	assert.Equal(t, 3, jr.Attempts)
	assert.Equal(t, 3, backend.callCount("flaky"))
	assert.Equal(t, []types.JobID{"flaky"}, run.Order)
}

func TestRetryWithBackoffThenSuccess(t *testing.T) {
	var calls atomic.Int32
	backend := newFakeBackend().on("deploy", func(ctx context.Context) (types.CommandOutput, error) {
		if calls.Add(1) < 3 {
			return types.CommandOutput{ExitStatus: 1}, errors.New("connection refused")
		}
		return types.CommandOutput{Output: "deployed"}, nil
	})
	g := build(t, retries(job("deploy"), 5, 20*time.Millisecond, time.Second))

	start := time.Now()
	run := newTestScheduler(backend).Run(context.Background(), g, 1)

	jr := assertState(t, run, "deploy", types.StateSucceeded)
	assert.Equal(t, 3, jr.Attempts)
	assert.Equal(t, "deployed", jr.Output)
	assert.Empty(t, jr.Error)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond, "20ms + 40ms backoff")
}

func TestTimeoutScenario(t *testing.T) {
	backend := newFakeBackend().on("X", sleep(250*time.Millisecond))
	x := job("X")
	x.Timeout = 50 * time.Millisecond

	run := newTestScheduler(backend).Run(context.Background(), build(t, x), 1)

	jr := assertState(t, run, "X", types.StateFailed)
	assert.Equal(t, 1, jr.Attempts)
	assert.Equal(t, types.ErrorTimeout, jr.ErrorKind)
	assert.Contains(t, jr.Error, "TimeoutError")
	assert.Equal(t, types.PipelineFailed, run.State)
}

func TestDefaultTimeoutApplies(t *testing.T) {
	backend := newFakeBackend().on("X", sleep(time.Second))
	s := New(Config{DefaultTimeout: 20 * time.Millisecond}, backend)

	run := s.Run(context.Background(), build(t, job("X")), 1)
	assert.Equal(t, types.ErrorTimeout, run.Job("X").ErrorKind)
}

// ============================================================================
// Cancellation
// ============================================================================

func TestCancellationDuringRun(t *testing.T) {
	started := make(chan struct{})
	backend := newFakeBackend().on("deploy", func(ctx context.Context) (types.CommandOutput, error) {
		close(started)
		<-ctx.Done()
		return types.CommandOutput{}, ctx.Err()
	})
	g := build(t, job("deploy"), job("verify", "deploy"), job("docs"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	run := newTestScheduler(backend).Run(ctx, g, 1)

	assert.Equal(t, types.PipelineCancelled, run.State)
	d := assertState(t, run, "deploy", types.StateFailed)
	assert.Equal(t, types.ErrorCancelled, d.ErrorKind)
	assert.Contains(t, d.Error, "CancelledError")
	assertState(t, run, "verify", types.StateSkipped)
	assertState(t, run, "docs", types.StateSkipped)
	assert.Zero(t, backend.callCount("docs"))
}

func TestCancellationWhileWaitingForRetry(t *testing.T) {
	backend := newFakeBackend().on("flaky", fail)
	g := build(t, retries(job("flaky"), 3, time.Hour, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	run := newTestScheduler(backend).Run(ctx, g, 1)

	jr := assertState(t, run, "flaky", types.StateFailed)
	assert.Equal(t, 1, jr.Attempts)
	assert.Equal(t, types.ErrorCancelled, jr.ErrorKind)
	assert.Equal(t, types.PipelineCancelled, run.State)
}

func TestCancellationAfterRetryDelayFailsAttemptedRun(t *testing.T) {
	backend := newFakeBackend().
		on("flaky", fail).
		on("long", sleep(2*time.Second))
	g := build(t, retries(job("flaky"), 3, 10*time.Millisecond, 10*time.Millisecond), job("long"))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)
	run := newTestScheduler(backend).Run(ctx, g, 1)

	// flaky's delay is over but "long" holds the only slot
	jr := assertState(t, run, "flaky", types.StateFailed)
	assert.Equal(t, 1, jr.Attempts)
	assert.Equal(t, types.ErrorCancelled, jr.ErrorKind)
	assert.Contains(t, jr.Error, "CancelledError")
	assertState(t, run, "long", types.StateFailed)
	assert.Equal(t, types.PipelineCancelled, run.State)
}

func TestAlreadyCancelledContext(t *testing.T) {
	backend := newFakeBackend()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run := newTestScheduler(backend).Run(ctx, build(t, job("a"), job("b", "a")), 2)

	assert.Equal(t, types.PipelineCancelled, run.State)
	assertState(t, run, "a", types.StateSkipped)
	assertState(t, run, "b", types.StateSkipped)
	assert.Zero(t, backend.callCount("a"))
}

// ============================================================================
// Side Effects
// ============================================================================

func TestNotifierJournalAndMetrics(t *testing.T) {
	rec := notify.NewRecorder()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.log"), journal.Options{})
	require.NoError(t, err)
	defer j.Close()
	collector := metrics.NewCollector(prometheus.NewRegistry())

	var observed atomic.Int32
	s := newTestScheduler(newFakeBackend().on("test", fail),
		WithNotifier(rec), WithJournal(j), WithMetrics(collector),
		WithObserver(func(*types.PipelineRun) { observed.Add(1) }))

	run := s.Execute(context.Background(), Request{
		ID: "run-42", Pipeline: "web", Limit: 2,
		Graph: build(t, job("build"), job("test", "build"), job("deploy", "test")),
	})
	require.NoError(t, s.Close(context.Background()))

	assert.Equal(t, "run-42", run.ID)
	assert.Equal(t, "web", run.Pipeline)
	assert.Positive(t, observed.Load())

	require.Len(t, rec.PipelineRuns(), 1)
	assert.Equal(t, types.PipelineFailed, rec.PipelineRuns()[0].State)
	assert.Len(t, rec.JobRuns(), 3)

	var events []journal.Event
	require.NoError(t, j.Replay(func(e journal.Event) error {
		events = append(events, e)
		return nil
	}))
	require.NotEmpty(t, events)
	assert.Equal(t, journal.EventPipelineStart, events[0].Type)
	last := events[len(events)-1]
	assert.Equal(t, journal.EventPipelineFinish, last.Type)
	assert.Equal(t, "failed", last.To)
}

// blockingSink holds every delivery until release is closed.
type blockingSink struct {
	*notify.Recorder
	release chan struct{}
}

func newBlockingSink() *blockingSink {
	return &blockingSink{Recorder: notify.NewRecorder(), release: make(chan struct{})}
}

func (b *blockingSink) wait(ctx context.Context) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blockingSink) PublishJobRun(ctx context.Context, run *types.PipelineRun, job *types.JobRun) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	return b.Recorder.PublishJobRun(ctx, run, job)
}

func (b *blockingSink) PublishPipelineRun(ctx context.Context, run *types.PipelineRun) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	return b.Recorder.PublishPipelineRun(ctx, run)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestSlowSinkDoesNotDelayRun(t *testing.T) {
	sink := newBlockingSink()
	s := New(Config{NotifyTimeout: time.Hour}, newFakeBackend(), WithNotifier(sink))

	done := make(chan *types.PipelineRun, 1)
	go func() { done <- s.Run(context.Background(), build(t, job("a"), job("b"), job("c")), 3) }()

	select {
	case run := <-done:
		assert.Equal(t, types.PipelineSucceeded, run.State)
	case <-time.After(2 * time.Second):
		t.Fatal("run waited on the notification sink")
	}
	assert.Empty(t, sink.PipelineRuns())

	close(sink.release)
	require.NoError(t, s.Close(context.Background()))
	assert.Len(t, sink.JobRuns(), 3)
	assert.Len(t, sink.PipelineRuns(), 1)
}

func TestFullNoticeQueueDropsNotifications(t *testing.T) {
	sink := newBlockingSink()
	reg := prometheus.NewRegistry()
	s := New(Config{NotifyTimeout: time.Hour, NotifyBuffer: 1}, newFakeBackend(),
		WithNotifier(sink), WithMetrics(metrics.NewCollector(reg)))

	run := s.Run(context.Background(), build(t, job("a"), job("b"), job("c")), 3)
	assert.Equal(t, types.PipelineSucceeded, run.State)

	// four notices, at most one delivering and one queued
	assert.GreaterOrEqual(t, counterValue(t, reg, "beaver_notifications_failed_total"), 2.0)

	close(sink.release)
	require.NoError(t, s.Close(context.Background()))
	assert.LessOrEqual(t, len(sink.JobRuns())+len(sink.PipelineRuns()), 2)
}

func TestCloseGivesUpWhenContextEnds(t *testing.T) {
	sink := newBlockingSink()
	s := New(Config{NotifyTimeout: time.Hour}, newFakeBackend(), WithNotifier(sink))
	s.Run(context.Background(), build(t, job("a")), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Close(ctx), context.DeadlineExceeded)
	close(sink.release)
}

func TestLimiter(t *testing.T) {
	l := NewLimiter(2)
	assert.True(t, l.TryAcquire())
	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())
	assert.Equal(t, 2, l.InUse())

	l.Release()
	l.Release()
	assert.Equal(t, 0, l.InUse())
	assert.Equal(t, 2, l.Peak())

	assert.PanicsWithError(t, "scheduler invariant violated: concurrency slot released twice", func() { l.Release() })
}
