package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// DefaultHistory is how many finished runs the engine keeps in memory.
const DefaultHistory = 50

// activeRun is a run that has been started and not yet finished.
type activeRun struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	snapshot *types.PipelineRun // latest copy from the scheduler observer
	final    *types.PipelineRun // set before done is closed
}

// runTable indexes runs by ID. active holds in-flight runs, recent is a
// bounded FIFO of finished ones; both point into the same byID map.
type runTable struct {
	mu      sync.RWMutex
	active  map[string]*activeRun
	byID    map[string]*types.PipelineRun
	recent  []string
	history int
	stats   counters
}

type counters struct {
	started   int
	succeeded int
	failed    int
	cancelled int
}

func newRunTable(history int) *runTable {
	if history <= 0 {
		history = DefaultHistory
	}
	return &runTable{
		active:  make(map[string]*activeRun),
		byID:    make(map[string]*types.PipelineRun),
		history: history,
	}
}

func (t *runTable) add(id, pipeline string, cancel context.CancelFunc) *activeRun {
	t.mu.Lock()
	defer t.mu.Unlock()

	ar := &activeRun{
		id:       id,
		cancel:   cancel,
		done:     make(chan struct{}),
		snapshot: &types.PipelineRun{ID: id, Pipeline: pipeline, State: types.PipelineRunning},
	}
	t.active[id] = ar
	t.stats.started++
	return ar
}

// update stores the observer's copy. Called from the scheduler's
// coordinator goroutine.
func (t *runTable) update(run *types.PipelineRun) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ar, ok := t.active[run.ID]; ok {
		ar.snapshot = run
	}
}

// finish moves a run from active to recent and releases its waiters.
func (t *runTable) finish(run *types.PipelineRun) {
	t.mu.Lock()
	ar, ok := t.active[run.ID]
	delete(t.active, run.ID)
	t.rememberLocked(run)
	switch run.State {
	case types.PipelineSucceeded:
		t.stats.succeeded++
	case types.PipelineFailed:
		t.stats.failed++
	case types.PipelineCancelled:
		t.stats.cancelled++
	}
	t.mu.Unlock()

	if ok {
		ar.final = run
		close(ar.done)
	}
}

// remember records a finished run that did not go through add, such as one
// recovered from the journal.
func (t *runTable) remember(run *types.PipelineRun) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rememberLocked(run)
}

func (t *runTable) rememberLocked(run *types.PipelineRun) {
	if _, seen := t.byID[run.ID]; !seen {
		t.recent = append(t.recent, run.ID)
	}
	t.byID[run.ID] = run
	for len(t.recent) > t.history {
		delete(t.byID, t.recent[0])
		t.recent = t.recent[1:]
	}
}

func (t *runTable) lookupActive(id string) (*activeRun, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ar, ok := t.active[id]
	return ar, ok
}

// get returns a copy of the run, active or recently finished.
func (t *runTable) get(id string) (*types.PipelineRun, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if ar, ok := t.active[id]; ok {
		return ar.snapshot.Clone(), true
	}
	if run, ok := t.byID[id]; ok {
		return run.Clone(), true
	}
	return nil, false
}

func (t *runTable) finished(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byID[id]
	return ok
}

// list returns copies of every known run, newest first.
func (t *runTable) list() []*types.PipelineRun {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*types.PipelineRun, 0, len(t.active)+len(t.recent))
	for _, ar := range t.active {
		out = append(out, ar.snapshot.Clone())
	}
	for _, id := range t.recent {
		out = append(out, t.byID[id].Clone())
	}
	sortNewestFirst(out)
	return out
}

// cancelAll signals every active run and returns how many there were.
func (t *runTable) cancelAll() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ar := range t.active {
		ar.cancel()
	}
	return len(t.active)
}

func (t *runTable) counts() (active int, c counters) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active), t.stats
}

func sortNewestFirst(runs []*types.PipelineRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
}
