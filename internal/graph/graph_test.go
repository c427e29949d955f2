package graph

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-pipeline/internal/registry"
	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

func job(id string, deps ...string) types.Job {
	j := types.Job{ID: types.JobID(id), Class: types.ClassBlocking, Retry: types.RetryPolicy{MaxAttempts: 1}}
	for _, d := range deps {
		j.DependsOn = append(j.DependsOn, types.JobID(d))
	}
	return j
}

func assertTopological(t *testing.T, g *Graph) {
	t.Helper()
	pos := make(map[types.JobID]int)
	for i, id := range g.IDs() {
		pos[id] = i
	}
	require.Len(t, pos, g.Len())
	for i := 0; i < g.Len(); i++ {
		j := g.Job(i)
		for _, dep := range j.DependsOn {
			assert.Less(t, pos[dep], pos[j.ID], "%s must come after %s", j.ID, dep)
		}
	}
}

func TestBuildDiamond(t *testing.T) {
	g, err := Build([]types.Job{job("A"), job("B", "A"), job("C", "A"), job("D", "B", "C")})
	require.NoError(t, err)

	assert.Equal(t, []types.JobID{"A", "B", "C", "D"}, g.IDs())
	assertTopological(t, g)

	d, ok := g.Index("D")
	require.True(t, ok)
	assert.Equal(t, 3, g.Rank(d))
	assert.Len(t, g.Dependencies(d), 2)

	a, _ := g.Index("A")
	assert.Equal(t, []int{1, 2, 3}, g.TransitiveDependents(a))
	assert.Equal(t, []int{0}, g.Roots())
}

func TestBuildTieBreakByRegistrationOrder(t *testing.T) {
	g, err := Build([]types.Job{job("zeta"), job("alpha"), job("deploy", "alpha"), job("mid")})
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{"zeta", "alpha", "deploy", "mid"}, g.IDs())

	// A dependency registered after its dependent still comes first.
	g, err = Build([]types.Job{job("test", "build"), job("lint"), job("build")})
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{"lint", "build", "test"}, g.IDs())
}

func TestBuildIsDeterministic(t *testing.T) {
	jobs := []types.Job{
		job("checkout"), job("build", "checkout"), job("unit", "build"), job("scan", "build"),
		job("e2e", "build"), job("deploy", "unit", "e2e"), job("notify"),
	}
	first, err := Build(jobs)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		g, err := Build(jobs)
		require.NoError(t, err)
		assert.Equal(t, first.IDs(), g.IDs())
	}
}

func TestBuildRandomDAGs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		n := 2 + rng.Intn(20)
		jobs := make([]types.Job, n)
		for i := 0; i < n; i++ {
			jobs[i] = job(fmt.Sprintf("j%d", i))
			for d := 0; d < i; d++ {
				if rng.Intn(4) == 0 {
					jobs[i].DependsOn = append(jobs[i].DependsOn, jobs[d].ID)
				}
			}
		}
		rng.Shuffle(n, func(a, b int) { jobs[a], jobs[b] = jobs[b], jobs[a] })

		g, err := Build(jobs)
		require.NoError(t, err)
		assertTopological(t, g)
	}
}

func TestBuildUnknownDependency(t *testing.T) {
	_, err := Build([]types.Job{job("deploy", "build")})

	var unknown *UnknownDependencyError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, types.JobID("build"), unknown.Missing)
	assert.Equal(t, types.JobID("deploy"), unknown.Referrer)
	assert.ErrorIs(t, err, ErrUnknownDependency)
}

func TestBuildDuplicateID(t *testing.T) {
	_, err := Build([]types.Job{job("build"), job("test", "build"), job("build")})

	var dup *registry.DuplicateJobError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, types.JobID("build"), dup.ID)
	assert.ErrorIs(t, err, registry.ErrDuplicateJob)
}

func TestBuildCycle(t *testing.T) {
	tests := []struct {
		name    string
		jobs    []types.Job
		members []types.JobID
	}{
		{"two", []types.Job{job("a", "b"), job("b", "a")}, []types.JobID{"a", "b"}},
		{"three with tail", []types.Job{job("root"), job("x", "root", "z"), job("y", "x"), job("z", "y")}, []types.JobID{"x", "y", "z"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.jobs)

			var cyc *CyclicDependencyError
			require.ErrorAs(t, err, &cyc)
			assert.ErrorIs(t, err, ErrCyclicDependency)
			require.GreaterOrEqual(t, len(cyc.Cycle), 3)
			assert.Equal(t, cyc.Cycle[0], cyc.Cycle[len(cyc.Cycle)-1])
			assert.ElementsMatch(t, tt.members, cyc.Cycle[1:])

			// Every hop is a declared dependency.
			byID := make(map[types.JobID]types.Job)
			for _, j := range tt.jobs {
				byID[j.ID] = j
			}
			for i := 0; i+1 < len(cyc.Cycle); i++ {
				assert.Contains(t, byID[cyc.Cycle[i]].DependsOn, cyc.Cycle[i+1])
			}
		})
	}
}

func TestRender(t *testing.T) {
	g, err := Build([]types.Job{job("A"), job("B", "A"), job("C", "A"), job("D", "B", "C")})
	require.NoError(t, err)

	out := Render(g, "release")
	assert.Contains(t, out, "release")
	assert.Contains(t, out, "1. A [blocking]")
	assert.Contains(t, out, "4. D [blocking]")
	assert.Contains(t, out, "(see above)")
}
