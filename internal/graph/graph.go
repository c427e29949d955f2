// ============================================================================
// Beaver-Pipeline Dependency Graph
// ============================================================================
//
// Package: internal/graph
// File: graph.go
//
// The graph is an arena: jobs live in a slice and edges are index lists, so a
// built Graph is plain read-only data that any number of goroutines may share.
//
// Build runs a three-colour depth-first traversal over dependent edges:
//
//	white (unvisited) -> grey (on the current path) -> black (finished)
//
// An edge into a grey node closes a cycle. The reversed post-order of the same
// traversal is the topological order. Roots and dependents are walked in
// reverse registration order so that, after reversal, jobs with no ordering
// constraint between them keep their registration order.
//
// ============================================================================

package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/beaver-pipeline/internal/registry"
	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

var (
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCyclicDependency  = errors.New("cyclic dependency")
)

// UnknownDependencyError names a dependency that resolves to no job.
type UnknownDependencyError struct {
	Missing  types.JobID
	Referrer types.JobID
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("job %q depends on unknown job %q", e.Referrer, e.Missing)
}

func (e *UnknownDependencyError) Unwrap() error { return ErrUnknownDependency }

// CyclicDependencyError reports one cycle. Each job in Cycle depends on the
// next one, and the first and last entries are the same job.
type CyclicDependencyError struct {
	Cycle []types.JobID
}

func (e *CyclicDependencyError) Error() string {
	parts := make([]string, len(e.Cycle))
	for i, id := range e.Cycle {
		parts[i] = string(id)
	}
	return "dependency cycle: " + strings.Join(parts, " -> ")
}

func (e *CyclicDependencyError) Unwrap() error { return ErrCyclicDependency }

// Graph is an immutable dependency graph with a precomputed topological order.
type Graph struct {
	jobs       []types.Job
	index      map[types.JobID]int
	deps       [][]int
	dependents [][]int
	order      []int
	rank       []int
}

const (
	white = iota
	grey
	black
)

// Build resolves jobs, given in registration order, into a Graph.
func Build(jobs []types.Job) (*Graph, error) {
	g := &Graph{
		jobs:       make([]types.Job, len(jobs)),
		index:      make(map[types.JobID]int, len(jobs)),
		deps:       make([][]int, len(jobs)),
		dependents: make([][]int, len(jobs)),
	}
	for i, job := range jobs {
		if _, dup := g.index[job.ID]; dup {
			return nil, &registry.DuplicateJobError{ID: job.ID}
		}
		g.jobs[i] = job.Clone()
		g.index[job.ID] = i
	}

	for i, job := range g.jobs {
		for _, dep := range job.DependsOn {
			d, ok := g.index[dep]
			if !ok {
				return nil, &UnknownDependencyError{Missing: dep, Referrer: job.ID}
			}
			g.deps[i] = append(g.deps[i], d)
			g.dependents[d] = append(g.dependents[d], i)
		}
	}

	if err := g.sort(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) sort() error {
	n := len(g.jobs)
	color := make([]uint8, n)
	post := make([]int, 0, n)
	var path []int

	var visit func(u int) error
	visit = func(u int) error {
		color[u] = grey
		path = append(path, u)
		ds := g.dependents[u]
		for k := len(ds) - 1; k >= 0; k-- {
			v := ds[k]
			switch color[v] {
			case grey:
				return g.cycleError(path, v)
			case white:
				if err := visit(v); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[u] = black
		post = append(post, u)
		return nil
	}

	for u := n - 1; u >= 0; u-- {
		if color[u] != white {
			continue
		}
		if err := visit(u); err != nil {
			return err
		}
	}

	g.order = make([]int, n)
	g.rank = make([]int, n)
	for i, u := range post {
		pos := n - 1 - i
		g.order[pos] = u
		g.rank[u] = pos
	}
	return nil
}

// cycleError turns the grey path from v to its tail into a cycle report.
// The path follows dependent edges, so it is reversed to read as "depends on".
func (g *Graph) cycleError(path []int, v int) error {
	start := 0
	for i, u := range path {
		if u == v {
			start = i
			break
		}
	}
	loop := path[start:]
	cycle := make([]types.JobID, 0, len(loop)+1)
	cycle = append(cycle, g.jobs[v].ID)
	for i := len(loop) - 1; i >= 0; i-- {
		cycle = append(cycle, g.jobs[loop[i]].ID)
	}
	return &CyclicDependencyError{Cycle: cycle}
}

// Len returns the number of jobs.
func (g *Graph) Len() int { return len(g.jobs) }

// Job returns a copy of the job at index i.
func (g *Graph) Job(i int) types.Job { return g.jobs[i].Clone() }

// ID returns the job ID at index i.
func (g *Graph) ID(i int) types.JobID { return g.jobs[i].ID }

// Index looks up the arena index of a job.
func (g *Graph) Index(id types.JobID) (int, bool) {
	i, ok := g.index[id]
	return i, ok
}

// Dependencies returns the indices job i depends on, in declaration order.
func (g *Graph) Dependencies(i int) []int { return append([]int(nil), g.deps[i]...) }

// Dependents returns the indices that depend on job i, in registration order.
func (g *Graph) Dependents(i int) []int { return append([]int(nil), g.dependents[i]...) }

// Order returns arena indices in topological order.
func (g *Graph) Order() []int { return append([]int(nil), g.order...) }

// Rank returns the topological position of job i.
func (g *Graph) Rank(i int) int { return g.rank[i] }

// IDs returns job IDs in topological order.
func (g *Graph) IDs() []types.JobID {
	out := make([]types.JobID, len(g.order))
	for pos, i := range g.order {
		out[pos] = g.jobs[i].ID
	}
	return out
}

// Roots returns jobs without dependencies, in registration order.
func (g *Graph) Roots() []int {
	var roots []int
	for i := range g.jobs {
		if len(g.deps[i]) == 0 {
			roots = append(roots, i)
		}
	}
	return roots
}

// TransitiveDependents returns every job reachable through dependent edges
// from i, excluding i, in topological order.
func (g *Graph) TransitiveDependents(i int) []int {
	seen := make([]bool, len(g.jobs))
	stack := append([]int(nil), g.dependents[i]...)
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[u] {
			continue
		}
		seen[u] = true
		stack = append(stack, g.dependents[u]...)
	}

	var out []int
	for _, u := range g.order {
		if seen[u] {
			out = append(out, u)
		}
	}
	return out
}
