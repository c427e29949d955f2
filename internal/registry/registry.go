// ============================================================================
// Beaver-Pipeline Job Registry
// ============================================================================
//
// Package: internal/registry
// File: registry.go
//
// Holds the immutable job definitions of one pipeline. Jobs are validated and
// deep-copied on registration; reads hand out copies so a registered job can
// never change underneath a running pipeline.
//
// Invariants:
//   - IDs are unique
//   - All() preserves insertion order (used as the graph tie-break)
//
// ============================================================================

package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

var (
	ErrDuplicateJob = errors.New("job already registered")
	ErrUnknownJob   = errors.New("job not registered")
	ErrInvalidJob   = errors.New("invalid job")
)

// DuplicateJobError is returned when a job ID is registered twice.
type DuplicateJobError struct {
	ID types.JobID
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("duplicate job %q", e.ID)
}

func (e *DuplicateJobError) Unwrap() error { return ErrDuplicateJob }

// UnknownJobError is returned by Get for an unregistered ID.
type UnknownJobError struct {
	ID types.JobID
}

func (e *UnknownJobError) Error() string {
	return fmt.Sprintf("unknown job %q", e.ID)
}

func (e *UnknownJobError) Unwrap() error { return ErrUnknownJob }

// Registry stores job definitions in registration order.
type Registry struct {
	mu    sync.RWMutex
	jobs  map[types.JobID]int
	order []types.Job
}

func New() *Registry {
	return &Registry{jobs: make(map[types.JobID]int)}
}

// Register validates and stores a copy of job.
func (r *Registry) Register(job types.Job) error {
	if err := validate(job); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return &DuplicateJobError{ID: job.ID}
	}
	r.jobs[job.ID] = len(r.order)
	r.order = append(r.order, job.Clone())
	return nil
}

// Get returns a copy of the job with the given ID.
func (r *Registry) Get(id types.JobID) (types.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.jobs[id]
	if !ok {
		return types.Job{}, &UnknownJobError{ID: id}
	}
	return r.order[idx].Clone(), nil
}

// All returns copies of every job in insertion order.
func (r *Registry) All() []types.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Job, len(r.order))
	for i, job := range r.order {
		out[i] = job.Clone()
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// FromDefinition registers every job of def in order, stopping at the first error.
func FromDefinition(def types.Definition) (*Registry, error) {
	r := New()
	for _, job := range def.Jobs {
		if err := r.Register(job); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func validate(job types.Job) error {
	if job.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidJob)
	}
	seen := make(map[types.JobID]struct{}, len(job.DependsOn))
	for _, dep := range job.DependsOn {
		if dep == job.ID {
			return fmt.Errorf("%w: job %q depends on itself", ErrInvalidJob, job.ID)
		}
		if _, dup := seen[dep]; dup {
			return fmt.Errorf("%w: job %q lists dependency %q twice", ErrInvalidJob, job.ID, dep)
		}
		seen[dep] = struct{}{}
	}
	if job.Class != "" && !job.Class.Valid() {
		return fmt.Errorf("%w: job %q has unknown class %q", ErrInvalidJob, job.ID, job.Class)
	}
	if job.Timeout < 0 {
		return fmt.Errorf("%w: job %q has negative timeout", ErrInvalidJob, job.ID)
	}
	if err := job.Retry.Validate(); err != nil {
		return fmt.Errorf("%w: job %q: %v", ErrInvalidJob, job.ID, err)
	}
	if job.Command.Kind == types.KindCanary {
		if job.Command.Canary == nil {
			return fmt.Errorf("%w: canary job %q has no canary spec", ErrInvalidJob, job.ID)
		}
		if err := job.Command.Canary.Validate(); err != nil {
			return fmt.Errorf("%w: job %q: %v", ErrInvalidJob, job.ID, err)
		}
	}
	return nil
}
