package types

import (
	"fmt"
	"time"
)

// JobState is the lifecycle state of a JobRun.
type JobState uint8

const (
	StatePending   JobState = iota // waiting for dependencies
	StateReady                     // admissible once a concurrency slot is free
	StateRunning                   // an attempt is executing
	StateSucceeded                 // terminal: command succeeded
	StateFailed                    // terminal: attempts exhausted, timed out or cancelled
	StateSkipped                   // terminal: never attempted
)

var jobStateNames = []string{"pending", "ready", "running", "succeeded", "failed", "skipped"}

// jobTransitions is the complete set of legal JobRun state edges.
// Running -> Ready is a retry; Ready -> Failed is a cancellation while waiting for a retry.
var jobTransitions = map[JobState][]JobState{
	StatePending: {StateReady, StateSkipped},
	StateReady:   {StateRunning, StateSkipped, StateFailed},
	StateRunning: {StateSucceeded, StateFailed, StateReady},
}

func (s JobState) String() string { return enumName(jobStateNames, int(s)) }

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateSkipped
}

// CanTransition reports whether s -> to is a legal edge.
func (s JobState) CanTransition(to JobState) bool {
	for _, next := range jobTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s JobState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *JobState) UnmarshalText(text []byte) error {
	i, err := parseEnum("job state", jobStateNames, text)
	if err != nil {
		return err
	}
	*s = JobState(i)
	return nil
}

// ErrorKind distinguishes why an attempt failed.
type ErrorKind uint8

const (
	ErrorNone ErrorKind = iota
	ErrorCommand
	ErrorTimeout
	ErrorCancelled
	ErrorRollback
	ErrorSkipped
)

var errorKindNames = []string{"none", "command", "timeout", "cancelled", "rollback", "skipped"}

func (k ErrorKind) String() string { return enumName(errorKindNames, int(k)) }

func (k ErrorKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *ErrorKind) UnmarshalText(text []byte) error {
	i, err := parseEnum("error kind", errorKindNames, text)
	if err != nil {
		return err
	}
	*k = ErrorKind(i)
	return nil
}

// TransitionError reports an illegal JobRun state change.
type TransitionError struct {
	JobID JobID
	From  JobState
	To    JobState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: illegal transition %s -> %s", e.JobID, e.From, e.To)
}

// JobRun is the mutable per-execution record of a Job.
type JobRun struct {
	JobID       JobID          `json:"job_id"`
	Class       Classification `json:"class"`
	MaxAttempts int            `json:"max_attempts"`

	State      JobState  `json:"state"`
	Attempts   int       `json:"attempts"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"error_kind"`
}

// NewJobRun creates a Pending run for job.
func NewJobRun(job Job) *JobRun {
	return &JobRun{
		JobID:       job.ID,
		Class:       job.Class,
		MaxAttempts: job.Retry.MaxAttempts,
		State:       StatePending,
	}
}

// Transition moves the run to the given state.
// Entering Running starts a new attempt and fails if the attempt budget is spent.
func (r *JobRun) Transition(to JobState, at time.Time) error {
	if !r.State.CanTransition(to) {
		return &TransitionError{JobID: r.JobID, From: r.State, To: to}
	}
	if to == StateRunning {
		if r.MaxAttempts > 0 && r.Attempts >= r.MaxAttempts {
			return &TransitionError{JobID: r.JobID, From: r.State, To: to}
		}
		r.Attempts++
		if r.StartedAt.IsZero() {
			r.StartedAt = at
		}
	}
	r.State = to
	if to.Terminal() {
		r.FinishedAt = at
	}
	return nil
}

// Blocking reports whether the run's failure halts dependents.
func (r *JobRun) Blocking() bool { return r.Class != ClassAdvisory }

// PipelineState is the overall state of a PipelineRun.
type PipelineState uint8

const (
	PipelineRunning PipelineState = iota
	PipelineSucceeded
	PipelineFailed
	PipelineCancelled
)

var pipelineStateNames = []string{"running", "succeeded", "failed", "cancelled"}

func (s PipelineState) String() string { return enumName(pipelineStateNames, int(s)) }

// Terminal reports whether the pipeline run has finished.
func (s PipelineState) Terminal() bool { return s != PipelineRunning }

func (s PipelineState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *PipelineState) UnmarshalText(text []byte) error {
	i, err := parseEnum("pipeline state", pipelineStateNames, text)
	if err != nil {
		return err
	}
	*s = PipelineState(i)
	return nil
}

// PipelineRun is one end-to-end execution of a job graph.
type PipelineRun struct {
	ID         string        `json:"id"`
	Pipeline   string        `json:"pipeline"`
	State      PipelineState `json:"state"`
	Jobs       []*JobRun     `json:"jobs"`
	Order      []JobID       `json:"order"` // observed dispatch order of first attempts
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
}

// Job returns the run of the given job, or nil.
func (p *PipelineRun) Job(id JobID) *JobRun {
	for _, jr := range p.Jobs {
		if jr.JobID == id {
			return jr
		}
	}
	return nil
}

// Derive computes the overall state from the job runs.
// A run succeeds only if every blocking job succeeded.
func (p *PipelineRun) Derive(cancelled bool) PipelineState {
	for _, jr := range p.Jobs {
		if !jr.State.Terminal() {
			return PipelineRunning
		}
	}
	if cancelled {
		return PipelineCancelled
	}
	for _, jr := range p.Jobs {
		if jr.Blocking() && jr.State != StateSucceeded {
			return PipelineFailed
		}
	}
	return PipelineSucceeded
}

// Counts tallies job runs by state.
func (p *PipelineRun) Counts() map[JobState]int {
	counts := make(map[JobState]int, len(jobStateNames))
	for _, jr := range p.Jobs {
		counts[jr.State]++
	}
	return counts
}

// Clone returns a deep copy safe to hand to other goroutines.
func (p *PipelineRun) Clone() *PipelineRun {
	out := *p
	out.Jobs = make([]*JobRun, len(p.Jobs))
	for i, jr := range p.Jobs {
		c := *jr
		out.Jobs[i] = &c
	}
	out.Order = append([]JobID(nil), p.Order...)
	return &out
}
