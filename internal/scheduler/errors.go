package scheduler

import (
	"fmt"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// InvariantViolation is the panic value raised when the scheduler's own
// bookkeeping breaks, such as admitting a JobRun twice. It is a bug, not an
// execution outcome, and is never recorded on a run.
type InvariantViolation struct {
	JobID  types.JobID
	Reason string
	Err    error
}

func (e *InvariantViolation) Error() string {
	if e.JobID == "" {
		return "scheduler invariant violated: " + e.Reason
	}
	return fmt.Sprintf("scheduler invariant violated for job %s: %s: %v", e.JobID, e.Reason, e.Err)
}

func (e *InvariantViolation) Unwrap() error { return e.Err }
