package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// Executor is the command execution backend. The attempt deadline and the
// pipeline cancellation signal both arrive through ctx.
type Executor interface {
	Execute(ctx context.Context, cmd types.Command) (types.CommandOutput, error)
}

// Task is one attempt of one job.
type Task struct {
	Ctx     context.Context // pipeline context; cancelled when the pipeline is cancelled
	Index   int             // arena index in the graph
	JobID   types.JobID
	Attempt int
	Command types.Command
	Timeout time.Duration // zero means no per-attempt deadline
}

// Result is the outcome of one attempt.
type Result struct {
	Index     int
	JobID     types.JobID
	Attempt   int
	Output    types.CommandOutput
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// Success reports whether the attempt succeeded.
func (r Result) Success() bool { return r.Err == nil }
