package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

var (
	ErrPoolClosed     = errors.New("worker pool is closed")
	ErrPoolNotStarted = errors.New("worker pool not started")

	ErrTimeout       = errors.New("attempt timed out")
	ErrCancelled     = errors.New("attempt cancelled")
	ErrCommandFailed = errors.New("command failed")
)

// KindError is implemented by errors that know how they should be recorded
// on a JobRun.
type KindError interface {
	error
	Kind() types.ErrorKind
}

// TimeoutError means the attempt ran past its deadline.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("TimeoutError: attempt exceeded timeout of %s", e.Timeout)
}

func (e *TimeoutError) Unwrap() error         { return ErrTimeout }
func (e *TimeoutError) Kind() types.ErrorKind { return types.ErrorTimeout }

// CancelledError means the pipeline was cancelled while the attempt was
// running or waiting to be retried.
type CancelledError struct {
	Grace time.Duration
}

func (e *CancelledError) Error() string {
	if e.Grace > 0 {
		return fmt.Sprintf("CancelledError: pipeline cancelled (grace period %s)", e.Grace)
	}
	return "CancelledError: pipeline cancelled"
}

func (e *CancelledError) Unwrap() error         { return ErrCancelled }
func (e *CancelledError) Kind() types.ErrorKind { return types.ErrorCancelled }

// CommandError wraps a failure reported by the command backend.
type CommandError struct {
	ExitStatus int
	Err        error
}

func (e *CommandError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("command failed with exit status %d", e.ExitStatus)
	}
	return fmt.Sprintf("command failed with exit status %d: %v", e.ExitStatus, e.Err)
}

func (e *CommandError) Is(target error) bool { return target == ErrCommandFailed }
func (e *CommandError) Unwrap() error        { return e.Err }
func (e *CommandError) Kind() types.ErrorKind {
	return types.ErrorCommand
}

// KindOf classifies err for the JobRun record.
func KindOf(err error) types.ErrorKind {
	if err == nil {
		return types.ErrorNone
	}
	var ke KindError
	if errors.As(err, &ke) {
		return ke.Kind()
	}
	return types.ErrorCommand
}
