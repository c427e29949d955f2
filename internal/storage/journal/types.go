package journal

import (
	"time"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// EventType is the kind of a journal record.
type EventType string

const (
	EventPipelineStart  EventType = "PIPELINE_START"  // run created, all jobs Pending
	EventTransition     EventType = "TRANSITION"      // one JobRun state change
	EventPipelineFinish EventType = "PIPELINE_FINISH" // run reached a terminal state
)

// Event is one journal line.
type Event struct {
	Seq       uint64          `json:"seq"`
	Type      EventType       `json:"type"`
	RunID     string          `json:"run_id"`
	Pipeline  string          `json:"pipeline,omitempty"`
	JobID     types.JobID     `json:"job_id,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
	ErrorKind types.ErrorKind `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	Checksum  uint32          `json:"checksum"`
}

// Time returns the event timestamp.
func (e Event) Time() time.Time { return time.UnixMilli(e.Timestamp) }

// EventHandler processes one replayed event.
type EventHandler func(event Event) error

// Transition builds a TRANSITION event from a JobRun after its state changed.
func Transition(runID string, jr *types.JobRun, from types.JobState) Event {
	return Event{
		Type:      EventTransition,
		RunID:     runID,
		JobID:     jr.JobID,
		From:      from.String(),
		To:        jr.State.String(),
		Attempt:   jr.Attempts,
		ErrorKind: jr.ErrorKind,
		Error:     jr.Error,
	}
}

// PipelineStart builds the event that opens a run.
func PipelineStart(run *types.PipelineRun) Event {
	return Event{Type: EventPipelineStart, RunID: run.ID, Pipeline: run.Pipeline, To: run.State.String()}
}

// PipelineFinish builds the event that closes a run.
func PipelineFinish(run *types.PipelineRun) Event {
	return Event{Type: EventPipelineFinish, RunID: run.ID, Pipeline: run.Pipeline, To: run.State.String()}
}
