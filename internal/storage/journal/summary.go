package journal

import (
	"sort"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// RunSummary is the last known state of one run, rebuilt from events.
type RunSummary struct {
	RunID    string
	Pipeline string
	State    string
	Started  int64
	Finished int64
	Jobs     map[types.JobID]Event // latest transition per job
	jobOrder []types.JobID
}

// JobOrder returns job IDs in the order they were first seen.
func (s *RunSummary) JobOrder() []types.JobID { return s.jobOrder }

// Summarize folds events into per-run summaries, newest run first.
func Summarize(path string) ([]*RunSummary, error) {
	runs := make(map[string]*RunSummary)
	get := func(id string) *RunSummary {
		s, ok := runs[id]
		if !ok {
			s = &RunSummary{RunID: id, Jobs: make(map[types.JobID]Event)}
			runs[id] = s
		}
		return s
	}

	err := ReadFile(path, func(e Event) error {
		s := get(e.RunID)
		switch e.Type {
		case EventPipelineStart:
			s.Pipeline = e.Pipeline
			s.State = e.To
			s.Started = e.Timestamp
		case EventPipelineFinish:
			s.State = e.To
			s.Finished = e.Timestamp
		case EventTransition:
			if _, seen := s.Jobs[e.JobID]; !seen {
				s.jobOrder = append(s.jobOrder, e.JobID)
			}
			s.Jobs[e.JobID] = e
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*RunSummary, 0, len(runs))
	for _, s := range runs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Started > out[k].Started })
	return out, nil
}
