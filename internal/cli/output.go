package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/ChuLiYu/beaver-pipeline/internal/graph"
	"github.com/ChuLiYu/beaver-pipeline/internal/storage/journal"
	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

const maxErrorWidth = 60

var pipelineIcons = map[types.PipelineState]string{
	types.PipelineRunning:   "🔄",
	types.PipelineSucceeded: "✅",
	types.PipelineFailed:    "❌",
	types.PipelineCancelled: "🛑",
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetHeader(header)
	return table
}

func printRun(w io.Writer, run *types.PipelineRun) {
	fmt.Fprintf(w, "%s %s  run %s  %s\n", pipelineIcons[run.State], run.Pipeline, run.ID, strings.ToUpper(run.State.String()))
	if !run.StartedAt.IsZero() {
		fmt.Fprintf(w, "   started %s", run.StartedAt.Format(time.RFC3339))
		if !run.FinishedAt.IsZero() {
			fmt.Fprintf(w, ", took %s", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w)

	table := newTable(w, "Job", "Class", "State", "Attempts", "Duration", "Error")
	for _, jr := range run.Jobs {
		table.Append([]string{
			string(jr.JobID),
			string(jr.Class),
			jr.State.String(),
			fmt.Sprintf("%d/%d", jr.Attempts, jr.MaxAttempts),
			jobDuration(jr),
			truncate(jr.Error, maxErrorWidth),
		})
	}
	table.Render()

	counts := run.Counts()
	fmt.Fprintf(w, "\n%d succeeded, %d failed, %d skipped\n",
		counts[types.StateSucceeded], counts[types.StateFailed], counts[types.StateSkipped])
}

func printRuns(w io.Writer, runs []*types.PipelineRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs found")
		return
	}
	table := newTable(w, "Run", "Pipeline", "State", "Started", "Duration", "Jobs")
	for _, run := range runs {
		counts := run.Counts()
		var took string
		if !run.FinishedAt.IsZero() {
			took = run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
		}
		table.Append([]string{
			run.ID,
			run.Pipeline,
			pipelineIcons[run.State] + " " + run.State.String(),
			run.StartedAt.Format(time.RFC3339),
			took,
			fmt.Sprintf("%d/%d ok", counts[types.StateSucceeded], len(run.Jobs)),
		})
	}
	table.Render()
}

func printSummary(w io.Writer, s *journal.RunSummary) {
	fmt.Fprintf(w, "%s  run %s  %s\n", s.Pipeline, s.RunID, strings.ToUpper(s.State))
	if s.Finished == 0 {
		fmt.Fprintln(w, "   ⚠️  no finish record: the run was interrupted or is still in progress")
	}
	fmt.Fprintln(w)

	table := newTable(w, "Job", "Last Transition", "Attempt", "At", "Error")
	for _, id := range s.JobOrder() {
		e := s.Jobs[id]
		table.Append([]string{
			string(id),
			e.From + " -> " + e.To,
			strconv.Itoa(e.Attempt),
			e.Time().Format(time.RFC3339),
			truncate(e.Error, maxErrorWidth),
		})
	}
	table.Render()
}

func printSummaries(w io.Writer, summaries []*journal.RunSummary) {
	if len(summaries) == 0 {
		fmt.Fprintln(w, "no runs found")
		return
	}
	table := newTable(w, "Run", "Pipeline", "State", "Started", "Jobs Seen")
	for _, s := range summaries {
		var started string
		if s.Started > 0 {
			started = time.UnixMilli(s.Started).Format(time.RFC3339)
		}
		table.Append([]string{s.RunID, s.Pipeline, s.State, started, strconv.Itoa(len(s.Jobs))})
	}
	table.Render()
}

// printOrder lists jobs by rank, which is the order the scheduler prefers
// when several are ready.
func printOrder(w io.Writer, g *graph.Graph) {
	table := newTable(w, "#", "Job", "Needs", "Timeout", "Attempts")
	for _, i := range g.Order() {
		job := g.Job(i)
		needs := make([]string, len(job.DependsOn))
		for k, d := range job.DependsOn {
			needs[k] = string(d)
		}
		timeout := "-"
		if job.Timeout > 0 {
			timeout = job.Timeout.String()
		}
		table.Append([]string{
			strconv.Itoa(g.Rank(i) + 1),
			string(job.ID),
			strings.Join(needs, ", "),
			timeout,
			strconv.Itoa(job.Retry.MaxAttempts),
		})
	}
	table.Render()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func jobDuration(jr *types.JobRun) string {
	if jr.StartedAt.IsZero() || jr.FinishedAt.IsZero() {
		return "-"
	}
	return jr.FinishedAt.Sub(jr.StartedAt).Round(time.Millisecond).String()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
