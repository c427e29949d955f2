package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	api "github.com/slack-go/slack"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

const (
	DefaultSlackQueueSize   = 64
	DefaultSlackSendTimeout = 10 * time.Second
)

var (
	ErrSlackQueueFull = errors.New("slack notification queue is full")
	ErrSlackClosed    = errors.New("slack notifier is closed")
)

// SlackConfig configures the Slack sink.
type SlackConfig struct {
	Token   string
	Channel string
	APIURL  string // override for tests or proxies, must end with "/"
	// AllJobs also posts succeeded and skipped job runs; by default only
	// failed job runs and pipeline results are posted.
	AllJobs   bool
	QueueSize int
}

type slackMessage struct {
	text   string
	blocks []api.Block
}

// Slack posts run results to a channel from a background worker so that
// publishing never waits on the Slack API.
type Slack struct {
	client     *api.Client
	cfg        SlackConfig
	queue      chan slackMessage
	errHandler func(error)

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewSlack starts the delivery worker. errHandler receives delivery failures.
func NewSlack(cfg SlackConfig, errHandler func(error)) *Slack {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultSlackQueueSize
	}
	var opts []api.Option
	if cfg.APIURL != "" {
		opts = append(opts, api.OptionAPIURL(cfg.APIURL))
	}
	if errHandler == nil {
		errHandler = func(error) {}
	}

	s := &Slack{
		client:     api.New(cfg.Token, opts...),
		cfg:        cfg,
		queue:      make(chan slackMessage, cfg.QueueSize),
		errHandler: errHandler,
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

func (s *Slack) worker() {
	defer s.wg.Done()
	for msg := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultSlackSendTimeout)
		_, _, err := s.client.PostMessageContext(ctx, s.cfg.Channel,
			api.MsgOptionText(msg.text, false),
			api.MsgOptionBlocks(msg.blocks...),
		)
		cancel()
		if err != nil {
			s.errHandler(fmt.Errorf("slack post to %s: %w", s.cfg.Channel, err))
		}
	}
}

func (s *Slack) enqueue(msg slackMessage) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSlackClosed
	}
	select {
	case s.queue <- msg:
		return nil
	default:
		return ErrSlackQueueFull
	}
}

func (s *Slack) PublishJobRun(_ context.Context, run *types.PipelineRun, job *types.JobRun) error {
	if job.State != types.StateFailed && !s.cfg.AllJobs {
		return nil
	}
	text := fmt.Sprintf("[%s] job %s %s after %d attempt(s)", run.Pipeline, job.JobID, job.State, job.Attempts)
	fields := []*api.TextBlockObject{
		mrkdwn("*Pipeline:*\n%s", run.Pipeline),
		mrkdwn("*Run:*\n%s", run.ID),
		mrkdwn("*Job:*\n%s", job.JobID),
		mrkdwn("*Attempts:*\n%d", job.Attempts),
	}
	if job.ErrorKind != types.ErrorNone {
		fields = append(fields, mrkdwn("*Reason:*\n%s", job.ErrorKind))
	}

	blocks := []api.Block{
		api.NewHeaderBlock(api.NewTextBlockObject("plain_text", heading(job.State.String(), "Job "+string(job.JobID)), true, false)),
		api.NewSectionBlock(nil, fields, nil),
	}
	if job.Error != "" {
		blocks = append(blocks, api.NewContextBlock("", api.NewTextBlockObject("plain_text", truncate(job.Error, 2000), false, false)))
	}
	return s.enqueue(slackMessage{text: text, blocks: blocks})
}

func (s *Slack) PublishPipelineRun(_ context.Context, run *types.PipelineRun) error {
	counts := run.Counts()
	text := fmt.Sprintf("[%s] pipeline run %s %s", run.Pipeline, run.ID, run.State)
	fields := []*api.TextBlockObject{
		mrkdwn("*Run:*\n%s", run.ID),
		mrkdwn("*Duration:*\n%s", run.FinishedAt.Sub(run.StartedAt).Round(time.Second)),
		mrkdwn("*Succeeded:*\n%d", counts[types.StateSucceeded]),
		mrkdwn("*Failed:*\n%d", counts[types.StateFailed]),
		mrkdwn("*Skipped:*\n%d", counts[types.StateSkipped]),
	}
	blocks := []api.Block{
		api.NewHeaderBlock(api.NewTextBlockObject("plain_text", heading(run.State.String(), "Pipeline "+run.Pipeline), true, false)),
		api.NewSectionBlock(nil, fields, nil),
		api.NewDividerBlock(),
	}
	return s.enqueue(slackMessage{text: text, blocks: blocks})
}

// Close stops accepting records and waits for queued ones to be delivered.
func (s *Slack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func mrkdwn(format string, args ...any) *api.TextBlockObject {
	return api.NewTextBlockObject("mrkdwn", fmt.Sprintf(format, args...), false, false)
}

func heading(state, subject string) string {
	icon := ":white_check_mark:"
	switch state {
	case "failed":
		icon = ":x:"
	case "cancelled", "skipped":
		icon = ":warning:"
	}
	return fmt.Sprintf("%s %s %s", icon, subject, state)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
