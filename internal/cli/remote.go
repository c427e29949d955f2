package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-pipeline/internal/archive"
	"github.com/ChuLiYu/beaver-pipeline/internal/server"
	"github.com/ChuLiYu/beaver-pipeline/internal/storage/journal"
	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

const defaultServer = "localhost:50051"

func buildTriggerCommand() *cobra.Command {
	var addr string
	var wait bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Start a run on a serving engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := server.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := withOptionalTimeout(cmd.Context(), timeout)
			defer cancel()

			out := cmd.OutOrStdout()
			if !wait {
				id, err := client.Trigger(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "🚀 started run %s\n", id)
				return nil
			}

			run, err := client.TriggerAndWait(ctx)
			if err != nil {
				return err
			}
			printRun(out, run)
			if run.State != types.PipelineSucceeded {
				return fmt.Errorf("%w: %s %s", ErrPipelineFailed, run.ID, run.State)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "server", defaultServer, "address of a 'beaver serve' instance")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the run finishes")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits forever)")
	return cmd
}

func buildCancelCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run on a serving engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := server.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "🛑 cancelling run %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "server", defaultServer, "address of a 'beaver serve' instance")
	return cmd
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string
	var journalPath string
	var limit int

	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show run status from the archive, a journal or a server",
		Long: `Without flags, runs are read from the archive named in the config.
--journal replays a run journal, which also covers runs that never finished.
--server asks a serving engine, which also covers runs in progress.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			switch {
			case journalPath != "":
				return statusFromJournal(cmd, journalPath, id, limit)
			case addr != "":
				return statusFromServer(cmd, addr, id, limit)
			default:
				return statusFromArchive(cmd, id, limit)
			}
		},
	}

	cmd.Flags().StringVar(&addr, "server", "", "address of a 'beaver serve' instance")
	cmd.Flags().StringVar(&journalPath, "journal", "", "path of a run journal")
	cmd.Flags().IntVar(&limit, "limit", 10, "max runs to list")
	return cmd
}

func statusFromServer(cmd *cobra.Command, addr, id string, limit int) error {
	client, err := server.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	out := cmd.OutOrStdout()
	if id != "" {
		run, err := client.Get(cmd.Context(), id)
		if err != nil {
			return err
		}
		printRun(out, run)
		return nil
	}
	runs, err := client.List(cmd.Context(), limit)
	if err != nil {
		return err
	}
	printRuns(out, runs)
	return nil
}

func statusFromArchive(cmd *cobra.Command, id string, limit int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var store archive.Store
	switch cfg.Archive.Kind {
	case "file":
		store, err = archive.NewFileStore(cfg.Archive.Dir)
	case "minio":
		m := cfg.Archive.MinIO
		store, err = archive.NewMinIOStore(cmd.Context(), archive.MinIOConfig{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Bucket:    m.Bucket,
			Prefix:    m.Prefix,
			UseSSL:    m.UseSSL,
		})
	default:
		return fmt.Errorf("archive is disabled in the config; use --journal or --server")
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if id != "" {
		run, err := store.Load(cmd.Context(), id)
		if err != nil {
			return err
		}
		printRun(out, run)
		return nil
	}
	runs, err := store.List(cmd.Context())
	if err != nil {
		return err
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	printRuns(out, runs)
	return nil
}

func statusFromJournal(cmd *cobra.Command, path, id string, limit int) error {
	summaries, err := journal.Summarize(path)
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}

	out := cmd.OutOrStdout()
	if id != "" {
		for _, s := range summaries {
			if s.RunID == id {
				printSummary(out, s)
				return nil
			}
		}
		return fmt.Errorf("run %s not found in %s", id, path)
	}
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	printSummaries(out, summaries)
	return nil
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
