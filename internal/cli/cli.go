// ============================================================================
// Beaver-Pipeline CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and inspecting pipelines
//
// Command Structure:
//   beaver                         # Root command
//   ├── --config, -c               # Engine config file (YAML, optional)
//   ├── run -f pipeline.yaml       # Run a pipeline once in this process
//   ├── validate -f pipeline.yaml  # Load, register and resolve, then exit
//   ├── plan -f pipeline.yaml      # Print the dependency tree
//   ├── serve -f pipeline.yaml     # Long-running engine + gRPC + cron
//   ├── trigger --server addr      # Start a run on a serving engine
//   ├── cancel <run-id> --server   # Cancel a run on a serving engine
//   └── status [run-id]            # Show runs from the archive, a journal
//                                  # or a serving engine
//
// Configuration:
//   Without --config the built-in defaults apply (see internal/config).
//   Pipeline definitions are YAML or TOML, chosen by file extension.
//
// Signal Handling:
//   run and serve cancel on SIGINT/SIGTERM. A cancelled run still
//   finishes: running attempts get the grace period, the rest are skipped,
//   and the run is journalled and archived as cancelled.
//
// Exit Status:
//   run exits non-zero unless the pipeline succeeded.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-pipeline/internal/config"
	"github.com/ChuLiYu/beaver-pipeline/internal/engine"
	"github.com/ChuLiYu/beaver-pipeline/internal/graph"
	"github.com/ChuLiYu/beaver-pipeline/internal/metrics"
	"github.com/ChuLiYu/beaver-pipeline/internal/registry"
	"github.com/ChuLiYu/beaver-pipeline/internal/server"
	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// Version is set at build time with -ldflags.
var Version = "0.1.0"

// ShutdownTimeout bounds graceful shutdown of serve.
const ShutdownTimeout = 30 * time.Second

var configFile string

// ErrPipelineFailed is returned by run when the pipeline did not succeed.
var ErrPipelineFailed = errors.New("pipeline did not succeed")

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaver",
		Short: "Beaver-Pipeline: a deployment pipeline orchestrator",
		Long: `Beaver-Pipeline runs declarative deployment pipelines:
- dependency-ordered jobs with bounded concurrency
- retries with exponential backoff and per-attempt timeouts
- canary rollouts gated on live health metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default: built-in defaults)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildValidateCommand())
	rootCmd.AddCommand(buildPlanCommand())
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildTriggerCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func loadDefinition(cfg *config.Config, path string) (types.Definition, error) {
	def, err := engine.NewLoader(cfg).Load(path)
	if err != nil {
		return types.Definition{}, fmt.Errorf("failed to load pipeline %s: %w", path, err)
	}
	return def, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var file string
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline once and wait for it to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, file, limit, asJSON)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "pipeline definition (.yaml, .yml or .toml)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max jobs running at once (default: scheduler.concurrency)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the finished run as JSON")
	cmd.MarkFlagRequired("file")

	return cmd
}

func runPipeline(cmd *cobra.Command, file string, limit int, asJSON bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if limit > 0 {
		cfg.Scheduler.Concurrency = limit
	}
	cfg.Schedules = nil
	logger := cfg.Log.NewLogger(cmd.ErrOrStderr())

	def, err := loadDefinition(cfg, file)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.FromConfig(ctx, def, cfg, engine.Wiring{
		Registerer: prometheus.NewRegistry(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if err := e.Start(); err != nil {
		e.Stop(context.Background())
		return err
	}

	run, runErr := e.Trigger(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := e.Stop(shutdownCtx); err != nil {
		logger.Warn("engine shutdown incomplete", "error", err)
	}
	if runErr != nil {
		return runErr
	}

	out := cmd.OutOrStdout()
	if asJSON {
		if err := printJSON(out, run); err != nil {
			return err
		}
	} else {
		printRun(out, run)
	}
	if run.State != types.PipelineSucceeded {
		return fmt.Errorf("%w: %s %s", ErrPipelineFailed, run.ID, run.State)
	}
	return nil
}

// ============================================================================
// validate / plan
// ============================================================================

func buildValidateCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a pipeline definition without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, g, err := resolve(file)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ %s: %d jobs, %d roots, valid\n", file, g.Len(), len(g.Roots()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "pipeline definition")
	cmd.MarkFlagRequired("file")
	return cmd
}

func buildPlanCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the dependency tree and dispatch order",
		RunE: func(cmd *cobra.Command, args []string) error {
			def, g, err := resolve(file)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, graph.Render(g, def.Name))
			fmt.Fprintln(out)
			printOrder(out, g)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "pipeline definition")
	cmd.MarkFlagRequired("file")
	return cmd
}

// resolve loads, registers and builds the graph for file.
func resolve(file string) (types.Definition, *graph.Graph, error) {
	cfg, err := loadConfig()
	if err != nil {
		return types.Definition{}, nil, err
	}
	def, err := loadDefinition(cfg, file)
	if err != nil {
		return types.Definition{}, nil, err
	}
	reg, err := registry.FromDefinition(def)
	if err != nil {
		return types.Definition{}, nil, err
	}
	g, err := graph.Build(reg.All())
	if err != nil {
		return types.Definition{}, nil, err
	}
	return def, g, nil
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	var file string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a pipeline over gRPC and run its schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, file, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "pipeline definition")
	cmd.Flags().IntVar(&port, "port", 0, "gRPC port (default: server.port)")
	cmd.MarkFlagRequired("file")
	return cmd
}

// serve runs until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, file string, logOut io.Writer) error {
	logger := cfg.Log.NewLogger(logOut)
	def, err := loadDefinition(cfg, file)
	if err != nil {
		return err
	}

	e, err := engine.FromConfig(ctx, def, cfg, engine.Wiring{
		Registerer: prometheus.DefaultRegisterer,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if err := e.Start(); err != nil {
		e.Stop(context.Background())
		return err
	}

	errCh := make(chan error, 2)

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Port, prometheus.DefaultGatherer)
		go func() {
			logger.Info("metrics server listening", "port", cfg.Metrics.Port)
			if err := metricsSrv.Start(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	rpc := server.NewServer(e, logger)
	go func() {
		if err := rpc.ListenAndServe(cfg.Server.Port); err != nil {
			errCh <- fmt.Errorf("rpc server: %w", err)
		}
	}()

	logger.Info("serving pipeline", "pipeline", def.Name, "jobs", len(def.Jobs), "schedules", len(cfg.Schedules))

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal, stopping gracefully")
	case serveErr = <-errCh:
		logger.Error("server failed, shutting down", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	rpc.Stop(shutdownCtx)
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	if err := e.Stop(shutdownCtx); err != nil {
		return errors.Join(serveErr, err)
	}
	return serveErr
}

// Main runs the CLI and returns the process exit code.
func Main() int {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
