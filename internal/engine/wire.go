package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/beaver-pipeline/internal/archive"
	"github.com/ChuLiYu/beaver-pipeline/internal/config"
	"github.com/ChuLiYu/beaver-pipeline/internal/executor"
	"github.com/ChuLiYu/beaver-pipeline/internal/healthgate"
	"github.com/ChuLiYu/beaver-pipeline/internal/loader"
	"github.com/ChuLiYu/beaver-pipeline/internal/metrics"
	"github.com/ChuLiYu/beaver-pipeline/internal/metricsource"
	"github.com/ChuLiYu/beaver-pipeline/internal/notify"
	"github.com/ChuLiYu/beaver-pipeline/internal/rollout"
	"github.com/ChuLiYu/beaver-pipeline/internal/router"
	"github.com/ChuLiYu/beaver-pipeline/internal/scheduler"
	"github.com/ChuLiYu/beaver-pipeline/internal/storage/journal"
	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// Wiring holds the process-wide pieces FromConfig cannot create itself.
type Wiring struct {
	Registerer prometheus.Registerer // nil skips metrics collection
	Logger     *slog.Logger
}

// NewLoader returns a definition loader whose defaults come from cfg.
func NewLoader(cfg *config.Config) *loader.Loader {
	return &loader.Loader{Defaults: loader.Defaults{
		Timeout: cfg.Scheduler.DefaultTimeout,
		Retry:   cfg.RetryPolicy(),
		Canary:  cfg.CanarySpec(),
	}}
}

// EngineConfig converts the scheduler section of cfg.
func EngineConfig(cfg *config.Config) Config {
	return Config{
		Scheduler: scheduler.Config{
			Concurrency:    cfg.Scheduler.Concurrency,
			GracePeriod:    cfg.Scheduler.GracePeriod,
			DefaultTimeout: cfg.Scheduler.DefaultTimeout,
			NotifyTimeout:  cfg.Scheduler.NotifyTimeout,
			NotifyBuffer:   cfg.Scheduler.NotifyBuffer,
		},
		Limit:     cfg.Scheduler.Concurrency,
		Schedules: cfg.Schedules,
	}
}

// FromConfig builds an engine for def with every backend named in cfg.
// Resources opened here are closed by Engine.Stop.
func FromConfig(ctx context.Context, def types.Definition, cfg *config.Config, w Wiring) (_ *Engine, err error) {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var closers []func() error
	defer func() {
		if err != nil {
			for _, fn := range closers {
				fn()
			}
		}
	}()

	var collector *metrics.Collector
	if w.Registerer != nil {
		collector = metrics.NewCollector(w.Registerer)
	}

	source, closeSource, err := newMetricSource(cfg.MetricsSource)
	if err != nil {
		return nil, err
	}
	if closeSource != nil {
		closers = append(closers, closeSource)
	}

	var rtr rollout.Router
	switch cfg.Router.Kind {
	case "file":
		rtr = router.NewFile(cfg.Router.Path)
	default:
		rtr = &router.Log{Logger: logger}
	}

	exec := executor.NewMux().
		Handle(types.KindShell, &executor.Shell{Logger: logger}).
		Handle(types.KindCanary, &rollout.Executor{
			Source:   source,
			Router:   rtr,
			Defaults: cfg.CanarySpec(),
			Metrics:  collector,
			Logger:   logger,
		})

	sinks := notify.Fanout{notify.Log{Logger: logger}}
	if s := cfg.Notify.Slack; s.Enabled {
		slack := notify.NewSlack(notify.SlackConfig{
			Token:   s.Token,
			Channel: s.Channel,
			APIURL:  s.APIURL,
			AllJobs: s.AllJobs,
		}, func(err error) {
			collector.RecordNotifyFailure()
			logger.Warn("slack delivery failed", "error", err)
		})
		closers = append(closers, slack.Close)
		sinks = append(sinks, slack)
	}

	opts := []Option{
		WithLogger(logger),
		WithMetrics(collector),
		WithNotifier(sinks),
	}

	if cfg.Journal.Dir != "" {
		path := filepath.Join(cfg.Journal.Dir, def.Name+".journal")
		j, err := journal.Open(path, journal.Options{
			BufferSize:    cfg.Journal.BufferSize,
			FlushInterval: cfg.Journal.FlushInterval,
		})
		if err != nil {
			return nil, err
		}
		closers = append(closers, j.Close)
		opts = append(opts, WithJournal(j))
	}

	store, err := newArchive(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}
	if store != nil {
		opts = append(opts, WithArchive(store))
	}

	for _, fn := range closers {
		opts = append(opts, WithCloser(fn))
	}
	return New(def, EngineConfig(cfg), exec, opts...)
}

func newMetricSource(cfg config.MetricsSourceConfig) (healthgate.Source, func() error, error) {
	switch cfg.Kind {
	case "prometheus":
		p, err := metricsource.NewPrometheus(cfg.Address, cfg.Step)
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil
	case "influx":
		in := metricsource.NewInflux(cfg.Address, cfg.Token, cfg.Org, cfg.Bucket)
		return in, func() error { in.Close(); return nil }, nil
	case "static", "":
		s := metricsource.NewStatic()
		for metric, values := range cfg.Static {
			s.Set(metric, values...)
		}
		return s, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown metrics source %q", cfg.Kind)
}

func newArchive(ctx context.Context, cfg config.ArchiveConfig) (archive.Store, error) {
	switch cfg.Kind {
	case "file":
		return archive.NewFileStore(cfg.Dir)
	case "minio":
		m := cfg.MinIO
		return archive.NewMinIOStore(ctx, archive.MinIOConfig{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Bucket:    m.Bucket,
			Prefix:    m.Prefix,
			UseSSL:    m.UseSSL,
		})
	case "none", "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown archive kind %q", cfg.Kind)
}
