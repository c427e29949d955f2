// ============================================================================
// Beaver-Pipeline Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
//
// YAML configuration for the engine and CLI. Load starts from Default() and
// decodes the file over it, so any key left out keeps its default. The
// result is validated with struct tags plus a few cross-field checks.
//
// Example:
//
//	scheduler:
//	  concurrency: 4
//	  grace_period: 5s
//	  default_timeout: 10m
//	  default_retry: {max_attempts: 1, base_delay: 1s, max_delay: 30s}
//	canary:
//	  step_size: 20
//	  step_interval: 30s
//	  analysis_window: 5m
//	metrics_source:
//	  kind: prometheus
//	  address: http://prometheus:9090
//	router:
//	  kind: file
//	  path: /var/lib/beaver/weights.json
//	journal:
//	  dir: .beaver/journal
//	archive:
//	  kind: file
//	  dir: .beaver/runs
//	metrics: {enabled: true, port: 9090}
//	server: {port: 50051}
//	schedules: ["0 3 * * *"]
//	log: {level: info, format: text}
//
// ============================================================================

package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// Config is the complete configuration.
type Config struct {
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Canary        CanaryConfig        `yaml:"canary"`
	MetricsSource MetricsSourceConfig `yaml:"metrics_source"`
	Router        RouterConfig        `yaml:"router"`
	Notify        NotifyConfig        `yaml:"notify"`
	Journal       JournalConfig       `yaml:"journal"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Server        ServerConfig        `yaml:"server"`
	Schedules     []string            `yaml:"schedules" validate:"dive,required"`
	Log           LogConfig           `yaml:"log"`
}

type SchedulerConfig struct {
	Concurrency    int           `yaml:"concurrency" validate:"min=1"`
	GracePeriod    time.Duration `yaml:"grace_period" validate:"min=0"`
	DefaultTimeout time.Duration `yaml:"default_timeout" validate:"min=0"`
	NotifyTimeout  time.Duration `yaml:"notify_timeout" validate:"min=0"`
	NotifyBuffer   int           `yaml:"notify_buffer" validate:"min=0"`
	DefaultRetry   RetryConfig   `yaml:"default_retry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"min=1"`
	BaseDelay   time.Duration `yaml:"base_delay" validate:"min=0"`
	MaxDelay    time.Duration `yaml:"max_delay" validate:"min=0"`
}

type CanaryConfig struct {
	StepSize       int           `yaml:"step_size" validate:"min=1,max=100"`
	StepInterval   time.Duration `yaml:"step_interval" validate:"min=0"`
	AnalysisWindow time.Duration `yaml:"analysis_window" validate:"min=0"`
}

type MetricsSourceConfig struct {
	Kind    string               `yaml:"kind" validate:"oneof=static prometheus influx"`
	Address string               `yaml:"address" validate:"omitempty,url"`
	Step    time.Duration        `yaml:"step" validate:"min=0"`
	Token   string               `yaml:"token" validate:"required_if=Kind influx"`
	Org     string               `yaml:"org" validate:"required_if=Kind influx"`
	Bucket  string               `yaml:"bucket" validate:"required_if=Kind influx"`
	Static  map[string][]float64 `yaml:"static"`
}

type RouterConfig struct {
	Kind string `yaml:"kind" validate:"oneof=log file"`
	Path string `yaml:"path" validate:"required_if=Kind file"`
}

type NotifyConfig struct {
	Slack SlackConfig `yaml:"slack"`
}

type SlackConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token" validate:"required_if=Enabled true"`
	Channel string `yaml:"channel" validate:"required_if=Enabled true"`
	APIURL  string `yaml:"api_url" validate:"omitempty,url"`
	AllJobs bool   `yaml:"all_jobs"`
}

type JournalConfig struct {
	Dir           string        `yaml:"dir"` // empty disables the journal
	BufferSize    int           `yaml:"buffer_size" validate:"min=0"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"min=0"`
}

type ArchiveConfig struct {
	Kind  string      `yaml:"kind" validate:"oneof=none file minio"`
	Dir   string      `yaml:"dir" validate:"required_if=Kind file"`
	MinIO MinIOConfig `yaml:"minio"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port" validate:"min=1,max=65535"`
}

type ServerConfig struct {
	Port int `yaml:"port" validate:"min=1,max=65535"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			Concurrency:    4,
			GracePeriod:    5 * time.Second,
			DefaultTimeout: 10 * time.Minute,
			NotifyTimeout:  10 * time.Second,
			NotifyBuffer:   256,
			DefaultRetry: RetryConfig{
				MaxAttempts: 1,
				BaseDelay:   time.Second,
				MaxDelay:    30 * time.Second,
			},
		},
		Canary: CanaryConfig{
			StepSize:       20,
			StepInterval:   30 * time.Second,
			AnalysisWindow: 5 * time.Minute,
		},
		MetricsSource: MetricsSourceConfig{Kind: "static"},
		Router:        RouterConfig{Kind: "log"},
		Journal: JournalConfig{
			Dir:           ".beaver/journal",
			BufferSize:    64,
			FlushInterval: 100 * time.Millisecond,
		},
		Archive: ArchiveConfig{Kind: "file", Dir: ".beaver/runs"},
		Metrics: MetricsConfig{Port: 9090},
		Server:  ServerConfig{Port: 50051},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default() and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and cross-field rules, reporting every
// violation.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				errs = multierror.Append(errs, fmt.Errorf("%s: failed %q", fieldPath(fe.Namespace()), fe.Tag()))
			}
		} else {
			errs = multierror.Append(errs, err)
		}
	}

	r := c.Scheduler.DefaultRetry
	if r.MaxDelay > 0 && r.BaseDelay > r.MaxDelay {
		errs = multierror.Append(errs, fmt.Errorf("scheduler.default_retry: base_delay %s exceeds max_delay %s", r.BaseDelay, r.MaxDelay))
	}
	if c.MetricsSource.Kind != "static" && c.MetricsSource.Address == "" {
		errs = multierror.Append(errs, fmt.Errorf("metrics_source: address is required for %s", c.MetricsSource.Kind))
	}
	if c.Archive.Kind == "minio" {
		m := c.Archive.MinIO
		if m.Endpoint == "" || m.Bucket == "" {
			errs = multierror.Append(errs, fmt.Errorf("archive.minio: endpoint and bucket are required"))
		}
	}
	for _, spec := range c.Schedules {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("schedules: %q: %w", spec, err))
		}
	}
	return errs.ErrorOrNil()
}

// fieldPath turns "Config.Scheduler.Concurrency" into "Scheduler.Concurrency".
func fieldPath(ns string) string {
	return strings.TrimPrefix(ns, "Config.")
}

// RetryPolicy is the retry policy for jobs that declare none.
func (c *Config) RetryPolicy() types.RetryPolicy {
	r := c.Scheduler.DefaultRetry
	return types.RetryPolicy{MaxAttempts: r.MaxAttempts, BaseDelay: r.BaseDelay, MaxDelay: r.MaxDelay}
}

// CanarySpec holds the step parameters for canary jobs that declare none.
func (c *Config) CanarySpec() types.CanarySpec {
	return types.CanarySpec{
		StepSize:       c.Canary.StepSize,
		StepInterval:   c.Canary.StepInterval,
		AnalysisWindow: c.Canary.AnalysisWindow,
	}
}

// NewLogger builds the process logger described by the log section.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch l.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
