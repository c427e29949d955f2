package loader

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

// Duration decodes Go duration strings ("90s", "5m") from YAML and TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) D() time.Duration {
	if d == nil {
		return 0
	}
	return time.Duration(*d)
}

type fileDefinition struct {
	Name     string       `yaml:"name" toml:"name"`
	Defaults fileDefaults `yaml:"defaults" toml:"defaults"`
	Jobs     []fileJob    `yaml:"jobs" toml:"jobs"`
}

type fileDefaults struct {
	Timeout *Duration   `yaml:"timeout" toml:"timeout"`
	Retry   *fileRetry  `yaml:"retry" toml:"retry"`
	Canary  *fileCanary `yaml:"canary" toml:"canary"`
}

type fileRetry struct {
	MaxAttempts *int      `yaml:"max_attempts" toml:"max_attempts"`
	BaseDelay   *Duration `yaml:"base_delay" toml:"base_delay"`
	MaxDelay    *Duration `yaml:"max_delay" toml:"max_delay"`
}

func (r *fileRetry) merge(base types.RetryPolicy) types.RetryPolicy {
	if r == nil {
		return base
	}
	if r.MaxAttempts != nil {
		base.MaxAttempts = *r.MaxAttempts
	}
	if r.BaseDelay != nil {
		base.BaseDelay = r.BaseDelay.D()
	}
	if r.MaxDelay != nil {
		base.MaxDelay = r.MaxDelay.D()
	}
	return base
}

type fileCanary struct {
	Target         string            `yaml:"target" toml:"target"`
	StepSize       int               `yaml:"step_size" toml:"step_size"`
	StepInterval   *Duration         `yaml:"step_interval" toml:"step_interval"`
	AnalysisWindow *Duration         `yaml:"analysis_window" toml:"analysis_window"`
	Thresholds     []types.Threshold `yaml:"thresholds" toml:"thresholds"`
}

func (c *fileCanary) spec(base types.CanarySpec) types.CanarySpec {
	spec := base.Clone()
	if c == nil {
		return spec
	}
	if c.Target != "" {
		spec.Target = c.Target
	}
	if c.StepSize != 0 {
		spec.StepSize = c.StepSize
	}
	if c.StepInterval != nil {
		spec.StepInterval = c.StepInterval.D()
	}
	if c.AnalysisWindow != nil {
		spec.AnalysisWindow = c.AnalysisWindow.D()
	}
	if c.Thresholds != nil {
		spec.Thresholds = append([]types.Threshold(nil), c.Thresholds...)
	}
	return spec
}

type fileJob struct {
	ID      string            `yaml:"id" toml:"id"`
	Needs   []string          `yaml:"needs" toml:"needs"`
	Class   string            `yaml:"class" toml:"class"`
	Kind    string            `yaml:"kind" toml:"kind"`
	Run     []string          `yaml:"run" toml:"run"`
	Env     map[string]string `yaml:"env" toml:"env"`
	Dir     string            `yaml:"dir" toml:"dir"`
	Timeout *Duration         `yaml:"timeout" toml:"timeout"`
	Retry   *fileRetry        `yaml:"retry" toml:"retry"`
	Canary  *fileCanary       `yaml:"canary" toml:"canary"`
}

// job converts fj, returning every problem found rather than the first.
func (fj fileJob) job(base Defaults) (types.Job, []error) {
	var errs []error
	job := types.Job{
		ID:      types.JobID(fj.ID),
		Class:   types.Classification(fj.Class),
		Timeout: base.Timeout,
		Retry:   fj.Retry.merge(base.Retry),
		Command: types.Command{
			Kind: types.CommandKind(fj.Kind),
			Args: fj.Run,
			Env:  fj.Env,
			Dir:  fj.Dir,
		},
	}
	if job.ID == "" {
		errs = append(errs, errors.New("missing id"))
	}

	seen := make(map[string]bool, len(fj.Needs))
	for _, dep := range fj.Needs {
		switch {
		case dep == fj.ID:
			errs = append(errs, errors.New("needs itself"))
		case seen[dep]:
			errs = append(errs, fmt.Errorf("needs %q twice", dep))
		default:
			seen[dep] = true
			job.DependsOn = append(job.DependsOn, types.JobID(dep))
		}
	}

	if job.Class == "" {
		job.Class = types.ClassBlocking
	} else if !job.Class.Valid() {
		errs = append(errs, fmt.Errorf("unknown class %q", fj.Class))
	}

	if fj.Timeout != nil {
		job.Timeout = fj.Timeout.D()
	}
	if job.Timeout < 0 {
		errs = append(errs, errors.New("negative timeout"))
	}
	if err := job.Retry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}

	switch job.Command.Kind {
	case "", types.KindShell:
		job.Command.Kind = types.KindShell
		if len(fj.Run) == 0 {
			errs = append(errs, errors.New("shell job has no run command"))
		}
		if fj.Canary != nil {
			errs = append(errs, errors.New("canary settings on a shell job"))
		}
	case types.KindCanary:
		spec := fj.Canary.spec(base.Canary)
		if spec.Target == "" {
			spec.Target = fj.ID
		}
		if err := spec.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("canary: %w", err))
		}
		job.Command.Canary = &spec
	default:
		errs = append(errs, fmt.Errorf("unknown kind %q", fj.Kind))
	}
	return job, errs
}
