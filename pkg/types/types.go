// Package types defines the core domain model shared by every beaver-pipeline component.
package types

import (
	"fmt"
	"time"
)

// JobID uniquely identifies a job inside a pipeline definition.
type JobID string

// Classification decides whether a job's failure halts its dependents.
type Classification string

const (
	ClassBlocking Classification = "blocking" // failure skips every transitive dependent
	ClassAdvisory Classification = "advisory" // failure is recorded, dependents still run
)

// Valid reports whether c is a known classification.
func (c Classification) Valid() bool {
	return c == ClassBlocking || c == ClassAdvisory
}

// CommandKind selects the execution backend for a job's command contract.
type CommandKind string

const (
	KindShell  CommandKind = "shell"  // argv executed by the command backend
	KindCanary CommandKind = "canary" // progressive rollout driven by the rollout controller
)

// Command is the opaque invocable unit of a job.
type Command struct {
	Kind   CommandKind       `json:"kind" yaml:"kind"`
	Args   []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env    map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir    string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	Canary *CanarySpec       `json:"canary,omitempty" yaml:"canary,omitempty"`
}

// RetryPolicy bounds how often and how fast a failed job is retried.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay"`
}

// Validate checks the policy's numeric bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		return fmt.Errorf("base_delay %s exceeds max_delay %s", p.BaseDelay, p.MaxDelay)
	}
	return nil
}

// Backoff returns the delay to wait after the given number of failed attempts.
// The delay doubles from BaseDelay on every attempt and is capped at MaxDelay.
func (p RetryPolicy) Backoff(failedAttempts int) time.Duration {
	if failedAttempts < 1 || p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < failedAttempts; i++ {
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			break
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Job is an immutable unit of declared work.
type Job struct {
	ID        JobID          `json:"id" yaml:"id"`
	DependsOn []JobID        `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Command   Command        `json:"command" yaml:"command"`
	Timeout   time.Duration  `json:"timeout" yaml:"timeout"`
	Retry     RetryPolicy    `json:"retry" yaml:"retry"`
	Class     Classification `json:"class" yaml:"class"`
}

// Clone returns a deep copy so callers cannot mutate registered definitions.
func (j Job) Clone() Job {
	out := j
	if j.DependsOn != nil {
		out.DependsOn = append([]JobID(nil), j.DependsOn...)
	}
	if j.Command.Args != nil {
		out.Command.Args = append([]string(nil), j.Command.Args...)
	}
	if j.Command.Env != nil {
		out.Command.Env = make(map[string]string, len(j.Command.Env))
		for k, v := range j.Command.Env {
			out.Command.Env[k] = v
		}
	}
	if j.Command.Canary != nil {
		spec := j.Command.Canary.Clone()
		out.Command.Canary = &spec
	}
	return out
}

// Definition is an ordered pipeline definition as supplied by a loader.
type Definition struct {
	Name string `json:"name"`
	Jobs []Job  `json:"jobs"`
}

// CommandOutput is what a command backend reports for one execution.
type CommandOutput struct {
	ExitStatus int    `json:"exit_status"`
	Output     string `json:"output,omitempty"`
}
