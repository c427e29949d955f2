package types

import (
	"fmt"
	"time"
)

// Weights is a stable/canary traffic split in whole percent.
type Weights struct {
	Stable int `json:"stable"`
	Canary int `json:"canary"`
}

// NewWeights validates that both weights are non-negative and sum to 100.
func NewWeights(stable, canary int) (Weights, error) {
	if stable < 0 || canary < 0 || stable+canary != 100 {
		return Weights{}, fmt.Errorf("invalid weights %d/%d: must be non-negative and sum to 100", stable, canary)
	}
	return Weights{Stable: stable, Canary: canary}, nil
}

// CanaryWeights returns the split that routes canary percent to the canary target.
func CanaryWeights(canary int) Weights {
	if canary < 0 {
		canary = 0
	}
	if canary > 100 {
		canary = 100
	}
	return Weights{Stable: 100 - canary, Canary: canary}
}

func (w Weights) String() string { return fmt.Sprintf("%d/%d", w.Stable, w.Canary) }

// RolloutState is the lifecycle state of a CanaryRollout.
type RolloutState uint8

const (
	RolloutInitializing RolloutState = iota
	RolloutStepping
	RolloutPromoted
	RolloutRolledBack
)

var rolloutStateNames = []string{"initializing", "stepping", "promoted", "rolled_back"}

func (s RolloutState) String() string { return enumName(rolloutStateNames, int(s)) }

func (s RolloutState) Terminal() bool { return s == RolloutPromoted || s == RolloutRolledBack }

func (s RolloutState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *RolloutState) UnmarshalText(text []byte) error {
	i, err := parseEnum("rollout state", rolloutStateNames, text)
	if err != nil {
		return err
	}
	*s = RolloutState(i)
	return nil
}

// Decision is the health gate's verdict for one canary step.
type Decision uint8

const (
	DecisionHold Decision = iota
	DecisionPromote
	DecisionRollback
)

var decisionNames = []string{"hold", "promote", "rollback"}

func (d Decision) String() string { return enumName(decisionNames, int(d)) }

func (d Decision) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Decision) UnmarshalText(text []byte) error {
	i, err := parseEnum("decision", decisionNames, text)
	if err != nil {
		return err
	}
	*d = Decision(i)
	return nil
}

// Comparison is the direction a metric must stay in relative to its bound.
type Comparison uint8

const (
	CompareBelow Comparison = iota // value must stay < bound (error rate, latency)
	CompareAbove                   // value must stay > bound (success rate)
)

var comparisonNames = []string{"below", "above"}

func (c Comparison) String() string { return enumName(comparisonNames, int(c)) }

// Breached reports whether value violates bound under c.
func (c Comparison) Breached(value, bound float64) bool {
	if c == CompareAbove {
		return value <= bound
	}
	return value >= bound
}

func (c Comparison) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Comparison) UnmarshalText(text []byte) error {
	i, err := parseEnum("comparison", comparisonNames, text)
	if err != nil {
		return err
	}
	*c = Comparison(i)
	return nil
}

// Aggregation reduces a window of samples to one value.
type Aggregation uint8

const (
	AggregateMean Aggregation = iota
	AggregateMax
	AggregateMin
	AggregateLast
	AggregateRate
	AggregateSum
	AggregateP95
)

var aggregationNames = []string{"mean", "max", "min", "last", "rate", "sum", "p95"}

func (a Aggregation) String() string { return enumName(aggregationNames, int(a)) }

func (a Aggregation) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Aggregation) UnmarshalText(text []byte) error {
	i, err := parseEnum("aggregation", aggregationNames, text)
	if err != nil {
		return err
	}
	*a = Aggregation(i)
	return nil
}

// Threshold is a one-sided bound on an aggregated metric.
type Threshold struct {
	Metric     string      `json:"metric" yaml:"metric" toml:"metric"`
	Query      string      `json:"query,omitempty" yaml:"query,omitempty" toml:"query"`
	Aggregate  Aggregation `json:"aggregate" yaml:"aggregate" toml:"aggregate"`
	Compare    Comparison  `json:"compare" yaml:"compare" toml:"compare"`
	Bound      float64     `json:"bound" yaml:"bound" toml:"bound"`
	MinSamples int         `json:"min_samples,omitempty" yaml:"min_samples,omitempty" toml:"min_samples"`
}

// Required returns the minimum number of samples before the threshold can pass.
func (t Threshold) Required() int {
	if t.MinSamples < 1 {
		return 1
	}
	return t.MinSamples
}

// CanarySpec declares how a canary job shifts traffic.
type CanarySpec struct {
	Target         string        `json:"target,omitempty" yaml:"target,omitempty"` // routed service
	StepSize       int           `json:"step_size" yaml:"step_size"`
	StepInterval   time.Duration `json:"step_interval" yaml:"step_interval"`
	AnalysisWindow time.Duration `json:"analysis_window" yaml:"analysis_window"`
	Thresholds     []Threshold   `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
}

// Validate checks the step parameters.
func (c CanarySpec) Validate() error {
	if c.StepSize < 1 || c.StepSize > 100 {
		return fmt.Errorf("step_size must be in [1,100], got %d", c.StepSize)
	}
	if c.StepInterval < 0 || c.AnalysisWindow < 0 {
		return fmt.Errorf("canary intervals must not be negative")
	}
	for _, th := range c.Thresholds {
		if th.Metric == "" {
			return fmt.Errorf("threshold has no metric")
		}
	}
	return nil
}

// Clone returns a deep copy.
func (c CanarySpec) Clone() CanarySpec {
	out := c
	if c.Thresholds != nil {
		out.Thresholds = append([]Threshold(nil), c.Thresholds...)
	}
	return out
}

// CanaryRollout is the live state of one progressive rollout.
type CanaryRollout struct {
	Weights Weights      `json:"weights"`
	Spec    CanarySpec   `json:"spec"`
	State   RolloutState `json:"state"`
	Steps   int          `json:"steps"` // weight advances applied
	Checks  int          `json:"checks"`
}

// HealthSample is one timestamped metric observation.
type HealthSample struct {
	Metric string    `json:"metric"`
	Value  float64   `json:"value"`
	At     time.Time `json:"at"`
}
