// ============================================================================
// Beaver-Pipeline Rollout Controller
// ============================================================================
//
// Package: internal/rollout
// File: controller.go
//
// Shifts traffic from the stable target to a canary in fixed steps, asking
// the health gate before every advance.
//
// State machine:
//
//	Initializing ──(weights 100/0 applied)──> Stepping
//	Stepping ──promote──> Stepping (canary += step)
//	Stepping ──promote, canary reaches 100──> Promoted
//	Stepping ──hold──> Stepping (unchanged)
//	Stepping ──rollback or ctx cancelled──> RolledBack (canary 0)
//
// Promoted and RolledBack are terminal. Every weight mutation goes through
// the Router first and is only recorded once the router accepted it.
//
// ============================================================================

package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ChuLiYu/beaver-pipeline/internal/metrics"
	"github.com/ChuLiYu/beaver-pipeline/pkg/types"
)

var tracer = otel.Tracer("beaver.rollout")

// DetachedTimeout bounds the router call made after the caller's context
// is already cancelled.
const DetachedTimeout = 10 * time.Second

// Checker decides whether the canary may advance.
type Checker interface {
	Check(ctx context.Context, thresholds []types.Threshold) (types.Decision, error)
}

// Router applies a stable/canary traffic split.
type Router interface {
	SetWeights(ctx context.Context, target string, stable, canary int) error
}

// WeightChanged is emitted after the router accepted a new split.
type WeightChanged struct {
	Target string
	From   types.Weights
	To     types.Weights
	State  types.RolloutState
	At     time.Time
}

// Listener observes weight changes. It is called synchronously.
type Listener func(WeightChanged)

// Option configures a Controller.
type Option func(*Controller)

func WithListener(l Listener) Option {
	return func(c *Controller) { c.listeners = append(c.listeners, l) }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// Controller drives one CanaryRollout.
type Controller struct {
	gate      Checker
	router    Router
	listeners []Listener
	metrics   *metrics.Collector
	logger    *slog.Logger

	mu       sync.Mutex
	rollout  types.CanaryRollout
	rollback *RollbackTriggered
}

// NewController creates a controller in the Initializing state with all
// traffic on the stable target.
func NewController(spec types.CanarySpec, gate Checker, router Router, opts ...Option) *Controller {
	c := &Controller{
		gate:   gate,
		router: router,
		logger: slog.Default(),
		rollout: types.CanaryRollout{
			Weights: types.CanaryWeights(0),
			Spec:    spec.Clone(),
			State:   types.RolloutInitializing,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("target", c.target())
	return c
}

// Rollout returns a snapshot of the rollout state.
func (c *Controller) Rollout() types.CanaryRollout {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.rollout
	out.Spec = c.rollout.Spec.Clone()
	return out
}

// State returns the current rollout state.
func (c *Controller) State() types.RolloutState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollout.State
}

// Step performs one transition of the state machine. Terminal states are
// returned unchanged.
func (c *Controller) Step(ctx context.Context) (types.RolloutState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.rollout.State {
	case types.RolloutPromoted, types.RolloutRolledBack:
		return c.rollout.State, nil
	case types.RolloutInitializing:
		if err := c.apply(ctx, types.CanaryWeights(0), types.RolloutStepping); err != nil {
			return c.rollout.State, err
		}
		c.logger.Info("canary rollout started", "weights", c.rollout.Weights.String())
		return c.rollout.State, nil
	}

	if err := ctx.Err(); err != nil {
		return c.rollout.State, c.rollbackLocked(ctx, "cancelled: "+err.Error())
	}

	ctx, span := tracer.Start(ctx, "rollout.step")
	defer span.End()
	span.SetAttributes(
		attribute.String("rollout.target", c.target()),
		attribute.Int("rollout.canary_weight", c.rollout.Weights.Canary),
	)

	decision, err := c.gate.Check(ctx, c.rollout.Spec.Thresholds)
	c.rollout.Checks++
	if err != nil {
		// a cancellation surfacing through the source is still a rollback;
		// otherwise only a breach reported alongside the error may act.
		if ctx.Err() != nil {
			return c.rollout.State, c.rollbackLocked(ctx, "cancelled: "+ctx.Err().Error())
		}
		c.logger.Warn("health check incomplete", "decision", decision.String(), "error", err)
		if decision != types.DecisionRollback {
			decision = types.DecisionHold
		}
	}
	c.metrics.RecordDecision(decision.String())
	span.SetAttributes(attribute.String("rollout.decision", decision.String()))

	switch decision {
	case types.DecisionPromote:
		next := types.CanaryWeights(c.rollout.Weights.Canary + c.rollout.Spec.StepSize)
		state := types.RolloutStepping
		if next.Canary == 100 {
			state = types.RolloutPromoted
		}
		if err := c.apply(ctx, next, state); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return c.rollout.State, err
		}
		c.rollout.Steps++
		c.logger.Info("canary advanced",
			"weights", next.String(),
			"steps", c.rollout.Steps,
			"state", state.String())
	case types.DecisionRollback:
		span.SetStatus(codes.Error, "rollback")
		return c.rollout.State, c.rollbackLocked(ctx, "health gate breached")
	default:
		c.logger.Debug("canary holding", "weights", c.rollout.Weights.String())
	}
	return c.rollout.State, nil
}

// Run steps the rollout every StepInterval until it is terminal. A rolled
// back rollout returns *RollbackTriggered.
func (c *Controller) Run(ctx context.Context) (types.CanaryRollout, error) {
	if _, err := c.Step(ctx); err != nil {
		return c.Rollout(), err
	}

	interval := c.Rollout().Spec.StepInterval
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for !c.State().Terminal() {
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
		if _, err := c.Step(ctx); err != nil {
			// router failure while advancing; leave no canary traffic behind
			c.mu.Lock()
			rbErr := c.rollbackLocked(ctx, "router error: "+err.Error())
			c.mu.Unlock()
			return c.Rollout(), errors.Join(err, rbErr)
		}
	}

	out := c.Rollout()
	if out.State == types.RolloutRolledBack {
		c.mu.Lock()
		defer c.mu.Unlock()
		return out, c.rollback
	}
	return out, nil
}

// Rollback forces the rollout to RolledBack.
func (c *Controller) Rollback(ctx context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rollout.State.Terminal() {
		return nil
	}
	return c.rollbackLocked(ctx, reason)
}

// rollbackLocked resets traffic to the stable target. The router call is
// detached from ctx once ctx is cancelled. Caller holds mu.
func (c *Controller) rollbackLocked(ctx context.Context, reason string) error {
	at := c.rollout.Weights
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), DetachedTimeout)
		defer cancel()
	}
	if err := c.apply(ctx, types.CanaryWeights(0), types.RolloutRolledBack); err != nil {
		c.logger.Error("rollback could not reset traffic", "error", err)
		return fmt.Errorf("rollback %s: %w", c.target(), err)
	}
	c.logger.Warn("canary rolled back", "reason", reason, "from", at.String())
	c.rollback = &RollbackTriggered{Target: c.target(), At: at, Steps: c.rollout.Steps, Reason: reason}
	return nil
}

// apply routes the new split and records it. Caller holds mu.
func (c *Controller) apply(ctx context.Context, to types.Weights, state types.RolloutState) error {
	if err := c.router.SetWeights(ctx, c.target(), to.Stable, to.Canary); err != nil {
		return fmt.Errorf("set weights %s: %w", to, err)
	}
	ev := WeightChanged{
		Target: c.target(),
		From:   c.rollout.Weights,
		To:     to,
		State:  state,
		At:     time.Now(),
	}
	c.rollout.Weights = to
	c.rollout.State = state
	c.metrics.SetCanaryWeight(c.target(), to.Canary)
	// the router always hears the split; listeners only hear changes
	if ev.From == ev.To {
		return nil
	}
	for _, l := range c.listeners {
		l(ev)
	}
	return nil
}

func (c *Controller) target() string {
	if c.rollout.Spec.Target == "" {
		return "canary"
	}
	return c.rollout.Spec.Target
}
