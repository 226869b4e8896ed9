package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"alertengine/internal/clock"
	"alertengine/internal/config"
	"alertengine/internal/domain"
	"alertengine/internal/engine"
	"alertengine/internal/escalation"
	"alertengine/internal/lifecycle"
	"alertengine/internal/metrics"
	"alertengine/internal/state"
)

// ErrRuleBusy indicates an evaluation lease is already held for the rule.
var ErrRuleBusy = errors.New("rule evaluation already in flight")

// unhealthyAfter is the consecutive evaluation failure count that flags a rule.
const unhealthyAfter = 3

// leaseGrace pads the in-flight lease past the evaluation timeout so a slow
// worker finishes before its lease can be stolen.
const leaseGrace = 5 * time.Second

// Coordinator drives the rule and escalation sweep loops.
// Params: store, engine, lifecycle manager, escalation scheduler, config, clock, logger.
// Returns: periodic evaluation with a bounded worker pool and durable claims.
type Coordinator struct {
	store    state.Store
	engine   *engine.Engine
	alerts   *lifecycle.Manager
	escalate *escalation.Scheduler
	cfg      config.ServiceConfig
	clk      clock.Clock
	logger   *slog.Logger
	sem      chan struct{}
	evalWG   sync.WaitGroup

	mu       sync.Mutex
	failures map[string]int
}

// New creates an evaluation coordinator.
// Params: store, engine, lifecycle manager, escalation scheduler, service config, clock, logger.
// Returns: initialized coordinator.
func New(store state.Store, eng *engine.Engine, alerts *lifecycle.Manager, escalate *escalation.Scheduler, cfg config.ServiceConfig, clk clock.Clock, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		engine:   eng,
		alerts:   alerts,
		escalate: escalate,
		cfg:      cfg,
		clk:      clk,
		logger:   logger.With("component", "coordinator"),
		sem:      make(chan struct{}, cfg.Workers),
		failures: make(map[string]int),
	}
}

// Run executes both sweep loops until the context is cancelled.
// Params: lifetime context.
// Returns: nil after both loops stopped and in-flight work drained. Each loop
// runs in its own goroutine so a long rule sweep never delays escalation
// ticks; the durable lease and attempt claims keep overlapping ticks from
// double-processing the same entity.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("coordinator started",
		"rule_sweep_sec", c.cfg.RuleSweepSec,
		"escalation_sweep_sec", c.cfg.EscalationSweepSec,
		"workers", c.cfg.Workers)

	var loops sync.WaitGroup
	loops.Add(2)

	go func() {
		defer loops.Done()
		ticker := time.NewTicker(time.Duration(c.cfg.RuleSweepSec) * time.Second)
		defer ticker.Stop()
		c.SweepRules(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.SweepRules(ctx)
			}
		}
	}()

	go func() {
		defer loops.Done()
		ticker := time.NewTicker(time.Duration(c.cfg.EscalationSweepSec) * time.Second)
		defer ticker.Stop()
		c.SweepEscalations(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.SweepEscalations(ctx)
			}
		}
	}()

	<-ctx.Done()
	loops.Wait()
	c.Wait()
	c.logger.Info("coordinator stopped")
	return nil
}

// Wait blocks until spawned evaluations and notification dispatches finish.
// Params: none.
// Returns: after in-flight background work drained; used at shutdown and by
// tests that assert on sweep side effects.
func (c *Coordinator) Wait() {
	c.evalWG.Wait()
	c.escalate.Wait()
}

// SweepRules evaluates every due, enabled, healthy rule once.
// Params: none beyond cancellation.
// Returns: once every due rule is claimed and handed to the worker pool;
// evaluations finish in the background and a rule still in flight at the
// next tick is skipped by its lease.
func (c *Coordinator) SweepRules(ctx context.Context) {
	started := c.clk.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("rules").Observe(c.clk.Now().Sub(started).Seconds())
	}()

	rules, err := c.store.ListRules(ctx)
	if err != nil {
		c.logger.Error("rule sweep failed to list rules", "error", err)
		return
	}

	for _, rule := range rules {
		if ctx.Err() != nil {
			break
		}
		if !rule.Enabled {
			continue
		}
		if rule.Unhealthy {
			c.logger.Debug("skipping unhealthy rule", "rule", rule.Name, "reason", rule.UnhealthyReason)
			continue
		}

		claimed, err := c.claim(ctx, rule, false)
		if err != nil {
			c.logger.Error("rule claim failed", "rule", rule.Name, "error", err)
			continue
		}
		if !claimed {
			continue
		}

		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			c.release(ctx, rule.ID)
			return
		}

		c.evalWG.Add(1)
		go func(rule domain.AlertRule) {
			defer c.evalWG.Done()
			defer func() { <-c.sem }()
			c.evaluate(ctx, rule)
		}(rule)
	}
}

// SweepEscalations runs one escalation sweep.
// Params: none beyond cancellation.
// Returns: sweep duration recorded even on failure.
func (c *Coordinator) SweepEscalations(ctx context.Context) {
	started := c.clk.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("escalation").Observe(c.clk.Now().Sub(started).Seconds())
	}()

	if err := c.escalate.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("escalation sweep failed", "error", err)
	}
}

// claim takes the durable evaluation lease for one rule.
// Params: rule and cadence bypass flag for on-demand evaluations.
// Returns: false when the rule is not due or another instance holds the
// lease; claiming also advances NextDueAt so a crashed worker cannot cause
// back-to-back re-evaluation.
func (c *Coordinator) claim(ctx context.Context, rule domain.AlertRule, bypassCadence bool) (bool, error) {
	now := c.clk.Now().UTC()

	sched, revision, err := c.store.GetSchedule(ctx, rule.ID)
	if err == state.ErrNotFound {
		// Seeding overwrites unconditionally; when two instances race here the
		// CAS update below lets exactly one of them claim.
		sched = domain.RuleSchedule{RuleID: rule.ID, NextDueAt: now}
		if revision, err = c.store.PutSchedule(ctx, sched); err != nil {
			return false, fmt.Errorf("seed schedule: %w", err)
		}
	} else if err != nil {
		return false, fmt.Errorf("load schedule: %w", err)
	}

	if !bypassCadence && now.Before(sched.NextDueAt) {
		return false, nil
	}
	if sched.InFlight(now) {
		return false, nil
	}

	leaseUntil := now.Add(time.Duration(c.cfg.EvaluationTimeoutSec)*time.Second + leaseGrace)
	sched.InFlightUntil = &leaseUntil
	sched.NextDueAt = now.Add(rule.Every())

	if _, err := c.store.UpdateSchedule(ctx, revision, sched); err != nil {
		if err == state.ErrConflict {
			return false, nil
		}
		return false, fmt.Errorf("claim schedule: %w", err)
	}
	return true, nil
}

// release drops the evaluation lease after a finished evaluation.
// Params: rule ID.
// Returns: best effort; an expired lease self-heals so conflicts are ignored.
func (c *Coordinator) release(ctx context.Context, ruleID string) {
	sched, revision, err := c.store.GetSchedule(ctx, ruleID)
	if err != nil {
		return
	}
	sched.InFlightUntil = nil
	_, _ = c.store.UpdateSchedule(ctx, revision, sched)
}

// evaluate runs one claimed rule evaluation and applies its decision.
// Params: claimed rule.
// Returns: repeated failures flag the rule unhealthy so a misconfigured rule
// stops consuming sweep capacity.
func (c *Coordinator) evaluate(ctx context.Context, rule domain.AlertRule) {
	evalCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.EvaluationTimeoutSec)*time.Second)
	defer cancel()
	defer c.release(ctx, rule.ID)

	started := c.clk.Now()
	decision, err := c.engine.EvaluateRule(evalCtx, rule)
	metrics.EvaluationDuration.Observe(c.clk.Now().Sub(started).Seconds())
	if err == nil {
		err = c.apply(evalCtx, rule, decision)
	}

	if err != nil {
		metrics.EvaluationsTotal.WithLabelValues(rule.Name, "error").Inc()
		c.logger.Error("rule evaluation failed", "rule", rule.Name, "error", err)
		c.recordFailure(ctx, rule)
		return
	}
	c.clearFailures(rule.ID)
}

// apply executes the lifecycle action for one engine decision.
// Params: evaluated rule and its decision.
// Returns: transition error.
func (c *Coordinator) apply(ctx context.Context, rule domain.AlertRule, decision engine.Decision) error {
	switch decision.Kind {
	case engine.DecisionOpenOrRefresh:
		_, err := c.alerts.OpenOrRefresh(ctx, rule, decision.Observed)
		return err
	case engine.DecisionAutoResolve:
		_, _, err := c.alerts.AutoResolve(ctx, rule)
		return err
	default:
		return nil
	}
}

// recordFailure counts one evaluation failure and flags persistent offenders.
// Params: failing rule.
// Returns: rule persisted as unhealthy after the consecutive failure cap.
func (c *Coordinator) recordFailure(ctx context.Context, rule domain.AlertRule) {
	c.mu.Lock()
	c.failures[rule.ID]++
	count := c.failures[rule.ID]
	c.mu.Unlock()
	if count < unhealthyAfter {
		return
	}

	rule.Unhealthy = true
	rule.UnhealthyReason = fmt.Sprintf("%d consecutive evaluation failures", count)
	if err := c.store.PutRule(ctx, rule); err != nil {
		c.logger.Error("failed to flag unhealthy rule", "rule", rule.Name, "error", err)
		return
	}
	c.logger.Warn("rule flagged unhealthy", "rule", rule.Name, "failures", count)
}

// clearFailures resets the consecutive failure counter for a rule.
// Params: rule ID.
// Returns: counter removed.
func (c *Coordinator) clearFailures(ruleID string) {
	c.mu.Lock()
	delete(c.failures, ruleID)
	c.mu.Unlock()
}

// EvaluateNow evaluates one rule immediately, bypassing its cadence.
// Params: rule ID.
// Returns: ErrRuleBusy while another evaluation holds the lease; disabled
// and unhealthy rules are rejected.
func (c *Coordinator) EvaluateNow(ctx context.Context, ruleID string) error {
	rule, err := c.store.GetRule(ctx, ruleID)
	if err != nil {
		return fmt.Errorf("load rule %s: %w", ruleID, err)
	}
	if !rule.Enabled {
		return fmt.Errorf("rule %s is disabled", ruleID)
	}
	if rule.Unhealthy {
		return fmt.Errorf("rule %s is unhealthy: %s", ruleID, rule.UnhealthyReason)
	}

	claimed, err := c.claim(ctx, rule, true)
	if err != nil {
		return err
	}
	if !claimed {
		return ErrRuleBusy
	}
	c.evaluate(ctx, rule)
	return nil
}
