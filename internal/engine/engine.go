package engine

import (
	"context"
	"fmt"
	"log/slog"

	"alertengine/internal/clock"
	"alertengine/internal/condition"
	"alertengine/internal/domain"
	"alertengine/internal/metrics"
	"alertengine/internal/metricsource"
	"alertengine/internal/state"
)

// DecisionKind tags the outcome of one rule evaluation tick.
// Params: none/open_or_refresh/auto_resolve constants.
// Returns: action tag applied by the lifecycle manager.
type DecisionKind string

const (
	// DecisionNone indicates no lifecycle action for this tick.
	DecisionNone DecisionKind = "none"
	// DecisionOpenOrRefresh indicates the rule should have exactly one active alert.
	DecisionOpenOrRefresh DecisionKind = "open_or_refresh"
	// DecisionAutoResolve indicates an active alert for the rule should close.
	DecisionAutoResolve DecisionKind = "auto_resolve"
)

// Decision is the evaluated outcome of one rule tick.
// Params: action tag, observed value, and data availability marker.
// Returns: instruction consumed by the lifecycle manager.
type Decision struct {
	Kind     DecisionKind
	Observed float64
	NoData   bool
}

// Engine evaluates rules against the metric source and durable schedule state.
// Params: store, metric source, clock, and logger dependencies.
// Returns: decisions without applying lifecycle transitions itself.
type Engine struct {
	store  state.Store
	source metricsource.Source
	clk    clock.Clock
	logger *slog.Logger
}

// New creates a rule engine.
// Params: state store, metric source, clock, and logger.
// Returns: initialized engine.
func New(store state.Store, source metricsource.Source, clk clock.Clock, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		source: source,
		clk:    clk,
		logger: logger.With("component", "engine"),
	}
}

// EvaluateRule runs one evaluation tick for one rule.
// Params: rule snapshot to evaluate.
// Returns: lifecycle decision; metric fetch failures degrade to a logged no-data
// tick instead of propagating, so a flapping source never aborts the sweep.
func (e *Engine) EvaluateRule(ctx context.Context, rule domain.AlertRule) (Decision, error) {
	now := e.clk.Now().UTC()

	samples, err := e.source.Query(ctx, rule.Metric, rule.Condition.Window())
	var outcome domain.Outcome
	if err != nil {
		e.logger.Warn("metric fetch failed, treating tick as no-data",
			"rule", rule.Name, "metric", rule.Metric, "error", err)
		outcome = domain.Outcome{NoData: true}
	} else {
		outcome = condition.Evaluate(rule.Condition, samples)
	}

	if outcome.NoData {
		metrics.EvaluationsTotal.WithLabelValues(rule.Name, "no_data").Inc()
		if rule.NoDataPolicy == domain.NoDataBreach {
			outcome = domain.Outcome{Breached: true, Observed: outcome.Observed, NoData: true}
		} else {
			// ignore policy: previous breach state is retained, not cleared.
			return Decision{Kind: DecisionNone, NoData: true}, nil
		}
	} else if outcome.Breached {
		metrics.EvaluationsTotal.WithLabelValues(rule.Name, "breach").Inc()
	} else {
		metrics.EvaluationsTotal.WithLabelValues(rule.Name, "clear").Inc()
	}

	sched, revision, err := e.store.GetSchedule(ctx, rule.ID)
	if err != nil {
		return Decision{Kind: DecisionNone}, fmt.Errorf("load schedule for rule %s: %w", rule.ID, err)
	}

	if !outcome.Breached {
		if sched.BreachSince != nil {
			sched.BreachSince = nil
			if _, err := e.updateSchedule(ctx, revision, sched); err != nil {
				return Decision{Kind: DecisionNone}, fmt.Errorf("clear breach marker for rule %s: %w", rule.ID, err)
			}
		}
		return Decision{Kind: DecisionAutoResolve, Observed: outcome.Observed}, nil
	}

	if sched.BreachSince == nil {
		since := now
		sched.BreachSince = &since
		if _, err := e.updateSchedule(ctx, revision, sched); err != nil {
			return Decision{Kind: DecisionNone}, fmt.Errorf("set breach marker for rule %s: %w", rule.ID, err)
		}
	}

	if now.Sub(*sched.BreachSince) < rule.Sustained() {
		e.logger.Debug("breach below sustained gate",
			"rule", rule.Name, "breach_since", *sched.BreachSince, "sustained_sec", rule.SustainedSec)
		return Decision{Kind: DecisionNone, Observed: outcome.Observed, NoData: outcome.NoData}, nil
	}

	if rule.CooldownSec > 0 && sched.LastAlertClosedAt != nil {
		quietUntil := sched.LastAlertClosedAt.Add(rule.Cooldown())
		if now.Before(quietUntil) {
			e.logger.Debug("breach inside cooldown window",
				"rule", rule.Name, "quiet_until", quietUntil)
			return Decision{Kind: DecisionNone, Observed: outcome.Observed, NoData: outcome.NoData}, nil
		}
	}

	return Decision{Kind: DecisionOpenOrRefresh, Observed: outcome.Observed, NoData: outcome.NoData}, nil
}

// updateSchedule applies one CAS schedule update with a single conflict retry.
// Params: expected revision and updated schedule.
// Returns: new revision; the retry reloads state and reapplies only the breach marker.
func (e *Engine) updateSchedule(ctx context.Context, revision uint64, sched domain.RuleSchedule) (uint64, error) {
	next, err := e.store.UpdateSchedule(ctx, revision, sched)
	if err == nil {
		return next, nil
	}
	if err != state.ErrConflict {
		return 0, err
	}

	fresh, freshRevision, err := e.store.GetSchedule(ctx, sched.RuleID)
	if err != nil {
		return 0, err
	}
	fresh.BreachSince = sched.BreachSince
	return e.store.UpdateSchedule(ctx, freshRevision, fresh)
}
