package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"alertengine/internal/clock"
	"alertengine/internal/domain"
	"alertengine/internal/metrics"
	"alertengine/internal/state"
)

var (
	// ErrInvalidTransition indicates the requested transition is not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid alert transition")
	// ErrExhausted indicates the escalation policy has no further levels.
	ErrExhausted = errors.New("escalation policy exhausted")
)

// PolicyLookup resolves escalation policies by name.
// Params: policy name from a rule binding.
// Returns: policy and presence flag.
type PolicyLookup interface {
	Policy(name string) (domain.EscalationPolicy, bool)
}

// Manager applies alert lifecycle transitions against the state store.
// Params: store, policy lookup, clock, and logger dependencies.
// Returns: CAS-guarded transition operations shared by engine and operators.
type Manager struct {
	store    state.Store
	policies PolicyLookup
	clk      clock.Clock
	logger   *slog.Logger
}

// New creates a lifecycle manager.
// Params: state store, policy lookup, clock, and logger.
// Returns: initialized manager.
func New(store state.Store, policies PolicyLookup, clk clock.Clock, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		policies: policies,
		clk:      clk,
		logger:   logger.With("component", "lifecycle"),
	}
}

// EffectivePolicy resolves the escalation policy driving one rule.
// Params: rule with optional policy binding.
// Returns: bound policy, or a synthesized single immediate level over the
// rule's own channels when no policy is bound.
func (m *Manager) EffectivePolicy(rule domain.AlertRule) (domain.EscalationPolicy, error) {
	if rule.PolicyName != "" {
		policy, ok := m.policies.Policy(rule.PolicyName)
		if !ok {
			return domain.EscalationPolicy{}, fmt.Errorf("rule %s references unknown policy %q", rule.ID, rule.PolicyName)
		}
		return policy, nil
	}
	if len(rule.Channels) == 0 {
		return domain.EscalationPolicy{}, fmt.Errorf("rule %s has neither policy nor channels", rule.ID)
	}
	return domain.EscalationPolicy{
		Name:   "rule:" + rule.ID,
		Levels: []domain.EscalationLevel{{DelaySec: 0, Channels: rule.Channels}},
	}, nil
}

// DedupKey derives the open-slot identity for one rule firing.
// Params: rule being evaluated.
// Returns: stable key; one alert per (rule, metric series) at a time.
func DedupKey(rule domain.AlertRule) string {
	return rule.Metric
}

// OpenOrRefresh ensures exactly one active alert exists for a breaching rule.
// Params: rule and last observed value.
// Returns: the active alert; repeated breach ticks refresh the existing record
// instead of creating duplicates, racing creators converge on one winner.
func (m *Manager) OpenOrRefresh(ctx context.Context, rule domain.AlertRule, observed float64) (domain.Alert, error) {
	now := m.clk.Now().UTC()
	dedupKey := DedupKey(rule)

	if existingID, err := m.store.OpenAlertID(ctx, rule.ID, dedupKey); err == nil {
		refreshed, refreshErr := m.refresh(ctx, existingID, observed, now)
		if refreshErr == nil {
			return refreshed, nil
		}
		if !errors.Is(refreshErr, state.ErrNotFound) {
			return domain.Alert{}, refreshErr
		}
		// The slot points at an alert that was never written (crash between
		// the slot claim and the alert write). Release it and open fresh so
		// the rule is not wedged forever.
		if err := m.store.ReleaseOpenSlot(ctx, rule.ID, dedupKey); err != nil && err != state.ErrNotFound {
			return domain.Alert{}, fmt.Errorf("release orphaned slot for rule %s: %w", rule.ID, err)
		}
		m.logger.Warn("released open slot pointing at missing alert",
			"rule", rule.ID, "alert", existingID)
	} else if err != state.ErrNotFound {
		return domain.Alert{}, fmt.Errorf("lookup open slot for rule %s: %w", rule.ID, err)
	}

	policy, err := m.EffectivePolicy(rule)
	if err != nil {
		return domain.Alert{}, err
	}
	firstDue := now.Add(policy.Levels[0].Delay())

	alert := domain.Alert{
		ID:               uuid.NewString(),
		RuleID:           rule.ID,
		RuleName:         rule.Name,
		DedupKey:         dedupKey,
		Severity:         rule.Severity,
		Status:           domain.StatusOpen,
		Level:            0,
		TriggeredAt:      now,
		LastTransitionAt: now,
		LastValue:        observed,
		NextEscalationAt: &firstDue,
	}

	if _, err := m.store.CreateAlert(ctx, alert); err != nil {
		if err == state.ErrConflict {
			// Lost the slot race: another instance opened the alert first.
			winnerID, lookupErr := m.store.OpenAlertID(ctx, rule.ID, dedupKey)
			if lookupErr != nil {
				return domain.Alert{}, fmt.Errorf("open slot taken but winner missing for rule %s: %w", rule.ID, lookupErr)
			}
			return m.refresh(ctx, winnerID, observed, now)
		}
		return domain.Alert{}, fmt.Errorf("create alert for rule %s: %w", rule.ID, err)
	}

	metrics.AlertsOpenedTotal.WithLabelValues(rule.Name).Inc()
	m.logger.Info("alert opened",
		"alert", alert.ID, "rule", rule.Name, "severity", rule.Severity,
		"value", observed, "first_escalation_at", firstDue)
	return alert, nil
}

// refresh updates the observed value on an already-active alert.
// Params: alert ID, observed value, and tick time.
// Returns: refreshed alert; status, level, and timers stay untouched.
func (m *Manager) refresh(ctx context.Context, alertID string, observed float64, now time.Time) (domain.Alert, error) {
	return m.mutate(ctx, alertID, func(alert *domain.Alert) error {
		if !alert.Active() {
			return fmt.Errorf("%w: refresh on resolved alert %s", ErrInvalidTransition, alert.ID)
		}
		alert.LastValue = observed
		return nil
	}, now)
}

// AutoResolve closes the active alert for a rule after its condition cleared.
// Params: rule whose condition evaluated healthy.
// Returns: resolved alert and true, or false when no active alert exists.
func (m *Manager) AutoResolve(ctx context.Context, rule domain.AlertRule) (domain.Alert, bool, error) {
	alertID, err := m.store.OpenAlertID(ctx, rule.ID, DedupKey(rule))
	if err == state.ErrNotFound {
		return domain.Alert{}, false, nil
	}
	if err != nil {
		return domain.Alert{}, false, fmt.Errorf("lookup open slot for rule %s: %w", rule.ID, err)
	}

	alert, err := m.Resolve(ctx, alertID, "engine", "condition cleared", domain.ResolveCauseConditionCleared)
	if err != nil {
		return domain.Alert{}, false, err
	}
	return alert, true, nil
}

// Acknowledge marks an open alert as claimed by a responder.
// Params: alert ID, actor, and optional note.
// Returns: acknowledged alert; pending escalation timers are cancelled, only
// the open status accepts this transition.
func (m *Manager) Acknowledge(ctx context.Context, alertID, by, note string) (domain.Alert, error) {
	now := m.clk.Now().UTC()
	alert, err := m.mutate(ctx, alertID, func(alert *domain.Alert) error {
		if alert.Status != domain.StatusOpen {
			return fmt.Errorf("%w: acknowledge from %s", ErrInvalidTransition, alert.Status)
		}
		alert.Status = domain.StatusAcknowledged
		alert.Ack = &domain.AckInfo{By: by, At: now, Note: note}
		alert.NextEscalationAt = nil
		return nil
	}, now)
	if err != nil {
		return domain.Alert{}, err
	}
	m.logger.Info("alert acknowledged", "alert", alertID, "by", by)
	return alert, nil
}

// Resolve closes an alert from any non-terminal status.
// Params: alert ID, actor, note, and machine-readable cause.
// Returns: resolved alert; the open slot is released and the rule schedule
// records the close time for the cooldown gate.
func (m *Manager) Resolve(ctx context.Context, alertID, by, note, cause string) (domain.Alert, error) {
	now := m.clk.Now().UTC()
	alert, err := m.mutate(ctx, alertID, func(alert *domain.Alert) error {
		if alert.Status == domain.StatusResolved {
			return fmt.Errorf("%w: resolve on resolved alert %s", ErrInvalidTransition, alert.ID)
		}
		alert.Status = domain.StatusResolved
		alert.Resolution = &domain.ResolutionInfo{By: by, At: now, Note: note, Cause: cause}
		alert.NextEscalationAt = nil
		alert.SuppressedUntil = nil
		return nil
	}, now)
	if err != nil {
		return domain.Alert{}, err
	}

	if err := m.store.ReleaseOpenSlot(ctx, alert.RuleID, alert.DedupKey); err != nil && err != state.ErrNotFound {
		return domain.Alert{}, fmt.Errorf("release open slot for alert %s: %w", alertID, err)
	}
	if err := m.recordClose(ctx, alert.RuleID, now); err != nil {
		m.logger.Warn("failed to record alert close time for cooldown", "rule", alert.RuleID, "error", err)
	}

	metrics.AlertsResolvedTotal.WithLabelValues(cause).Inc()
	m.logger.Info("alert resolved", "alert", alertID, "by", by, "cause", cause)
	return alert, nil
}

// Suppress silences an open or acknowledged alert until a deadline.
// Params: alert ID, suppression deadline, and actor.
// Returns: suppressed alert; prior status is retained for the revert.
func (m *Manager) Suppress(ctx context.Context, alertID string, until time.Time, by string) (domain.Alert, error) {
	now := m.clk.Now().UTC()
	if !until.After(now) {
		return domain.Alert{}, fmt.Errorf("suppression deadline %s is not in the future", until.UTC().Format(time.RFC3339))
	}

	alert, err := m.mutate(ctx, alertID, func(alert *domain.Alert) error {
		if alert.Status != domain.StatusOpen && alert.Status != domain.StatusAcknowledged {
			return fmt.Errorf("%w: suppress from %s", ErrInvalidTransition, alert.Status)
		}
		deadline := until.UTC()
		alert.PriorStatus = alert.Status
		alert.Status = domain.StatusSuppressed
		alert.SuppressedUntil = &deadline
		return nil
	}, now)
	if err != nil {
		return domain.Alert{}, err
	}
	m.logger.Info("alert suppressed", "alert", alertID, "by", by, "until", until.UTC())
	return alert, nil
}

// RevertSuppression restores a suppressed alert to its prior status.
// Params: alert ID.
// Returns: restored alert; a pending escalation timer is shifted by the
// suppressed interval so the cadence resumes where it paused.
func (m *Manager) RevertSuppression(ctx context.Context, alertID string) (domain.Alert, error) {
	now := m.clk.Now().UTC()
	alert, err := m.mutate(ctx, alertID, func(alert *domain.Alert) error {
		if alert.Status != domain.StatusSuppressed {
			return fmt.Errorf("%w: revert suppression from %s", ErrInvalidTransition, alert.Status)
		}
		suppressedFor := now.Sub(alert.LastTransitionAt)
		alert.Status = alert.PriorStatus
		alert.PriorStatus = ""
		alert.SuppressedUntil = nil
		if alert.NextEscalationAt != nil && alert.Status == domain.StatusOpen {
			shifted := alert.NextEscalationAt.Add(suppressedFor)
			alert.NextEscalationAt = &shifted
		}
		return nil
	}, now)
	if err != nil {
		return domain.Alert{}, err
	}
	m.logger.Info("alert suppression reverted", "alert", alertID, "status", alert.Status)
	return alert, nil
}

// AdvanceEscalation fires the current escalation level and arms the next timer.
// Params: alert ID and rule owning the alert.
// Returns: the level definition to notify and its index; the next timer is
// anchored to the scheduled due time, never the sweep wall time, so levels
// cannot fire earlier than configured.
func (m *Manager) AdvanceEscalation(ctx context.Context, alertID string, rule domain.AlertRule) (domain.EscalationLevel, int, error) {
	policy, err := m.EffectivePolicy(rule)
	if err != nil {
		return domain.EscalationLevel{}, 0, err
	}

	now := m.clk.Now().UTC()
	var fired domain.EscalationLevel
	var firedIndex int
	_, err = m.mutate(ctx, alertID, func(alert *domain.Alert) error {
		if alert.Status != domain.StatusOpen {
			return fmt.Errorf("%w: escalate from %s", ErrInvalidTransition, alert.Status)
		}
		if alert.NextEscalationAt == nil {
			return fmt.Errorf("%w: alert %s has no pending escalation", ErrExhausted, alert.ID)
		}
		if alert.Level >= len(policy.Levels) {
			alert.NextEscalationAt = nil
			return fmt.Errorf("%w: level %d beyond policy %q", ErrExhausted, alert.Level, policy.Name)
		}

		fired = policy.Levels[alert.Level]
		firedIndex = alert.Level
		dueAt := *alert.NextEscalationAt

		alert.Level++
		if alert.Level < len(policy.Levels) {
			next := dueAt.Add(policy.Levels[alert.Level].Delay())
			alert.NextEscalationAt = &next
		} else {
			alert.NextEscalationAt = nil
		}
		return nil
	}, now)
	if err != nil {
		return domain.EscalationLevel{}, 0, err
	}

	metrics.EscalationsTotal.WithLabelValues(policy.Name).Inc()
	m.logger.Info("escalation level fired", "alert", alertID, "policy", policy.Name, "level", firedIndex)
	return fired, firedIndex, nil
}

// mutate applies one transition closure under CAS with a single conflict retry.
// Params: alert ID, transition closure, and transition timestamp.
// Returns: updated alert; a second consecutive conflict propagates so callers
// surface persistent contention instead of spinning.
func (m *Manager) mutate(ctx context.Context, alertID string, apply func(*domain.Alert) error, now time.Time) (domain.Alert, error) {
	for attempt := 0; ; attempt++ {
		alert, revision, err := m.store.GetAlert(ctx, alertID)
		if err != nil {
			return domain.Alert{}, fmt.Errorf("load alert %s: %w", alertID, err)
		}
		if err := apply(&alert); err != nil {
			return domain.Alert{}, err
		}
		alert.LastTransitionAt = now

		if _, err := m.store.UpdateAlert(ctx, revision, alert); err != nil {
			if err == state.ErrConflict && attempt == 0 {
				m.logger.Debug("alert transition conflict, retrying once", "alert", alertID)
				continue
			}
			return domain.Alert{}, fmt.Errorf("update alert %s: %w", alertID, err)
		}
		return alert, nil
	}
}

// recordClose stamps the schedule cooldown marker after a resolution.
// Params: rule ID and close time.
// Returns: error after the single CAS retry also conflicts.
func (m *Manager) recordClose(ctx context.Context, ruleID string, closedAt time.Time) error {
	for attempt := 0; ; attempt++ {
		sched, revision, err := m.store.GetSchedule(ctx, ruleID)
		if err != nil {
			if err == state.ErrNotFound {
				return nil
			}
			return err
		}
		at := closedAt
		sched.LastAlertClosedAt = &at
		sched.BreachSince = nil

		if _, err := m.store.UpdateSchedule(ctx, revision, sched); err != nil {
			if err == state.ErrConflict && attempt == 0 {
				continue
			}
			return err
		}
		return nil
	}
}
