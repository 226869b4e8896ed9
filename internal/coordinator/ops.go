package coordinator

import (
	"context"
	"fmt"
	"time"

	"alertengine/internal/domain"
	"alertengine/internal/state"
)

// UpsertRule validates and stores one rule definition.
// Params: rule definition.
// Returns: validation or persistence error; an upsert clears any unhealthy
// flag and seeds the schedule so the rule is due immediately.
func (c *Coordinator) UpsertRule(ctx context.Context, rule domain.AlertRule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("invalid rule %s: %w", rule.ID, err)
	}
	rule.Unhealthy = false
	rule.UnhealthyReason = ""

	if err := c.store.PutRule(ctx, rule); err != nil {
		return fmt.Errorf("store rule %s: %w", rule.ID, err)
	}
	c.clearFailures(rule.ID)

	if _, _, err := c.store.GetSchedule(ctx, rule.ID); err == state.ErrNotFound {
		sched := domain.RuleSchedule{RuleID: rule.ID, NextDueAt: c.clk.Now().UTC()}
		if _, err := c.store.PutSchedule(ctx, sched); err != nil {
			return fmt.Errorf("seed schedule for rule %s: %w", rule.ID, err)
		}
	} else if err != nil {
		return fmt.Errorf("check schedule for rule %s: %w", rule.ID, err)
	}

	c.logger.Info("rule upserted", "rule", rule.Name, "enabled", rule.Enabled)
	return nil
}

// SetRuleEnabled toggles one rule without touching its other fields.
// Params: rule ID and desired enabled state.
// Returns: lookup or persistence error.
func (c *Coordinator) SetRuleEnabled(ctx context.Context, ruleID string, enabled bool) error {
	rule, err := c.store.GetRule(ctx, ruleID)
	if err != nil {
		return fmt.Errorf("load rule %s: %w", ruleID, err)
	}
	rule.Enabled = enabled
	if err := c.store.PutRule(ctx, rule); err != nil {
		return fmt.Errorf("store rule %s: %w", ruleID, err)
	}
	c.logger.Info("rule toggled", "rule", rule.Name, "enabled", enabled)
	return nil
}

// DeleteRule removes one rule and its schedule state.
// Params: rule ID.
// Returns: persistence error; existing alerts for the rule stay untouched.
func (c *Coordinator) DeleteRule(ctx context.Context, ruleID string) error {
	if err := c.store.DeleteRule(ctx, ruleID); err != nil && err != state.ErrNotFound {
		return fmt.Errorf("delete rule %s: %w", ruleID, err)
	}
	if err := c.store.DeleteSchedule(ctx, ruleID); err != nil && err != state.ErrNotFound {
		return fmt.Errorf("delete schedule %s: %w", ruleID, err)
	}
	c.clearFailures(ruleID)
	c.logger.Info("rule deleted", "rule", ruleID)
	return nil
}

// Rules lists all stored rules.
// Params: none.
// Returns: rule list.
func (c *Coordinator) Rules(ctx context.Context) ([]domain.AlertRule, error) {
	return c.store.ListRules(ctx)
}

// Rule loads one rule by ID.
// Params: rule ID.
// Returns: rule or state.ErrNotFound.
func (c *Coordinator) Rule(ctx context.Context, ruleID string) (domain.AlertRule, error) {
	return c.store.GetRule(ctx, ruleID)
}

// Acknowledge marks one open alert as claimed by a responder.
// Params: alert ID, actor, and optional note.
// Returns: acknowledged alert.
func (c *Coordinator) Acknowledge(ctx context.Context, alertID, by, note string) (domain.Alert, error) {
	return c.alerts.Acknowledge(ctx, alertID, by, note)
}

// Resolve closes one alert manually.
// Params: alert ID, actor, and optional note.
// Returns: resolved alert.
func (c *Coordinator) Resolve(ctx context.Context, alertID, by, note string) (domain.Alert, error) {
	return c.alerts.Resolve(ctx, alertID, by, note, domain.ResolveCauseManual)
}

// Suppress silences one alert until a deadline.
// Params: alert ID, deadline, and actor.
// Returns: suppressed alert.
func (c *Coordinator) Suppress(ctx context.Context, alertID string, until time.Time, by string) (domain.Alert, error) {
	return c.alerts.Suppress(ctx, alertID, until, by)
}

// Alert loads one alert by ID.
// Params: alert ID.
// Returns: alert or state.ErrNotFound.
func (c *Coordinator) Alert(ctx context.Context, alertID string) (domain.Alert, error) {
	alert, _, err := c.store.GetAlert(ctx, alertID)
	return alert, err
}

// ActiveAlerts loads every non-resolved alert.
// Params: none.
// Returns: active alert list.
func (c *Coordinator) ActiveAlerts(ctx context.Context) ([]domain.Alert, error) {
	ids, err := c.store.ListActiveAlertIDs(ctx)
	if err != nil {
		return nil, err
	}
	alerts := make([]domain.Alert, 0, len(ids))
	for _, id := range ids {
		alert, _, err := c.store.GetAlert(ctx, id)
		if err == state.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// Attempts lists notification attempt records for one alert.
// Params: alert ID.
// Returns: attempt list.
func (c *Coordinator) Attempts(ctx context.Context, alertID string) ([]domain.NotificationAttempt, error) {
	return c.store.ListAttempts(ctx, alertID)
}
