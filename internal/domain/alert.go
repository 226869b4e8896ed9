package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AlertStatus is runtime alert lifecycle state.
// Params: open/acknowledged/resolved/suppressed state constants.
// Returns: state transitions for escalation and storage.
type AlertStatus string

const (
	// StatusOpen indicates active unhandled alert.
	StatusOpen AlertStatus = "open"
	// StatusAcknowledged indicates alert claimed by a responder.
	StatusAcknowledged AlertStatus = "acknowledged"
	// StatusResolved indicates terminal closed alert.
	StatusResolved AlertStatus = "resolved"
	// StatusSuppressed indicates temporarily silenced alert.
	StatusSuppressed AlertStatus = "suppressed"
)

// Severity classifies rule and alert importance.
// Params: info/warning/critical constants.
// Returns: severity marker for notification payloads.
type Severity string

const (
	// SeverityInfo marks informational alerts.
	SeverityInfo Severity = "info"
	// SeverityWarning marks degraded-state alerts.
	SeverityWarning Severity = "warning"
	// SeverityCritical marks paging-worthy alerts.
	SeverityCritical Severity = "critical"
)

// AckInfo records who acknowledged an alert and when.
// Params: actor, timestamp, and optional note.
// Returns: acknowledgment metadata for the alert record.
type AckInfo struct {
	By   string    `json:"by"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// ResolutionInfo records how an alert was closed.
// Params: actor, timestamp, note, and machine-readable cause.
// Returns: resolution metadata for the alert record.
type ResolutionInfo struct {
	By    string    `json:"by"`
	At    time.Time `json:"at"`
	Note  string    `json:"note,omitempty"`
	Cause string    `json:"cause,omitempty"`
}

// Alert stores one persisted alert instance.
// Params: identity, owning rule, lifecycle state, escalation markers, and metadata.
// Returns: record for state backend and escalation sweeps.
type Alert struct {
	ID               string          `json:"id"`
	RuleID           string          `json:"rule_id"`
	RuleName         string          `json:"rule_name"`
	DedupKey         string          `json:"dedup_key"`
	Severity         Severity        `json:"severity"`
	Status           AlertStatus     `json:"status"`
	Level            int             `json:"level"`
	TriggeredAt      time.Time       `json:"triggered_at"`
	LastTransitionAt time.Time       `json:"last_transition_at"`
	LastValue        float64         `json:"last_value"`
	Ack              *AckInfo        `json:"ack,omitempty"`
	Resolution       *ResolutionInfo `json:"resolution,omitempty"`
	SuppressedUntil  *time.Time      `json:"suppressed_until,omitempty"`
	PriorStatus      AlertStatus     `json:"prior_status,omitempty"`
	NextEscalationAt *time.Time      `json:"next_escalation_at,omitempty"`
}

// Active reports whether the alert occupies the open slot for its rule.
// Params: none.
// Returns: true for every non-resolved status.
func (a Alert) Active() bool {
	return a.Status != StatusResolved
}

// ResolveCause constants used by engine-driven transitions.
const (
	// ResolveCauseConditionCleared marks auto-resolution after the condition stopped breaching.
	ResolveCauseConditionCleared = "condition_cleared"
	// ResolveCauseManual marks operator-initiated resolution.
	ResolveCauseManual = "manual"
)

// EscalationLevel is one step of an ordered escalation policy.
// Params: delay from the previous level, destinations, and actions.
// Returns: level definition consumed by the escalation scheduler.
type EscalationLevel struct {
	DelaySec   int64    `json:"delay_sec" toml:"delay_sec"`
	Channels   []string `json:"channels,omitempty" toml:"channels"`
	Recipients []string `json:"recipients,omitempty" toml:"recipients"`
	OnCallRef  string   `json:"oncall,omitempty" toml:"oncall"`
	Actions    []string `json:"actions,omitempty" toml:"actions"`
}

// Delay converts the level delay into a duration.
// Params: none.
// Returns: delay relative to the previous level fire time.
func (l EscalationLevel) Delay() time.Duration {
	return time.Duration(l.DelaySec) * time.Second
}

// EscalationPolicy is an ordered list of escalation levels.
// Params: policy name and level list.
// Returns: validated policy for scheduling.
type EscalationPolicy struct {
	Name   string            `json:"name"`
	Levels []EscalationLevel `json:"levels"`
}

// Validate checks policy ordering invariants.
// Params: none.
// Returns: error when the policy cannot be scheduled.
func (p EscalationPolicy) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("policy name is required")
	}
	if len(p.Levels) == 0 {
		return fmt.Errorf("policy %q must define at least one level", p.Name)
	}
	for i, level := range p.Levels {
		if level.DelaySec < 0 {
			return fmt.Errorf("policy %q level %d delay must be >=0", p.Name, i)
		}
		if i > 0 && level.DelaySec <= 0 {
			return fmt.Errorf("policy %q level %d delay must be >0", p.Name, i)
		}
		if len(level.Channels) == 0 && len(level.Recipients) == 0 && level.OnCallRef == "" {
			return fmt.Errorf("policy %q level %d has no destination", p.Name, i)
		}
	}
	return nil
}

// AttemptStatus is delivery state of one notification attempt record.
// Params: pending/sent/failed/exhausted constants.
// Returns: attempt lifecycle marker.
type AttemptStatus string

const (
	// AttemptPending indicates delivery is claimed but not finished.
	AttemptPending AttemptStatus = "pending"
	// AttemptSent indicates successful delivery.
	AttemptSent AttemptStatus = "sent"
	// AttemptFailed indicates a failed delivery that may be retried by a later escalation.
	AttemptFailed AttemptStatus = "failed"
	// AttemptExhausted indicates retries are spent or the failure is permanent.
	AttemptExhausted AttemptStatus = "exhausted"
)

// NotificationAttempt tracks delivery of one (alert, level, channel) notification.
// Params: identity, delivery counters, and status.
// Returns: persisted dedup/retry record for the dispatcher.
type NotificationAttempt struct {
	ID            string        `json:"id"`
	AlertID       string        `json:"alert_id"`
	Level         int           `json:"level"`
	Channel       string        `json:"channel"`
	Recipients    []string      `json:"recipients,omitempty"`
	Attempts      int           `json:"attempts"`
	LastAttemptAt time.Time     `json:"last_attempt_at"`
	Status        AttemptStatus `json:"status"`
	Error         string        `json:"error,omitempty"`
}
