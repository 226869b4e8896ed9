package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConditionKind selects one closed condition variant.
// Params: threshold/between/rate_of_change constants.
// Returns: exhaustively switchable condition tag.
type ConditionKind string

const (
	// ConditionThreshold compares the aggregated value against one bound.
	ConditionThreshold ConditionKind = "threshold"
	// ConditionBetween checks the aggregated value against an inclusive range.
	ConditionBetween ConditionKind = "between"
	// ConditionRateOfChange compares the delta across the window against one bound.
	ConditionRateOfChange ConditionKind = "rate_of_change"
)

// Aggregation reduces a sample window into one observed value.
// Params: last/avg/max/min/p95 constants.
// Returns: aggregation method tag.
type Aggregation string

const (
	// AggLast picks the most recent sample.
	AggLast Aggregation = "last"
	// AggAvg averages the window.
	AggAvg Aggregation = "avg"
	// AggMax picks the window maximum.
	AggMax Aggregation = "max"
	// AggMin picks the window minimum.
	AggMin Aggregation = "min"
	// AggP95 picks the 95th percentile of the window.
	AggP95 Aggregation = "p95"
)

// Comparator constants supported by threshold and rate_of_change conditions.
const (
	CompareGT = ">"
	CompareGE = ">="
	CompareLT = "<"
	CompareLE = "<="
	CompareEQ = "=="
)

// Condition is the closed tagged-variant match definition of a rule.
// Params: kind tag, comparator/bounds, aggregation, and sample window.
// Returns: condition consumed by the evaluator.
type Condition struct {
	Kind        ConditionKind `json:"kind" toml:"kind"`
	Comparator  string        `json:"op,omitempty" toml:"op"`
	Threshold   float64       `json:"threshold,omitempty" toml:"threshold"`
	Lower       float64       `json:"lower,omitempty" toml:"lower"`
	Upper       float64       `json:"upper,omitempty" toml:"upper"`
	Aggregation Aggregation   `json:"agg" toml:"agg"`
	WindowSec   int64         `json:"window_sec" toml:"window_sec"`
}

// Window converts the configured window into a duration.
// Params: none.
// Returns: aggregation window width.
func (c Condition) Window() time.Duration {
	return time.Duration(c.WindowSec) * time.Second
}

// Validate checks condition fields against the closed variant contract.
// Params: none.
// Returns: configuration error when the condition cannot be evaluated.
func (c Condition) Validate() error {
	if c.WindowSec <= 0 {
		return errors.New("condition window_sec must be >0")
	}
	switch c.Aggregation {
	case AggLast, AggAvg, AggMax, AggMin, AggP95:
	default:
		return fmt.Errorf("unsupported aggregation %q", c.Aggregation)
	}
	switch c.Kind {
	case ConditionThreshold, ConditionRateOfChange:
		if !supportedComparator(c.Comparator) {
			return fmt.Errorf("unsupported comparator %q", c.Comparator)
		}
	case ConditionBetween:
		if c.Lower > c.Upper {
			return fmt.Errorf("between bounds inverted: lower=%v upper=%v", c.Lower, c.Upper)
		}
	default:
		return fmt.Errorf("unsupported condition kind %q", c.Kind)
	}
	return nil
}

// supportedComparator checks comparator membership.
// Params: comparator token.
// Returns: true for a known comparator.
func supportedComparator(op string) bool {
	switch op {
	case CompareGT, CompareGE, CompareLT, CompareLE, CompareEQ:
		return true
	default:
		return false
	}
}

// NoDataPolicy selects rule behavior when the evaluator reports no data.
// Params: ignore/breach constants.
// Returns: per-rule no-data handling tag.
type NoDataPolicy string

const (
	// NoDataIgnore retains previous breach state on no-data ticks.
	NoDataIgnore NoDataPolicy = "ignore"
	// NoDataBreach treats no-data ticks as an active breach.
	NoDataBreach NoDataPolicy = "breach"
)

// AlertRule defines one monitored condition with scheduling and routing settings.
// Params: identity, condition, cadence, gates, and notification bindings.
// Returns: persisted rule consumed by the evaluation coordinator.
type AlertRule struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Enabled         bool         `json:"enabled"`
	Metric          string       `json:"metric"`
	Condition       Condition    `json:"condition"`
	EverySec        int64        `json:"every_sec"`
	SustainedSec    int64        `json:"sustained_sec"`
	CooldownSec     int64        `json:"cooldown_sec"`
	Severity        Severity     `json:"severity"`
	Channels        []string     `json:"channels,omitempty"`
	PolicyName      string       `json:"policy,omitempty"`
	NoDataPolicy    NoDataPolicy `json:"no_data_policy,omitempty"`
	Unhealthy       bool         `json:"unhealthy,omitempty"`
	UnhealthyReason string       `json:"unhealthy_reason,omitempty"`
}

// Every converts the evaluation frequency into a duration.
// Params: none.
// Returns: evaluation cadence.
func (r AlertRule) Every() time.Duration {
	return time.Duration(r.EverySec) * time.Second
}

// Sustained converts the minimum breach hold into a duration.
// Params: none.
// Returns: sustained-duration gate width.
func (r AlertRule) Sustained() time.Duration {
	return time.Duration(r.SustainedSec) * time.Second
}

// Cooldown converts the post-resolution quiet period into a duration.
// Params: none.
// Returns: cooldown gate width.
func (r AlertRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSec) * time.Second
}

// Validate checks rule invariants.
// Params: none.
// Returns: configuration error when the rule cannot be scheduled.
func (r AlertRule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("rule id is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("rule name is required")
	}
	if strings.TrimSpace(r.Metric) == "" {
		return errors.New("rule metric is required")
	}
	if r.EverySec <= 0 {
		return errors.New("rule every_sec must be >0")
	}
	if r.SustainedSec < 0 {
		return errors.New("rule sustained_sec must be >=0")
	}
	if r.CooldownSec < 0 {
		return errors.New("rule cooldown_sec must be >=0")
	}
	switch r.Severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		return fmt.Errorf("unsupported severity %q", r.Severity)
	}
	switch r.NoDataPolicy {
	case NoDataIgnore, NoDataBreach:
	default:
		return fmt.Errorf("unsupported no_data policy %q", r.NoDataPolicy)
	}
	if err := r.Condition.Validate(); err != nil {
		return fmt.Errorf("condition: %w", err)
	}
	return nil
}

// RuleSchedule stores durable per-rule scheduler state.
// Params: due timestamp, breach tracking, cooldown marker, and in-flight lease.
// Returns: persisted record shared by coordinator instances.
type RuleSchedule struct {
	RuleID            string     `json:"rule_id"`
	NextDueAt         time.Time  `json:"next_due_at"`
	BreachSince       *time.Time `json:"breach_since,omitempty"`
	LastAlertClosedAt *time.Time `json:"last_alert_closed_at,omitempty"`
	InFlightUntil     *time.Time `json:"in_flight_until,omitempty"`
}

// InFlight reports whether an evaluation lease is currently held.
// Params: current time.
// Returns: true while the lease has not expired.
func (s RuleSchedule) InFlight(now time.Time) bool {
	return s.InFlightUntil != nil && now.Before(*s.InFlightUntil)
}
