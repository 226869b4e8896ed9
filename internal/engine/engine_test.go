package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"alertengine/internal/clock"
	"alertengine/internal/domain"
	"alertengine/internal/metricsource"
	"alertengine/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRule() domain.AlertRule {
	return domain.AlertRule{
		ID:      "cpu-high",
		Name:    "cpu-high",
		Enabled: true,
		Metric:  "cpu.usage",
		Condition: domain.Condition{
			Kind:        domain.ConditionThreshold,
			Comparator:  domain.CompareGT,
			Threshold:   80,
			Aggregation: domain.AggAvg,
			WindowSec:   300,
		},
		EverySec:     30,
		Severity:     domain.SeverityCritical,
		NoDataPolicy: domain.NoDataIgnore,
		Channels:     []string{"webhook"},
	}
}

func seedSchedule(t *testing.T, store state.Store, ruleID string, now time.Time) {
	t.Helper()
	if _, err := store.PutSchedule(context.Background(), domain.RuleSchedule{RuleID: ruleID, NextDueAt: now}); err != nil {
		t.Fatalf("seed schedule: %v", err)
	}
}

func breachSamples(at time.Time) []domain.Sample {
	return []domain.Sample{{At: at, Value: 95}}
}

func TestEvaluateRuleSustainedGate(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore()
	source := metricsource.NewStaticSource()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clk := clock.FuncClock(func() time.Time { return now })
	eng := New(store, source, clk, testLogger())
	ctx := context.Background()

	rule := testRule()
	rule.SustainedSec = 120
	seedSchedule(t, store, rule.ID, now)
	source.Set(rule.Metric, breachSamples(now))

	// First breaching tick starts the sustained window without opening.
	decision, err := eng.EvaluateRule(ctx, rule)
	if err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if decision.Kind != DecisionNone {
		t.Fatalf("expected no action before sustained window, got %s", decision.Kind)
	}
	sched, _, err := store.GetSchedule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if sched.BreachSince == nil || !sched.BreachSince.Equal(now) {
		t.Fatalf("expected breach_since=%v, got %v", now, sched.BreachSince)
	}

	// Still breaching but below the sustained window.
	now = now.Add(60 * time.Second)
	decision, err = eng.EvaluateRule(ctx, rule)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if decision.Kind != DecisionNone {
		t.Fatalf("expected no action at 60s of 120s, got %s", decision.Kind)
	}

	// Sustained window satisfied.
	now = now.Add(60 * time.Second)
	decision, err = eng.EvaluateRule(ctx, rule)
	if err != nil {
		t.Fatalf("third tick: %v", err)
	}
	if decision.Kind != DecisionOpenOrRefresh {
		t.Fatalf("expected open after sustained window, got %s", decision.Kind)
	}
	if decision.Observed != 95 {
		t.Fatalf("expected observed 95, got %v", decision.Observed)
	}
}

func TestEvaluateRuleCooldownGate(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore()
	source := metricsource.NewStaticSource()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clk := clock.FuncClock(func() time.Time { return now })
	eng := New(store, source, clk, testLogger())
	ctx := context.Background()

	rule := testRule()
	rule.CooldownSec = 300
	closedAt := now.Add(-100 * time.Second)
	if _, err := store.PutSchedule(ctx, domain.RuleSchedule{
		RuleID:            rule.ID,
		NextDueAt:         now,
		LastAlertClosedAt: &closedAt,
	}); err != nil {
		t.Fatalf("seed schedule: %v", err)
	}
	source.Set(rule.Metric, breachSamples(now))

	decision, err := eng.EvaluateRule(ctx, rule)
	if err != nil {
		t.Fatalf("tick inside cooldown: %v", err)
	}
	if decision.Kind != DecisionNone {
		t.Fatalf("expected cooldown to hold the open, got %s", decision.Kind)
	}

	now = now.Add(201 * time.Second)
	decision, err = eng.EvaluateRule(ctx, rule)
	if err != nil {
		t.Fatalf("tick after cooldown: %v", err)
	}
	if decision.Kind != DecisionOpenOrRefresh {
		t.Fatalf("expected open after cooldown, got %s", decision.Kind)
	}
}

func TestEvaluateRuleNoDataIgnoreRetainsBreachState(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore()
	source := metricsource.NewStaticSource()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clk := clock.FuncClock(func() time.Time { return now })
	eng := New(store, source, clk, testLogger())
	ctx := context.Background()

	rule := testRule()
	since := now.Add(-60 * time.Second)
	if _, err := store.PutSchedule(ctx, domain.RuleSchedule{
		RuleID:      rule.ID,
		NextDueAt:   now,
		BreachSince: &since,
	}); err != nil {
		t.Fatalf("seed schedule: %v", err)
	}

	decision, err := eng.EvaluateRule(ctx, rule)
	if err != nil {
		t.Fatalf("no-data tick must not fail the evaluation: %v", err)
	}
	if decision.Kind != DecisionNone || !decision.NoData {
		t.Fatalf("expected no-data none decision, got %+v", decision)
	}

	sched, _, err := store.GetSchedule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if sched.BreachSince == nil {
		t.Fatalf("no-data tick under ignore policy must retain breach_since")
	}
}

func TestEvaluateRuleNoDataBreachPolicy(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore()
	source := metricsource.NewStaticSource()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clk := clock.FuncClock(func() time.Time { return now })
	eng := New(store, source, clk, testLogger())
	ctx := context.Background()

	rule := testRule()
	rule.NoDataPolicy = domain.NoDataBreach
	seedSchedule(t, store, rule.ID, now)

	decision, err := eng.EvaluateRule(ctx, rule)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if decision.Kind != DecisionOpenOrRefresh || !decision.NoData {
		t.Fatalf("expected no-data breach to open, got %+v", decision)
	}
}

func TestEvaluateRuleFetchFailureIsNoData(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore()
	source := metricsource.NewStaticSource()
	source.SetUnavailable(true)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clk := clock.FuncClock(func() time.Time { return now })
	eng := New(store, source, clk, testLogger())

	rule := testRule()
	seedSchedule(t, store, rule.ID, now)

	decision, err := eng.EvaluateRule(context.Background(), rule)
	if err != nil {
		t.Fatalf("fetch failure must not propagate: %v", err)
	}
	if decision.Kind != DecisionNone || !decision.NoData {
		t.Fatalf("expected no-data decision on fetch failure, got %+v", decision)
	}
}

func TestEvaluateRuleHealthyClearsBreachAndResolves(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore()
	source := metricsource.NewStaticSource()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clk := clock.FuncClock(func() time.Time { return now })
	eng := New(store, source, clk, testLogger())
	ctx := context.Background()

	rule := testRule()
	since := now.Add(-30 * time.Second)
	if _, err := store.PutSchedule(ctx, domain.RuleSchedule{
		RuleID:      rule.ID,
		NextDueAt:   now,
		BreachSince: &since,
	}); err != nil {
		t.Fatalf("seed schedule: %v", err)
	}
	source.Set(rule.Metric, []domain.Sample{{At: now, Value: 40}})

	decision, err := eng.EvaluateRule(ctx, rule)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if decision.Kind != DecisionAutoResolve {
		t.Fatalf("expected auto-resolve on healthy tick, got %s", decision.Kind)
	}

	sched, _, err := store.GetSchedule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if sched.BreachSince != nil {
		t.Fatalf("healthy tick must clear breach_since")
	}
}
