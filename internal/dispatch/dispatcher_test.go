package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"alertengine/internal/clock"
	"alertengine/internal/config"
	"alertengine/internal/domain"
	"alertengine/internal/permanent"
	"alertengine/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	mu    sync.Mutex
	name  string
	calls int
	fail  error
}

func (s *fakeSender) Name() string { return s.name }

func (s *fakeSender) Send(_ context.Context, _ Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.fail
}

func (s *fakeSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testAlert() domain.Alert {
	return domain.Alert{
		ID:          "alert-1",
		RuleID:      "cpu-high",
		RuleName:    "cpu-high",
		DedupKey:    "cpu.usage",
		Severity:    domain.SeverityCritical,
		Status:      domain.StatusOpen,
		LastValue:   95,
		TriggeredAt: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
}

func fastRetry(attempts int) config.RetryConfig {
	return config.RetryConfig{Enabled: true, MaxAttempts: attempts, InitialMS: 1, MaxMS: 2}
}

func TestNotifyDedupAcrossSweeps(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore()
	sender := &fakeSender{name: "webhook"}
	dispatcher := New(store, time.Minute, clock.RealClock{}, testLogger())
	dispatcher.Register(sender, fastRetry(3), config.BreakerConfig{Threshold: 100, CooldownSec: 60})
	ctx := context.Background()
	alert := testAlert()

	if err := dispatcher.Notify(ctx, alert, 0, "webhook", []string{"ops"}); err != nil {
		t.Fatalf("first notify: %v", err)
	}
	if sender.callCount() != 1 {
		t.Fatalf("expected one send, got %d", sender.callCount())
	}

	// A repeated sweep for the same (alert, level, channel) must not resend.
	if err := dispatcher.Notify(ctx, alert, 0, "webhook", []string{"ops"}); err != nil {
		t.Fatalf("second notify: %v", err)
	}
	if sender.callCount() != 1 {
		t.Fatalf("duplicate sweep must be deduped, got %d sends", sender.callCount())
	}

	// A different level is a fresh delivery.
	if err := dispatcher.Notify(ctx, alert, 1, "webhook", []string{"ops"}); err != nil {
		t.Fatalf("next level notify: %v", err)
	}
	if sender.callCount() != 2 {
		t.Fatalf("expected send for next level, got %d", sender.callCount())
	}

	attempt, _, err := store.GetAttempt(ctx, alert.ID, 0, "webhook")
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if attempt.Status != domain.AttemptSent || attempt.Attempts != 1 {
		t.Fatalf("unexpected attempt record %+v", attempt)
	}
}

func TestNotifyRetriesUntilExhausted(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore()
	sender := &fakeSender{name: "webhook", fail: errors.New("connection refused")}
	dispatcher := New(store, time.Minute, clock.RealClock{}, testLogger())
	dispatcher.Register(sender, fastRetry(3), config.BreakerConfig{Threshold: 100, CooldownSec: 60})
	ctx := context.Background()
	alert := testAlert()

	if err := dispatcher.Notify(ctx, alert, 0, "webhook", nil); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if sender.callCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", sender.callCount())
	}

	attempt, _, err := store.GetAttempt(ctx, alert.ID, 0, "webhook")
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if attempt.Status != domain.AttemptExhausted || attempt.Attempts != 3 {
		t.Fatalf("expected exhausted after 3 attempts, got %+v", attempt)
	}
	if attempt.Error == "" {
		t.Fatalf("expected last error recorded")
	}
}

func TestNotifyPermanentErrorSkipsRetries(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore()
	sender := &fakeSender{name: "webhook", fail: permanent.Mark(errors.New("status 404"))}
	dispatcher := New(store, time.Minute, clock.RealClock{}, testLogger())
	dispatcher.Register(sender, fastRetry(5), config.BreakerConfig{Threshold: 100, CooldownSec: 60})
	ctx := context.Background()
	alert := testAlert()

	if err := dispatcher.Notify(ctx, alert, 0, "webhook", nil); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if sender.callCount() != 1 {
		t.Fatalf("permanent failure must not retry, got %d attempts", sender.callCount())
	}

	attempt, _, err := store.GetAttempt(ctx, alert.ID, 0, "webhook")
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if attempt.Status != domain.AttemptExhausted || attempt.Attempts != 1 {
		t.Fatalf("expected immediate exhaustion, got %+v", attempt)
	}
}

func TestNotifyBreakerOpensAndFailsFast(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore()
	sender := &fakeSender{name: "webhook", fail: errors.New("connection refused")}
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clk := clock.FuncClock(func() time.Time { return now })
	dispatcher := New(store, time.Minute, clk, testLogger())
	dispatcher.Register(sender, fastRetry(5), config.BreakerConfig{Threshold: 2, CooldownSec: 60})
	ctx := context.Background()
	alert := testAlert()

	// Two failures trip the breaker mid-delivery.
	if err := dispatcher.Notify(ctx, alert, 0, "webhook", nil); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if sender.callCount() != 2 {
		t.Fatalf("expected delivery to stop when breaker opened, got %d attempts", sender.callCount())
	}

	// While open, new deliveries fail fast without touching the transport
	// and without consuming retry attempts.
	if err := dispatcher.Notify(ctx, alert, 1, "webhook", nil); err != nil {
		t.Fatalf("notify while open: %v", err)
	}
	if sender.callCount() != 2 {
		t.Fatalf("open breaker must skip the transport, got %d attempts", sender.callCount())
	}
	attempt, _, err := store.GetAttempt(ctx, alert.ID, 1, "webhook")
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if attempt.Status != domain.AttemptFailed || attempt.Attempts != 0 {
		t.Fatalf("expected failed record with no attempts consumed, got %+v", attempt)
	}

	// After the cooldown one half-open probe goes through; success closes.
	now = now.Add(61 * time.Second)
	sender.mu.Lock()
	sender.fail = nil
	sender.mu.Unlock()
	if err := dispatcher.Notify(ctx, alert, 2, "webhook", nil); err != nil {
		t.Fatalf("notify after cooldown: %v", err)
	}
	if sender.callCount() != 3 {
		t.Fatalf("expected half-open probe to reach the transport, got %d", sender.callCount())
	}
	probe, _, err := store.GetAttempt(ctx, alert.ID, 2, "webhook")
	if err != nil {
		t.Fatalf("get probe attempt: %v", err)
	}
	if probe.Status != domain.AttemptSent {
		t.Fatalf("expected probe success, got %+v", probe)
	}
}

func TestNotifyReclaimsFailedRecord(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore()
	ctx := context.Background()
	alert := testAlert()

	// A failed record from an earlier sweep (breaker was open) is retried.
	seed := domain.NotificationAttempt{
		ID:      "n1",
		AlertID: alert.ID,
		Level:   0,
		Channel: "webhook",
		Status:  domain.AttemptFailed,
		Error:   "circuit breaker open",
	}
	if _, err := store.CreateAttempt(ctx, seed); err != nil {
		t.Fatalf("seed attempt: %v", err)
	}

	sender := &fakeSender{name: "webhook"}
	dispatcher := New(store, time.Minute, clock.RealClock{}, testLogger())
	dispatcher.Register(sender, fastRetry(3), config.BreakerConfig{Threshold: 100, CooldownSec: 60})

	if err := dispatcher.Notify(ctx, alert, 0, "webhook", nil); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if sender.callCount() != 1 {
		t.Fatalf("expected failed record to be retried, got %d sends", sender.callCount())
	}
	attempt, _, err := store.GetAttempt(ctx, alert.ID, 0, "webhook")
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if attempt.Status != domain.AttemptSent {
		t.Fatalf("expected sent after reclaim, got %+v", attempt)
	}
}

func TestNotifyReclaimsStalePendingRecord(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clk := clock.FuncClock(func() time.Time { return now })
	sender := &fakeSender{name: "webhook"}
	dispatcher := New(store, time.Minute, clk, testLogger())
	dispatcher.Register(sender, fastRetry(3), config.BreakerConfig{Threshold: 100, CooldownSec: 60})
	ctx := context.Background()
	alert := testAlert()

	// A pending record stamped before the staleness bound is a claim from a
	// worker that crashed mid-delivery; it must be retried after a restart.
	stale := domain.NotificationAttempt{
		ID:            "n-stale",
		AlertID:       alert.ID,
		Level:         0,
		Channel:       "webhook",
		Status:        domain.AttemptPending,
		LastAttemptAt: now.Add(-2 * time.Minute),
	}
	if _, err := store.CreateAttempt(ctx, stale); err != nil {
		t.Fatalf("seed stale attempt: %v", err)
	}

	if err := dispatcher.Notify(ctx, alert, 0, "webhook", nil); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if sender.callCount() != 1 {
		t.Fatalf("expected stale pending record to be reclaimed, got %d sends", sender.callCount())
	}
	attempt, _, err := store.GetAttempt(ctx, alert.ID, 0, "webhook")
	if err != nil {
		t.Fatalf("get attempt: %v", err)
	}
	if attempt.Status != domain.AttemptSent {
		t.Fatalf("expected sent after reclaim, got %+v", attempt)
	}

	// A fresh pending claim belongs to a live worker and is left alone.
	fresh := domain.NotificationAttempt{
		ID:            "n-fresh",
		AlertID:       alert.ID,
		Level:         1,
		Channel:       "webhook",
		Status:        domain.AttemptPending,
		LastAttemptAt: now,
	}
	if _, err := store.CreateAttempt(ctx, fresh); err != nil {
		t.Fatalf("seed fresh attempt: %v", err)
	}
	if err := dispatcher.Notify(ctx, alert, 1, "webhook", nil); err != nil {
		t.Fatalf("notify held claim: %v", err)
	}
	if sender.callCount() != 1 {
		t.Fatalf("live pending claim must not be stolen, got %d sends", sender.callCount())
	}
	held, _, err := store.GetAttempt(ctx, alert.ID, 1, "webhook")
	if err != nil {
		t.Fatalf("get held attempt: %v", err)
	}
	if held.Status != domain.AttemptPending {
		t.Fatalf("expected held claim untouched, got %+v", held)
	}
}

func TestNotifyUnknownChannel(t *testing.T) {
	t.Parallel()

	dispatcher := New(state.NewMemoryStore(), time.Minute, clock.RealClock{}, testLogger())
	if err := dispatcher.Notify(context.Background(), testAlert(), 0, "pager", nil); err == nil {
		t.Fatalf("expected error for unregistered channel")
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	t.Parallel()

	retry := config.RetryConfig{Enabled: true, MaxAttempts: 10, InitialMS: 100, MaxMS: 400}
	cases := []struct {
		attempts int
		expected time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 400 * time.Millisecond},
		{8, 400 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := backoffDelay(retry, tc.attempts); got != tc.expected {
			t.Fatalf("attempts=%d: expected %v, got %v", tc.attempts, tc.expected, got)
		}
	}
}
