package state

import (
	"context"
	"testing"
	"time"

	"alertengine/internal/domain"
)

func TestMemoryStoreOpenSlotClaim(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	ctx := context.Background()

	first := domain.Alert{ID: "a1", RuleID: "cpu-high", DedupKey: "cpu.usage", Status: domain.StatusOpen}
	if _, err := store.CreateAlert(ctx, first); err != nil {
		t.Fatalf("create first alert: %v", err)
	}

	second := domain.Alert{ID: "a2", RuleID: "cpu-high", DedupKey: "cpu.usage", Status: domain.StatusOpen}
	if _, err := store.CreateAlert(ctx, second); err != ErrConflict {
		t.Fatalf("expected ErrConflict for taken slot, got %v", err)
	}

	alertID, err := store.OpenAlertID(ctx, "cpu-high", "cpu.usage")
	if err != nil {
		t.Fatalf("open alert lookup: %v", err)
	}
	if alertID != "a1" {
		t.Fatalf("expected slot winner a1, got %s", alertID)
	}

	if err := store.ReleaseOpenSlot(ctx, "cpu-high", "cpu.usage"); err != nil {
		t.Fatalf("release slot: %v", err)
	}
	if _, err := store.OpenAlertID(ctx, "cpu-high", "cpu.usage"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after release, got %v", err)
	}
	if _, err := store.CreateAlert(ctx, second); err != nil {
		t.Fatalf("create after release: %v", err)
	}
}

func TestMemoryStoreAlertCAS(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	ctx := context.Background()

	alert := domain.Alert{ID: "a1", RuleID: "r1", DedupKey: "m1", Status: domain.StatusOpen}
	rev, err := store.CreateAlert(ctx, alert)
	if err != nil {
		t.Fatalf("create alert: %v", err)
	}

	alert.Status = domain.StatusAcknowledged
	newRev, err := store.UpdateAlert(ctx, rev, alert)
	if err != nil {
		t.Fatalf("update alert: %v", err)
	}
	if newRev <= rev {
		t.Fatalf("expected revision to advance, got %d -> %d", rev, newRev)
	}

	alert.Status = domain.StatusResolved
	if _, err := store.UpdateAlert(ctx, rev, alert); err != ErrConflict {
		t.Fatalf("expected ErrConflict on stale revision, got %v", err)
	}

	got, _, err := store.GetAlert(ctx, "a1")
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	if got.Status != domain.StatusAcknowledged {
		t.Fatalf("stale update must not apply, got status %s", got.Status)
	}
}

func TestMemoryStoreScheduleCAS(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	ctx := context.Background()

	sched := domain.RuleSchedule{RuleID: "r1", NextDueAt: time.Now().UTC()}
	rev, err := store.PutSchedule(ctx, sched)
	if err != nil {
		t.Fatalf("put schedule: %v", err)
	}

	if _, err := store.UpdateSchedule(ctx, rev+1, sched); err != ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := store.UpdateSchedule(ctx, rev, sched); err != nil {
		t.Fatalf("update with current revision: %v", err)
	}
	if _, err := store.UpdateSchedule(ctx, rev, domain.RuleSchedule{RuleID: "missing"}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for missing schedule, got %v", err)
	}

	// Put is an unconditional overwrite; racing seeders both succeed and the
	// revision they get back decides the CAS claim that follows.
	overwriteRev, err := store.PutSchedule(ctx, sched)
	if err != nil {
		t.Fatalf("overwrite schedule: %v", err)
	}
	if _, err := store.UpdateSchedule(ctx, rev, sched); err != ErrConflict {
		t.Fatalf("stale seeder must lose the claim, got %v", err)
	}
	if _, err := store.UpdateSchedule(ctx, overwriteRev, sched); err != nil {
		t.Fatalf("latest seeder must win the claim: %v", err)
	}
}

func TestMemoryStoreAttemptDedup(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	ctx := context.Background()

	attempt := domain.NotificationAttempt{ID: "n1", AlertID: "a1", Level: 0, Channel: "webhook", Status: domain.AttemptPending}
	if _, err := store.CreateAttempt(ctx, attempt); err != nil {
		t.Fatalf("create attempt: %v", err)
	}
	duplicate := attempt
	duplicate.ID = "n2"
	if _, err := store.CreateAttempt(ctx, duplicate); err != ErrConflict {
		t.Fatalf("expected ErrConflict for duplicate (alert, level, channel), got %v", err)
	}

	other := domain.NotificationAttempt{ID: "n3", AlertID: "a1", Level: 1, Channel: "webhook", Status: domain.AttemptPending}
	if _, err := store.CreateAttempt(ctx, other); err != nil {
		t.Fatalf("create attempt at next level: %v", err)
	}

	attempts, err := store.ListAttempts(ctx, "a1")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].Level != 0 || attempts[1].Level != 1 {
		t.Fatalf("expected level-sorted attempts, got %+v", attempts)
	}
}

func TestMemoryStoreListActiveAlertIDs(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	ctx := context.Background()

	for _, alert := range []domain.Alert{
		{ID: "b", RuleID: "r1", DedupKey: "m1", Status: domain.StatusOpen},
		{ID: "a", RuleID: "r2", DedupKey: "m2", Status: domain.StatusOpen},
	} {
		if _, err := store.CreateAlert(ctx, alert); err != nil {
			t.Fatalf("create alert %s: %v", alert.ID, err)
		}
	}

	ids, err := store.ListActiveAlertIDs(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("expected sorted [a b], got %v", ids)
	}

	if err := store.ReleaseOpenSlot(ctx, "r1", "m1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ids, err = store.ListActiveAlertIDs(ctx)
	if err != nil {
		t.Fatalf("list active after release: %v", err)
	}
	if len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("expected [a] after release, got %v", ids)
	}
}

func TestKeySanitization(t *testing.T) {
	t.Parallel()

	if got := OpenSlotKey("CPU High!", "node/7"); got != "cpu_high_/node_7" {
		t.Fatalf("unexpected slot key %q", got)
	}
	if got := AttemptKey("Alert 1", 2, "web hook"); got != "alert_1/2/web_hook" {
		t.Fatalf("unexpected attempt key %q", got)
	}
	if got := OpenSlotKey("", "x"); got != "_/x" {
		t.Fatalf("unexpected empty-fragment key %q", got)
	}
}
