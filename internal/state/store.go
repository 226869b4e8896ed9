package state

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"alertengine/internal/domain"
)

var (
	// ErrNotFound indicates an absent record.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a revision mismatch for CAS update or a taken create slot.
	ErrConflict = errors.New("revision conflict")
)

// Store provides durable persistence for rules, alerts, schedules, and attempts.
// Params: CRUD plus revision-guarded compare-and-swap updates.
// Returns: backend persistence behavior shared by coordinator instances.
type Store interface {
	PutRule(ctx context.Context, rule domain.AlertRule) error
	GetRule(ctx context.Context, ruleID string) (domain.AlertRule, error)
	DeleteRule(ctx context.Context, ruleID string) error
	ListRules(ctx context.Context) ([]domain.AlertRule, error)

	GetSchedule(ctx context.Context, ruleID string) (domain.RuleSchedule, uint64, error)
	PutSchedule(ctx context.Context, sched domain.RuleSchedule) (uint64, error)
	UpdateSchedule(ctx context.Context, expectedRevision uint64, sched domain.RuleSchedule) (uint64, error)
	DeleteSchedule(ctx context.Context, ruleID string) error

	// CreateAlert writes the alert record and atomically claims the per-(rule, dedup-key)
	// open slot; a taken slot yields ErrConflict and no alert write.
	CreateAlert(ctx context.Context, alert domain.Alert) (uint64, error)
	GetAlert(ctx context.Context, alertID string) (domain.Alert, uint64, error)
	UpdateAlert(ctx context.Context, expectedRevision uint64, alert domain.Alert) (uint64, error)
	OpenAlertID(ctx context.Context, ruleID, dedupKey string) (string, error)
	ReleaseOpenSlot(ctx context.Context, ruleID, dedupKey string) error
	ListActiveAlertIDs(ctx context.Context) ([]string, error)

	CreateAttempt(ctx context.Context, attempt domain.NotificationAttempt) (uint64, error)
	GetAttempt(ctx context.Context, alertID string, level int, channel string) (domain.NotificationAttempt, uint64, error)
	UpdateAttempt(ctx context.Context, expectedRevision uint64, attempt domain.NotificationAttempt) (uint64, error)
	ListAttempts(ctx context.Context, alertID string) ([]domain.NotificationAttempt, error)

	Close() error
}

// OpenSlotKey builds the deterministic open-slot key for one (rule, dedup-key) pair.
// Params: rule ID and dedup key.
// Returns: sanitized slot key.
func OpenSlotKey(ruleID, dedupKey string) string {
	return sanitize(ruleID) + "/" + sanitize(dedupKey)
}

// AttemptKey builds the deterministic attempt key for one (alert, level, channel) triple.
// Params: alert ID, escalation level, and channel name.
// Returns: sanitized attempt key.
func AttemptKey(alertID string, level int, channel string) string {
	return sanitize(alertID) + "/" + strconv.Itoa(level) + "/" + sanitize(channel)
}

// sanitize converts key path fragments into stable bucket-safe tokens.
// Params: raw value with possible separators.
// Returns: sanitized string with unsupported chars replaced by underscore.
func sanitize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "_"
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + 32)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
