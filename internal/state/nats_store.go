package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"alertengine/internal/config"
	"alertengine/internal/domain"

	"github.com/nats-io/nats.go"
)

// NATSStore persists engine state in JetStream KV buckets.
// Params: NATS connection, JetStream context, and per-record KV handles.
// Returns: KV-backed store implementation with revision CAS.
type NATSStore struct {
	nc          *nats.Conn
	js          nats.JetStreamContext
	rulesKV     nats.KeyValue
	schedulesKV nats.KeyValue
	alertsKV    nats.KeyValue
	slotsKV     nats.KeyValue
	attemptsKV  nats.KeyValue
}

// NewNATSStore connects to NATS and opens (or creates) the state buckets.
// Params: NATS state settings from config.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.NATSStateConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	store := &NATSStore{nc: nc, js: js}
	buckets := []struct {
		name   string
		target *nats.KeyValue
	}{
		{settings.RulesBucket, &store.rulesKV},
		{settings.SchedulesBucket, &store.schedulesKV},
		{settings.AlertsBucket, &store.alertsKV},
		{settings.SlotsBucket, &store.slotsKV},
		{settings.AttemptsBucket, &store.attemptsKV},
	}
	for _, bucket := range buckets {
		kv, err := openBucket(js, bucket.name, settings.AllowCreateBuckets)
		if err != nil {
			nc.Close()
			return nil, err
		}
		*bucket.target = kv
	}
	return store, nil
}

// openBucket opens one KV bucket, creating it when allowed.
// Params: JetStream context, bucket name, and create permission flag.
// Returns: bucket handle or setup error.
func openBucket(js nats.JetStreamContext, name string, allowCreate bool) (nats.KeyValue, error) {
	kv, err := js.KeyValue(name)
	if err == nil {
		return kv, nil
	}
	if !allowCreate {
		return nil, fmt.Errorf("open bucket %q: %w", name, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: name})
	if err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", name, err)
	}
	return kv, nil
}

// PutRule writes one rule unconditionally.
// Params: rule payload.
// Returns: encode/put error.
func (s *NATSStore) PutRule(_ context.Context, rule domain.AlertRule) error {
	body, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("encode rule: %w", err)
	}
	if _, err := s.rulesKV.Put(sanitize(rule.ID), body); err != nil {
		return fmt.Errorf("put rule: %w", err)
	}
	return nil
}

// GetRule reads one rule by ID.
// Params: rule ID.
// Returns: stored rule or ErrNotFound.
func (s *NATSStore) GetRule(_ context.Context, ruleID string) (domain.AlertRule, error) {
	entry, err := s.rulesKV.Get(sanitize(ruleID))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.AlertRule{}, ErrNotFound
		}
		return domain.AlertRule{}, fmt.Errorf("get rule: %w", err)
	}
	var rule domain.AlertRule
	if err := json.Unmarshal(entry.Value(), &rule); err != nil {
		return domain.AlertRule{}, fmt.Errorf("decode rule: %w", err)
	}
	return rule, nil
}

// DeleteRule removes one rule and its schedule record.
// Params: rule ID.
// Returns: delete error.
func (s *NATSStore) DeleteRule(_ context.Context, ruleID string) error {
	key := sanitize(ruleID)
	if err := s.rulesKV.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete rule: %w", err)
	}
	if err := s.schedulesKV.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

// ListRules returns all stored rules.
// Params: none.
// Returns: decoded rule slice.
func (s *NATSStore) ListRules(_ context.Context) ([]domain.AlertRule, error) {
	keys, err := s.rulesKV.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list rules: %w", err)
	}
	rules := make([]domain.AlertRule, 0, len(keys))
	for _, key := range keys {
		entry, err := s.rulesKV.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get rule %q: %w", key, err)
		}
		var rule domain.AlertRule
		if err := json.Unmarshal(entry.Value(), &rule); err != nil {
			return nil, fmt.Errorf("decode rule %q: %w", key, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// GetSchedule reads one schedule record and its KV revision.
// Params: rule ID.
// Returns: schedule, revision, or ErrNotFound.
func (s *NATSStore) GetSchedule(_ context.Context, ruleID string) (domain.RuleSchedule, uint64, error) {
	entry, err := s.schedulesKV.Get(sanitize(ruleID))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.RuleSchedule{}, 0, ErrNotFound
		}
		return domain.RuleSchedule{}, 0, fmt.Errorf("get schedule: %w", err)
	}
	var sched domain.RuleSchedule
	if err := json.Unmarshal(entry.Value(), &sched); err != nil {
		return domain.RuleSchedule{}, 0, fmt.Errorf("decode schedule: %w", err)
	}
	return sched, entry.Revision(), nil
}

// PutSchedule writes one schedule record unconditionally.
// Params: schedule payload.
// Returns: new KV revision.
func (s *NATSStore) PutSchedule(_ context.Context, sched domain.RuleSchedule) (uint64, error) {
	body, err := json.Marshal(sched)
	if err != nil {
		return 0, fmt.Errorf("encode schedule: %w", err)
	}
	rev, err := s.schedulesKV.Put(sanitize(sched.RuleID), body)
	if err != nil {
		return 0, fmt.Errorf("put schedule: %w", err)
	}
	return rev, nil
}

// UpdateSchedule replaces one schedule record using expected revision CAS.
// Params: expected revision and replacement payload.
// Returns: new KV revision or ErrConflict.
func (s *NATSStore) UpdateSchedule(_ context.Context, expectedRevision uint64, sched domain.RuleSchedule) (uint64, error) {
	body, err := json.Marshal(sched)
	if err != nil {
		return 0, fmt.Errorf("encode schedule: %w", err)
	}
	rev, err := s.schedulesKV.Update(sanitize(sched.RuleID), body, expectedRevision)
	if err != nil {
		return 0, classifyCASError("update schedule", err)
	}
	return rev, nil
}

// DeleteSchedule removes one schedule record.
// Params: rule ID.
// Returns: delete error.
func (s *NATSStore) DeleteSchedule(_ context.Context, ruleID string) error {
	if err := s.schedulesKV.Delete(sanitize(ruleID)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

// CreateAlert writes one alert and claims its open slot atomically.
// Params: alert payload with rule reference and dedup key.
// Returns: new alert revision or ErrConflict when the slot is taken.
func (s *NATSStore) CreateAlert(_ context.Context, alert domain.Alert) (uint64, error) {
	if _, err := s.slotsKV.Create(OpenSlotKey(alert.RuleID, alert.DedupKey), []byte(alert.ID)); err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("claim open slot: %w", err)
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return 0, fmt.Errorf("encode alert: %w", err)
	}
	rev, err := s.alertsKV.Put(sanitize(alert.ID), body)
	if err != nil {
		return 0, fmt.Errorf("put alert: %w", err)
	}
	return rev, nil
}

// GetAlert reads one alert and its KV revision.
// Params: alert ID.
// Returns: alert, revision, or ErrNotFound.
func (s *NATSStore) GetAlert(_ context.Context, alertID string) (domain.Alert, uint64, error) {
	entry, err := s.alertsKV.Get(sanitize(alertID))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.Alert{}, 0, ErrNotFound
		}
		return domain.Alert{}, 0, fmt.Errorf("get alert: %w", err)
	}
	var alert domain.Alert
	if err := json.Unmarshal(entry.Value(), &alert); err != nil {
		return domain.Alert{}, 0, fmt.Errorf("decode alert: %w", err)
	}
	return alert, entry.Revision(), nil
}

// UpdateAlert replaces one alert using expected revision CAS.
// Params: expected revision and replacement payload.
// Returns: new KV revision or ErrConflict.
func (s *NATSStore) UpdateAlert(_ context.Context, expectedRevision uint64, alert domain.Alert) (uint64, error) {
	body, err := json.Marshal(alert)
	if err != nil {
		return 0, fmt.Errorf("encode alert: %w", err)
	}
	rev, err := s.alertsKV.Update(sanitize(alert.ID), body, expectedRevision)
	if err != nil {
		return 0, classifyCASError("update alert", err)
	}
	return rev, nil
}

// OpenAlertID resolves the currently open alert for one (rule, dedup-key) pair.
// Params: rule ID and dedup key.
// Returns: alert ID or ErrNotFound.
func (s *NATSStore) OpenAlertID(_ context.Context, ruleID, dedupKey string) (string, error) {
	entry, err := s.slotsKV.Get(OpenSlotKey(ruleID, dedupKey))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get open slot: %w", err)
	}
	return string(entry.Value()), nil
}

// ReleaseOpenSlot frees the open slot after alert resolution.
// Params: rule ID and dedup key.
// Returns: delete error.
func (s *NATSStore) ReleaseOpenSlot(_ context.Context, ruleID, dedupKey string) error {
	if err := s.slotsKV.Delete(OpenSlotKey(ruleID, dedupKey)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("release open slot: %w", err)
	}
	return nil
}

// ListActiveAlertIDs lists alerts currently holding an open slot.
// Params: none.
// Returns: alert IDs read from the slot bucket.
func (s *NATSStore) ListActiveAlertIDs(_ context.Context) ([]string, error) {
	keys, err := s.slotsKV.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list open slots: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		entry, err := s.slotsKV.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get open slot %q: %w", key, err)
		}
		ids = append(ids, string(entry.Value()))
	}
	return ids, nil
}

// CreateAttempt writes one attempt record when none exists for its key.
// Params: attempt payload.
// Returns: new KV revision or ErrConflict when the record exists.
func (s *NATSStore) CreateAttempt(_ context.Context, attempt domain.NotificationAttempt) (uint64, error) {
	body, err := json.Marshal(attempt)
	if err != nil {
		return 0, fmt.Errorf("encode attempt: %w", err)
	}
	rev, err := s.attemptsKV.Create(AttemptKey(attempt.AlertID, attempt.Level, attempt.Channel), body)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("create attempt: %w", err)
	}
	return rev, nil
}

// GetAttempt reads one attempt record and its KV revision.
// Params: alert ID, escalation level, and channel name.
// Returns: attempt, revision, or ErrNotFound.
func (s *NATSStore) GetAttempt(_ context.Context, alertID string, level int, channel string) (domain.NotificationAttempt, uint64, error) {
	entry, err := s.attemptsKV.Get(AttemptKey(alertID, level, channel))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.NotificationAttempt{}, 0, ErrNotFound
		}
		return domain.NotificationAttempt{}, 0, fmt.Errorf("get attempt: %w", err)
	}
	var attempt domain.NotificationAttempt
	if err := json.Unmarshal(entry.Value(), &attempt); err != nil {
		return domain.NotificationAttempt{}, 0, fmt.Errorf("decode attempt: %w", err)
	}
	return attempt, entry.Revision(), nil
}

// UpdateAttempt replaces one attempt record using expected revision CAS.
// Params: expected revision and replacement payload.
// Returns: new KV revision or ErrConflict.
func (s *NATSStore) UpdateAttempt(_ context.Context, expectedRevision uint64, attempt domain.NotificationAttempt) (uint64, error) {
	body, err := json.Marshal(attempt)
	if err != nil {
		return 0, fmt.Errorf("encode attempt: %w", err)
	}
	rev, err := s.attemptsKV.Update(AttemptKey(attempt.AlertID, attempt.Level, attempt.Channel), body, expectedRevision)
	if err != nil {
		return 0, classifyCASError("update attempt", err)
	}
	return rev, nil
}

// ListAttempts returns attempt history for one alert.
// Params: alert ID.
// Returns: decoded attempts under the alert key prefix.
func (s *NATSStore) ListAttempts(_ context.Context, alertID string) ([]domain.NotificationAttempt, error) {
	keys, err := s.attemptsKV.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	prefix := sanitize(alertID) + "/"
	attempts := make([]domain.NotificationAttempt, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.attemptsKV.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get attempt %q: %w", key, err)
		}
		var attempt domain.NotificationAttempt
		if err := json.Unmarshal(entry.Value(), &attempt); err != nil {
			return nil, fmt.Errorf("decode attempt %q: %w", key, err)
		}
		attempts = append(attempts, attempt)
	}
	return attempts, nil
}

// Close closes the underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

// classifyCASError maps JetStream update failures onto store sentinel errors.
// Params: operation prefix and transport error.
// Returns: ErrConflict for sequence mismatches, wrapped error otherwise.
func classifyCASError(op string, err error) error {
	if errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence") {
		return ErrConflict
	}
	return fmt.Errorf("%s: %w", op, err)
}
