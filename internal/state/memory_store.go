package state

import (
	"context"
	"sort"
	"strings"
	"sync"

	"alertengine/internal/domain"
)

// MemoryStore keeps engine state in process memory for single-instance mode.
// Params: in-memory maps for rules, alerts, schedules, and attempts.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu        sync.RWMutex
	rules     map[string]domain.AlertRule
	schedules map[string]revisioned[domain.RuleSchedule]
	alerts    map[string]revisioned[domain.Alert]
	openSlots map[string]string
	attempts  map[string]revisioned[domain.NotificationAttempt]
}

type revisioned[T any] struct {
	value    T
	revision uint64
}

// NewMemoryStore creates an empty in-memory state store.
// Params: none.
// Returns: initialized in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:     make(map[string]domain.AlertRule),
		schedules: make(map[string]revisioned[domain.RuleSchedule]),
		alerts:    make(map[string]revisioned[domain.Alert]),
		openSlots: make(map[string]string),
		attempts:  make(map[string]revisioned[domain.NotificationAttempt]),
	}
}

// PutRule writes one rule unconditionally.
// Params: rule payload.
// Returns: nil (in-memory update).
func (s *MemoryStore) PutRule(_ context.Context, rule domain.AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = rule
	return nil
}

// GetRule reads one rule by ID.
// Params: rule ID.
// Returns: stored rule or ErrNotFound.
func (s *MemoryStore) GetRule(_ context.Context, ruleID string) (domain.AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[ruleID]
	if !ok {
		return domain.AlertRule{}, ErrNotFound
	}
	return rule, nil
}

// DeleteRule removes one rule and its schedule record.
// Params: rule ID.
// Returns: nil (in-memory delete).
func (s *MemoryStore) DeleteRule(_ context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, ruleID)
	delete(s.schedules, ruleID)
	return nil
}

// ListRules returns all rules in deterministic order.
// Params: none.
// Returns: rules sorted by ID.
func (s *MemoryStore) ListRules(_ context.Context) ([]domain.AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rules := make([]domain.AlertRule, 0, len(s.rules))
	for _, rule := range s.rules {
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

// GetSchedule reads one schedule record and its revision.
// Params: rule ID.
// Returns: schedule, revision, or ErrNotFound.
func (s *MemoryStore) GetSchedule(_ context.Context, ruleID string) (domain.RuleSchedule, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.schedules[ruleID]
	if !ok {
		return domain.RuleSchedule{}, 0, ErrNotFound
	}
	return entry.value, entry.revision, nil
}

// PutSchedule writes one schedule record unconditionally.
// Params: schedule payload.
// Returns: new revision.
func (s *MemoryStore) PutSchedule(_ context.Context, sched domain.RuleSchedule) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev := s.schedules[sched.RuleID].revision + 1
	s.schedules[sched.RuleID] = revisioned[domain.RuleSchedule]{value: sched, revision: rev}
	return rev, nil
}

// UpdateSchedule replaces one schedule record using expected revision CAS.
// Params: expected revision and replacement payload.
// Returns: new revision, ErrNotFound, or ErrConflict.
func (s *MemoryStore) UpdateSchedule(_ context.Context, expectedRevision uint64, sched domain.RuleSchedule) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.schedules[sched.RuleID]
	if !ok {
		return 0, ErrNotFound
	}
	if entry.revision != expectedRevision {
		return 0, ErrConflict
	}
	rev := expectedRevision + 1
	s.schedules[sched.RuleID] = revisioned[domain.RuleSchedule]{value: sched, revision: rev}
	return rev, nil
}

// DeleteSchedule removes one schedule record.
// Params: rule ID.
// Returns: nil (in-memory delete).
func (s *MemoryStore) DeleteSchedule(_ context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, ruleID)
	return nil
}

// CreateAlert writes one alert and claims its open slot atomically.
// Params: alert payload with rule reference and dedup key.
// Returns: new revision or ErrConflict when the slot is taken.
func (s *MemoryStore) CreateAlert(_ context.Context, alert domain.Alert) (uint64, error) {
	slot := OpenSlotKey(alert.RuleID, alert.DedupKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.openSlots[slot]; taken {
		return 0, ErrConflict
	}
	s.openSlots[slot] = alert.ID
	entry := revisioned[domain.Alert]{value: alert, revision: 1}
	s.alerts[alert.ID] = entry
	return entry.revision, nil
}

// GetAlert reads one alert and its revision.
// Params: alert ID.
// Returns: alert, revision, or ErrNotFound.
func (s *MemoryStore) GetAlert(_ context.Context, alertID string) (domain.Alert, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.alerts[alertID]
	if !ok {
		return domain.Alert{}, 0, ErrNotFound
	}
	return entry.value, entry.revision, nil
}

// UpdateAlert replaces one alert using expected revision CAS.
// Params: expected revision and replacement payload.
// Returns: new revision, ErrNotFound, or ErrConflict.
func (s *MemoryStore) UpdateAlert(_ context.Context, expectedRevision uint64, alert domain.Alert) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.alerts[alert.ID]
	if !ok {
		return 0, ErrNotFound
	}
	if entry.revision != expectedRevision {
		return 0, ErrConflict
	}
	rev := expectedRevision + 1
	s.alerts[alert.ID] = revisioned[domain.Alert]{value: alert, revision: rev}
	return rev, nil
}

// OpenAlertID resolves the currently open alert for one (rule, dedup-key) pair.
// Params: rule ID and dedup key.
// Returns: alert ID or ErrNotFound.
func (s *MemoryStore) OpenAlertID(_ context.Context, ruleID, dedupKey string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alertID, ok := s.openSlots[OpenSlotKey(ruleID, dedupKey)]
	if !ok {
		return "", ErrNotFound
	}
	return alertID, nil
}

// ReleaseOpenSlot frees the open slot after alert resolution.
// Params: rule ID and dedup key.
// Returns: nil (in-memory delete).
func (s *MemoryStore) ReleaseOpenSlot(_ context.Context, ruleID, dedupKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.openSlots, OpenSlotKey(ruleID, dedupKey))
	return nil
}

// ListActiveAlertIDs lists alerts currently holding an open slot.
// Params: none.
// Returns: sorted alert IDs.
func (s *MemoryStore) ListActiveAlertIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.openSlots))
	for _, alertID := range s.openSlots {
		ids = append(ids, alertID)
	}
	sort.Strings(ids)
	return ids, nil
}

// CreateAttempt writes one attempt record when none exists for its key.
// Params: attempt payload.
// Returns: new revision or ErrConflict when the record exists.
func (s *MemoryStore) CreateAttempt(_ context.Context, attempt domain.NotificationAttempt) (uint64, error) {
	key := AttemptKey(attempt.AlertID, attempt.Level, attempt.Channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.attempts[key]; exists {
		return 0, ErrConflict
	}
	entry := revisioned[domain.NotificationAttempt]{value: attempt, revision: 1}
	s.attempts[key] = entry
	return entry.revision, nil
}

// GetAttempt reads one attempt record and its revision.
// Params: alert ID, escalation level, and channel name.
// Returns: attempt, revision, or ErrNotFound.
func (s *MemoryStore) GetAttempt(_ context.Context, alertID string, level int, channel string) (domain.NotificationAttempt, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.attempts[AttemptKey(alertID, level, channel)]
	if !ok {
		return domain.NotificationAttempt{}, 0, ErrNotFound
	}
	return entry.value, entry.revision, nil
}

// UpdateAttempt replaces one attempt record using expected revision CAS.
// Params: expected revision and replacement payload.
// Returns: new revision, ErrNotFound, or ErrConflict.
func (s *MemoryStore) UpdateAttempt(_ context.Context, expectedRevision uint64, attempt domain.NotificationAttempt) (uint64, error) {
	key := AttemptKey(attempt.AlertID, attempt.Level, attempt.Channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.attempts[key]
	if !ok {
		return 0, ErrNotFound
	}
	if entry.revision != expectedRevision {
		return 0, ErrConflict
	}
	rev := expectedRevision + 1
	s.attempts[key] = revisioned[domain.NotificationAttempt]{value: attempt, revision: rev}
	return rev, nil
}

// ListAttempts returns attempt history for one alert.
// Params: alert ID.
// Returns: attempts sorted by level then channel.
func (s *MemoryStore) ListAttempts(_ context.Context, alertID string) ([]domain.NotificationAttempt, error) {
	prefix := sanitize(alertID) + "/"
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempts := make([]domain.NotificationAttempt, 0)
	for key, entry := range s.attempts {
		if strings.HasPrefix(key, prefix) {
			attempts = append(attempts, entry.value)
		}
	}
	sort.Slice(attempts, func(i, j int) bool {
		if attempts[i].Level != attempts[j].Level {
			return attempts[i].Level < attempts[j].Level
		}
		return attempts[i].Channel < attempts[j].Channel
	})
	return attempts, nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}
