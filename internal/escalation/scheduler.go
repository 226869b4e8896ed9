package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"alertengine/internal/clock"
	"alertengine/internal/config"
	"alertengine/internal/domain"
	"alertengine/internal/lifecycle"
	"alertengine/internal/oncall"
	"alertengine/internal/state"
)

// Lifecycle is the subset of alert transitions the scheduler drives.
// Params: suppression revert and escalation advance operations.
// Returns: CAS-guarded transitions owned by the lifecycle manager.
type Lifecycle interface {
	RevertSuppression(ctx context.Context, alertID string) (domain.Alert, error)
	AdvanceEscalation(ctx context.Context, alertID string, rule domain.AlertRule) (domain.EscalationLevel, int, error)
}

// Notifier delivers one escalation notification per channel.
// Params: alert snapshot, level index, channel, and recipients.
// Returns: delivery handled with dedup and retries by the dispatcher.
type Notifier interface {
	Notify(ctx context.Context, alert domain.Alert, level int, channel string, recipients []string) error
}

// Scheduler walks active alerts and fires due escalation timers.
// Params: store, lifecycle transitions, notifier, on-call resolver, clock, logger.
// Returns: durable-timer escalation processing shared across sweeps.
type Scheduler struct {
	store           state.Store
	alerts          Lifecycle
	notifier        Notifier
	resolver        oncall.Resolver
	clk             clock.Clock
	logger          *slog.Logger
	dispatchTimeout time.Duration
	sem             chan struct{}
	wg              sync.WaitGroup
}

// New creates an escalation scheduler.
// Params: store, lifecycle manager, notifier, on-call resolver, service config, clock, and logger.
// Returns: initialized scheduler with a dispatch pool bounded by the worker count.
func New(store state.Store, alerts Lifecycle, notifier Notifier, resolver oncall.Resolver, cfg config.ServiceConfig, clk clock.Clock, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:           store,
		alerts:          alerts,
		notifier:        notifier,
		resolver:        resolver,
		clk:             clk,
		logger:          logger.With("component", "escalation"),
		dispatchTimeout: time.Duration(cfg.DispatchTimeoutSec) * time.Second,
		sem:             make(chan struct{}, cfg.Workers),
	}
}

// Sweep processes every active alert with a due timer once.
// Params: none beyond cancellation.
// Returns: nil; per-alert failures are logged so one broken alert cannot
// stall the rest of the sweep.
func (s *Scheduler) Sweep(ctx context.Context) error {
	ids, err := s.store.ListActiveAlertIDs(ctx)
	if err != nil {
		return fmt.Errorf("list active alerts: %w", err)
	}

	for _, alertID := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.ProcessAlert(ctx, alertID); err != nil {
			s.logger.Error("escalation processing failed", "alert", alertID, "error", err)
		}
	}
	return nil
}

// ProcessAlert handles due work for one active alert.
// Params: alert ID.
// Returns: error for unexpected store failures; expired suppressions revert
// first, then a due open alert fires its current level.
func (s *Scheduler) ProcessAlert(ctx context.Context, alertID string) error {
	alert, _, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		if err == state.ErrNotFound {
			return nil
		}
		return fmt.Errorf("load alert: %w", err)
	}
	now := s.clk.Now().UTC()

	if alert.Status == domain.StatusSuppressed {
		if alert.SuppressedUntil == nil || now.Before(*alert.SuppressedUntil) {
			return nil
		}
		reverted, err := s.alerts.RevertSuppression(ctx, alertID)
		if err != nil {
			if errors.Is(err, lifecycle.ErrInvalidTransition) {
				return nil
			}
			return fmt.Errorf("revert suppression: %w", err)
		}
		alert = reverted
	}

	if alert.Status != domain.StatusOpen || alert.NextEscalationAt == nil || now.Before(*alert.NextEscalationAt) {
		return nil
	}

	rule, err := s.store.GetRule(ctx, alert.RuleID)
	if err != nil {
		return fmt.Errorf("load rule %s: %w", alert.RuleID, err)
	}

	level, firedIndex, err := s.alerts.AdvanceEscalation(ctx, alertID, rule)
	if err != nil {
		if errors.Is(err, lifecycle.ErrExhausted) || errors.Is(err, lifecycle.ErrInvalidTransition) {
			// Policy ran out or a concurrent transition won; both are terminal for this sweep.
			s.logger.Debug("escalation not advanced", "alert", alertID, "reason", err)
			return nil
		}
		return fmt.Errorf("advance escalation: %w", err)
	}

	recipients := s.resolveRecipients(level, now, alertID)
	channels := level.Channels
	if len(channels) == 0 {
		channels = rule.Channels
	}
	if len(channels) == 0 {
		s.logger.Warn("escalation level has no channels", "alert", alertID, "level", firedIndex)
		return nil
	}

	for _, channel := range channels {
		s.dispatch(ctx, alert, firedIndex, channel, recipients)
	}
	return nil
}

// dispatch hands one channel delivery to the bounded dispatch pool.
// Params: alert snapshot, fired level, channel, and recipients.
// Returns: without waiting for the delivery; each dispatch runs under its own
// timeout so a slow or retrying channel cannot stall the sweep of other
// alerts. The dispatcher's durable attempt claim keeps concurrent deliveries
// of the same (alert, level, channel) exclusive.
func (s *Scheduler) dispatch(ctx context.Context, alert domain.Alert, level int, channel string, recipients []string) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()

		dispatchCtx, cancel := context.WithTimeout(ctx, s.dispatchTimeout)
		defer cancel()
		if err := s.notifier.Notify(dispatchCtx, alert, level, channel, recipients); err != nil {
			s.logger.Error("notification dispatch failed",
				"alert", alert.ID, "level", level, "channel", channel, "error", err)
		}
	}()
}

// Wait blocks until every in-flight dispatch has finished.
// Params: none.
// Returns: after the dispatch pool drains; used at shutdown and by tests.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// resolveRecipients merges static level recipients with the on-call rotation.
// Params: fired level, fire time, and alert ID for logging.
// Returns: recipient list; the rotation is resolved at fire time so shift
// changes between open and escalation pick the current responder.
func (s *Scheduler) resolveRecipients(level domain.EscalationLevel, at time.Time, alertID string) []string {
	recipients := append([]string(nil), level.Recipients...)
	if level.OnCallRef == "" {
		return recipients
	}

	resolved, err := s.resolver.Resolve(level.OnCallRef, at)
	if err != nil {
		s.logger.Error("oncall resolution failed, using static recipients",
			"alert", alertID, "rotation", level.OnCallRef, "error", err)
		return recipients
	}
	return append(recipients, resolved...)
}
