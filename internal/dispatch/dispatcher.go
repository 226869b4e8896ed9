package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"alertengine/internal/clock"
	"alertengine/internal/config"
	"alertengine/internal/domain"
	"alertengine/internal/metrics"
	"alertengine/internal/permanent"
	"alertengine/internal/state"
)

// channelBinding ties one sender to its retry policy and breaker.
// Params: sender, retry config, and breaker per channel.
// Returns: dispatch unit for one transport.
type channelBinding struct {
	sender  ChannelSender
	retry   config.RetryConfig
	breaker *Breaker
}

// Dispatcher delivers escalation notifications with per-channel retries,
// circuit breaking, and durable per-(alert, level, channel) dedup records.
// Params: state store, registered channel bindings, clock, and logger.
// Returns: at-most-once-per-triple delivery across repeated sweeps.
type Dispatcher struct {
	store        state.Store
	channels     map[string]*channelBinding
	pendingStale time.Duration
	clk          clock.Clock
	logger       *slog.Logger
}

// New creates an empty dispatcher.
// Params: state store, pending-claim staleness bound, clock, and logger.
// Returns: dispatcher awaiting channel registration. A pending attempt record
// older than the staleness bound is treated as abandoned by a crashed worker
// and reclaimed; live workers refresh the claim stamp within that bound.
func New(store state.Store, pendingStale time.Duration, clk clock.Clock, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:        store,
		channels:     make(map[string]*channelBinding),
		pendingStale: pendingStale,
		clk:          clk,
		logger:       logger.With("component", "dispatch"),
	}
}

// Register binds one channel sender with its retry and breaker policies.
// Params: sender, retry config, and breaker config.
// Returns: channel available for Notify calls.
func (d *Dispatcher) Register(sender ChannelSender, retry config.RetryConfig, breaker config.BreakerConfig) {
	d.channels[sender.Name()] = &channelBinding{
		sender:  sender,
		retry:   retry,
		breaker: NewBreaker(sender.Name(), breaker, d.clk),
	}
}

// Channels lists registered channel names.
// Params: none.
// Returns: names of channels Notify can serve.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	return names
}

// Notify delivers one (alert, level, channel) notification exactly once.
// Params: alert snapshot, escalation level, channel name, and recipients.
// Returns: nil even for exhausted deliveries; a delivery already sent or
// claimed by another sweep is skipped without touching the transport.
func (d *Dispatcher) Notify(ctx context.Context, alert domain.Alert, level int, channel string, recipients []string) error {
	binding, ok := d.channels[channel]
	if !ok {
		return fmt.Errorf("channel %q is not registered", channel)
	}

	attempt, revision, claimed, err := d.claim(ctx, alert.ID, level, channel, recipients)
	if err != nil {
		return err
	}
	if !claimed {
		metrics.DispatchAttemptsTotal.WithLabelValues(channel, "skipped").Inc()
		d.logger.Debug("notification already handled, skipping",
			"alert", alert.ID, "level", level, "channel", channel)
		return nil
	}

	if !binding.breaker.Allow() {
		// Open breaker fails the record without consuming retry attempts.
		attempt.Status = domain.AttemptFailed
		attempt.Error = "circuit breaker open"
		metrics.DispatchAttemptsTotal.WithLabelValues(channel, "skipped").Inc()
		d.logger.Warn("channel breaker open, deferring notification",
			"alert", alert.ID, "level", level, "channel", channel)
		return d.persist(ctx, revision, attempt)
	}

	payload := Payload{
		Alert:      alert,
		Level:      level,
		Recipients: recipients,
		Message:    FormatMessage(alert, level),
	}
	maxAttempts := binding.retry.MaxAttempts
	if !binding.retry.Enabled {
		maxAttempts = 1
	}

	for attempt.Attempts < maxAttempts {
		attempt.Attempts++
		attempt.LastAttemptAt = d.clk.Now().UTC()

		sendErr := binding.sender.Send(ctx, payload)
		if sendErr == nil {
			binding.breaker.RecordSuccess()
			attempt.Status = domain.AttemptSent
			attempt.Error = ""
			metrics.DispatchAttemptsTotal.WithLabelValues(channel, "sent").Inc()
			d.logger.Info("notification sent",
				"alert", alert.ID, "level", level, "channel", channel, "attempts", attempt.Attempts)
			return d.persist(ctx, revision, attempt)
		}

		binding.breaker.RecordFailure()
		attempt.Error = sendErr.Error()

		if permanent.Is(sendErr) {
			attempt.Status = domain.AttemptExhausted
			metrics.DispatchAttemptsTotal.WithLabelValues(channel, "exhausted").Inc()
			d.logger.Error("notification failed permanently",
				"alert", alert.ID, "level", level, "channel", channel, "error", sendErr)
			return d.persist(ctx, revision, attempt)
		}

		metrics.DispatchAttemptsTotal.WithLabelValues(channel, "failed").Inc()
		d.logger.Warn("notification attempt failed",
			"alert", alert.ID, "level", level, "channel", channel,
			"attempt", attempt.Attempts, "error", sendErr)

		if attempt.Attempts >= maxAttempts || !binding.breaker.Allow() {
			break
		}
		if err := d.sleep(ctx, backoffDelay(binding.retry, attempt.Attempts)); err != nil {
			attempt.Status = domain.AttemptFailed
			if persistErr := d.persist(ctx, revision, attempt); persistErr != nil {
				return persistErr
			}
			return err
		}
	}

	attempt.Status = domain.AttemptExhausted
	metrics.DispatchAttemptsTotal.WithLabelValues(channel, "exhausted").Inc()
	d.logger.Error("notification delivery exhausted",
		"alert", alert.ID, "level", level, "channel", channel,
		"attempts", attempt.Attempts, "error", attempt.Error)
	return d.persist(ctx, revision, attempt)
}

// claim obtains exclusive ownership of one (alert, level, channel) record.
// Params: attempt identity and recipients.
// Returns: owned attempt with revision; claimed=false when the record is
// already sent, exhausted, or held by a concurrent worker. A pending claim
// whose stamp is older than the staleness bound belongs to a worker that
// crashed before finishing; it is re-claimed so the notification is not lost.
func (d *Dispatcher) claim(ctx context.Context, alertID string, level int, channel string, recipients []string) (domain.NotificationAttempt, uint64, bool, error) {
	now := d.clk.Now().UTC()

	existing, revision, err := d.store.GetAttempt(ctx, alertID, level, channel)
	if err == nil {
		switch existing.Status {
		case domain.AttemptSent, domain.AttemptExhausted:
			return domain.NotificationAttempt{}, 0, false, nil
		case domain.AttemptPending:
			if now.Sub(existing.LastAttemptAt) < d.pendingStale {
				return domain.NotificationAttempt{}, 0, false, nil
			}
			d.logger.Warn("reclaiming stale pending notification",
				"alert", alertID, "level", level, "channel", channel,
				"stamped_at", existing.LastAttemptAt)
		}
		// Failed or stale-pending record from an earlier sweep: re-claim it.
		existing.Status = domain.AttemptPending
		existing.LastAttemptAt = now
		newRevision, updateErr := d.store.UpdateAttempt(ctx, revision, existing)
		if updateErr == state.ErrConflict {
			return domain.NotificationAttempt{}, 0, false, nil
		}
		if updateErr != nil {
			return domain.NotificationAttempt{}, 0, false, fmt.Errorf("reclaim attempt: %w", updateErr)
		}
		return existing, newRevision, true, nil
	}
	if err != state.ErrNotFound {
		return domain.NotificationAttempt{}, 0, false, fmt.Errorf("load attempt: %w", err)
	}

	attempt := domain.NotificationAttempt{
		ID:            uuid.NewString(),
		AlertID:       alertID,
		Level:         level,
		Channel:       channel,
		Recipients:    recipients,
		Status:        domain.AttemptPending,
		LastAttemptAt: now,
	}
	newRevision, err := d.store.CreateAttempt(ctx, attempt)
	if err == state.ErrConflict {
		return domain.NotificationAttempt{}, 0, false, nil
	}
	if err != nil {
		return domain.NotificationAttempt{}, 0, false, fmt.Errorf("create attempt: %w", err)
	}
	return attempt, newRevision, true, nil
}

// persist writes the final attempt state with a single CAS retry.
// Params: expected revision and attempt record.
// Returns: persistence error after the retry also conflicts.
func (d *Dispatcher) persist(ctx context.Context, revision uint64, attempt domain.NotificationAttempt) error {
	_, err := d.store.UpdateAttempt(ctx, revision, attempt)
	if err != state.ErrConflict {
		return err
	}

	fresh, freshRevision, err := d.store.GetAttempt(ctx, attempt.AlertID, attempt.Level, attempt.Channel)
	if err != nil {
		return err
	}
	attempt.ID = fresh.ID
	_, err = d.store.UpdateAttempt(ctx, freshRevision, attempt)
	return err
}

// sleep waits one backoff interval honoring cancellation.
// Params: backoff duration.
// Returns: ctx error when cancelled mid-wait.
func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoffDelay computes the exponential backoff before the next attempt.
// Params: retry config and number of attempts already made.
// Returns: initial doubled per attempt, capped at the configured maximum.
func backoffDelay(retry config.RetryConfig, attemptsMade int) time.Duration {
	delay := time.Duration(retry.InitialMS) * time.Millisecond
	maxDelay := time.Duration(retry.MaxMS) * time.Millisecond
	for i := 1; i < attemptsMade; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
