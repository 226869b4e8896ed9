package dispatch

import (
	"sync"
	"time"

	"alertengine/internal/clock"
	"alertengine/internal/config"
	"alertengine/internal/metrics"
)

// breakerState is the circuit breaker position.
// Params: closed/half-open/open constants.
// Returns: state tag exported to the breaker gauge.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerHalfOpen
	breakerOpen
)

// Breaker trips one channel after consecutive delivery failures.
// Params: failure threshold and open-state cooldown.
// Returns: per-channel gate; open channels fail fast without consuming retries.
type Breaker struct {
	mu          sync.Mutex
	channel     string
	threshold   int
	cooldown    time.Duration
	clk         clock.Clock
	state       breakerState
	failures    int
	openedAt    time.Time
	halfProbing bool
}

// NewBreaker creates a closed breaker for one channel.
// Params: channel name, breaker config, and clock.
// Returns: initialized breaker.
func NewBreaker(channel string, cfg config.BreakerConfig, clk clock.Clock) *Breaker {
	b := &Breaker{
		channel:   channel,
		threshold: cfg.Threshold,
		cooldown:  time.Duration(cfg.CooldownSec) * time.Second,
		clk:       clk,
	}
	b.publish()
	return b
}

// Allow reports whether one delivery may proceed.
// Params: none.
// Returns: false while open; after the cooldown one half-open probe passes
// and further callers keep waiting for its verdict.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.clk.Now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = breakerHalfOpen
		b.halfProbing = true
		b.publish()
		return true
	case breakerHalfOpen:
		if b.halfProbing {
			return false
		}
		b.halfProbing = true
		return true
	}
	return false
}

// RecordSuccess registers one successful delivery.
// Params: none.
// Returns: breaker closes and the failure streak resets.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
	b.halfProbing = false
	b.publish()
}

// RecordFailure registers one failed delivery.
// Params: none.
// Returns: breaker opens once the consecutive failure streak hits the
// threshold; a failed half-open probe reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.state = breakerOpen
		b.openedAt = b.clk.Now()
		b.halfProbing = false
	}
	b.publish()
}

// publish mirrors the breaker state into the prometheus gauge.
// Params: none; caller holds the mutex.
// Returns: gauge updated.
func (b *Breaker) publish() {
	metrics.BreakerState.WithLabelValues(b.channel).Set(float64(b.state))
}
