// Package backoff provides the consecutive-failure tracker that paces the
// wide-area resolver loop.
package backoff

import (
	"math"
	"time"
)

// Config controls the delay curve.
type Config struct {
	// BaseDelay is the delay with no recorded failures.
	BaseDelay time.Duration
	// MaxDelay caps the delay.
	MaxDelay time.Duration
	// Multiplier is applied once per consecutive failure.
	Multiplier float64
	// FailureThreshold pins the delay to MaxDelay once this many consecutive
	// failures have been recorded.
	FailureThreshold int
}

// DefaultConfig returns the delay curve used by the wide-area resolver.
func DefaultConfig() Config {
	return Config{
		BaseDelay:        5 * time.Second,
		MaxDelay:         2 * time.Minute,
		Multiplier:       2.0,
		FailureThreshold: 5,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	return c
}

// FailureTracker counts consecutive failures and derives the delay before the
// next attempt. Once the threshold is reached it keeps retrying at MaxDelay;
// it never refuses an attempt.
//
// A FailureTracker has a single owner and is not safe for concurrent use.
type FailureTracker struct {
	cfg                 Config
	consecutiveFailures int
}

// NewFailureTracker creates a tracker with no recorded failures.
func NewFailureTracker(cfg Config) *FailureTracker {
	return &FailureTracker{cfg: cfg.normalized()}
}

// RecordSuccess resets the failure count.
func (t *FailureTracker) RecordSuccess() {
	t.consecutiveFailures = 0
}

// RecordFailure increments the failure count.
func (t *FailureTracker) RecordFailure() {
	if t.consecutiveFailures < math.MaxInt32 {
		t.consecutiveFailures++
	}
}

// ConsecutiveFailures returns the current failure count.
func (t *FailureTracker) ConsecutiveFailures() int {
	return t.consecutiveFailures
}

// AtCeiling reports whether the threshold has been reached and the delay is
// pinned to MaxDelay.
func (t *FailureTracker) AtCeiling() bool {
	return t.consecutiveFailures >= t.cfg.FailureThreshold
}

// Delay returns the wait before the next attempt.
func (t *FailureTracker) Delay() time.Duration {
	n := t.consecutiveFailures
	if n == 0 {
		return t.cfg.BaseDelay
	}
	if t.AtCeiling() {
		return t.cfg.MaxDelay
	}

	d := float64(t.cfg.BaseDelay) * math.Pow(t.cfg.Multiplier, float64(n))
	if d >= float64(t.cfg.MaxDelay) {
		return t.cfg.MaxDelay
	}
	return time.Duration(d)
}
