package resilience

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig configures the delay between polls.
type BackoffConfig struct {
	Interval    time.Duration // Delay after a success (and before the first failure)
	MaxInterval time.Duration // Maximum delay cap
	Multiplier  float64       // Backoff multiplier per consecutive failure (e.g., 2.0 for doubling)
	Jitter      float64       // Jitter factor (0.0 to 1.0), applied only while failing
}

// DefaultBackoffConfig returns sensible defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Interval:    2 * time.Second,
		MaxInterval: 30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// Backoff tracks consecutive failures and derives the next poll delay.
// It is not safe for concurrent use; the owner serializes access.
type Backoff struct {
	cfg      BackoffConfig
	failures int
	rand     func() float64
}

// NewBackoff creates a backoff controller starting at the base interval.
func NewBackoff(cfg BackoffConfig) *Backoff {
	return &Backoff{cfg: cfg, rand: rand.Float64}
}

// Failures returns the current consecutive failure count.
func (b *Backoff) Failures() int {
	return b.failures
}

// Failure records a failed attempt and returns the delay before the next one.
func (b *Backoff) Failure() time.Duration {
	b.failures++
	return b.Next()
}

// Success clears the failure streak and returns the base interval.
func (b *Backoff) Success() time.Duration {
	b.failures = 0
	return b.cfg.Interval
}

// SetConfig replaces the delay parameters, keeping the failure streak.
func (b *Backoff) SetConfig(cfg BackoffConfig) {
	b.cfg = cfg
}

// Reset clears the failure streak without reporting a delay.
func (b *Backoff) Reset() {
	b.failures = 0
}

// Next returns the delay for the current failure streak.
func (b *Backoff) Next() time.Duration {
	return calculateDelay(b.cfg, b.failures, b.rand)
}

// calculateDelay computes interval * multiplier^failures, capped, with jitter.
func calculateDelay(cfg BackoffConfig, failures int, rnd func() float64) time.Duration {
	if failures <= 0 {
		return cfg.Interval
	}

	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(cfg.Interval) * math.Pow(multiplier, float64(failures))

	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}

	// Add jitter: delay * (1 ± jitter)
	if cfg.Jitter > 0 && rnd != nil {
		jitterRange := delay * cfg.Jitter
		delay = delay - jitterRange + (rnd() * 2 * jitterRange)
	}

	return time.Duration(delay)
}
