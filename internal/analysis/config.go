package analysis

import (
	"time"

	"github.com/chr1sbest/analysiswatch/internal/resilience"
)

// Config controls polling for a run.
type Config struct {
	// Subtools is the expected set for each run. Empty means DefaultSubtools.
	Subtools []Subtool

	Interval           time.Duration
	MaxDuration        time.Duration
	RequestTimeout     time.Duration
	ColdStartThreshold time.Duration
	FailureThreshold   int
	SubtoolGracePeriod time.Duration
	MaxInterval        time.Duration
	BackoffMultiplier  float64
	Jitter             float64
}

// DefaultConfig returns the default polling settings.
func DefaultConfig() Config {
	return Config{
		Subtools:           DefaultSubtools(),
		Interval:           2 * time.Second,
		MaxDuration:        5 * time.Minute,
		RequestTimeout:     15 * time.Second,
		ColdStartThreshold: 10 * time.Second,
		FailureThreshold:   3,
		SubtoolGracePeriod: 30 * time.Second,
		MaxInterval:        30 * time.Second,
		BackoffMultiplier:  2.0,
		Jitter:             0.1,
	}
}

// withDefaults fills zero fields from DefaultConfig. Jitter and
// SubtoolGracePeriod keep explicit zero values.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if len(c.Subtools) == 0 {
		c.Subtools = d.Subtools
	} else {
		c.Subtools = append([]Subtool(nil), c.Subtools...)
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = d.MaxDuration
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.ColdStartThreshold <= 0 {
		c.ColdStartThreshold = d.ColdStartThreshold
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SubtoolGracePeriod < 0 {
		c.SubtoolGracePeriod = 0
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.MaxInterval < c.Interval {
		c.MaxInterval = c.Interval
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = d.Jitter
	}
	return c
}

func (c Config) backoff() resilience.BackoffConfig {
	return resilience.BackoffConfig{
		Interval:    c.Interval,
		MaxInterval: c.MaxInterval,
		Multiplier:  c.BackoffMultiplier,
		Jitter:      c.Jitter,
	}
}

func (c Config) classifier() ClassifierConfig {
	return ClassifierConfig{
		ColdStartThreshold: c.ColdStartThreshold,
		FailureThreshold:   c.FailureThreshold,
	}
}
