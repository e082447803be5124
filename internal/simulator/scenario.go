// Package simulator is an in-process analysis backend for development and
// tests. It emulates cold starts, staggered subtool completion, subtool and
// run failures, and outage windows.
package simulator

import (
	"fmt"
	"strings"
	"time"
)

// Outage is a window, relative to run creation, during which status
// requests for the run answer 503.
type Outage struct {
	Start time.Duration
	End   time.Duration
}

// Contains reports whether elapsed falls inside the window.
func (o Outage) Contains(elapsed time.Duration) bool {
	return elapsed >= o.Start && elapsed < o.End
}

// ParseOutage parses "START-END", e.g. "20s-35s".
func ParseOutage(s string) (Outage, error) {
	startStr, endStr, ok := strings.Cut(s, "-")
	if !ok {
		return Outage{}, fmt.Errorf("outage %q: expected START-END", s)
	}
	start, err := time.ParseDuration(strings.TrimSpace(startStr))
	if err != nil {
		return Outage{}, fmt.Errorf("outage %q: %w", s, err)
	}
	end, err := time.ParseDuration(strings.TrimSpace(endStr))
	if err != nil {
		return Outage{}, fmt.Errorf("outage %q: %w", s, err)
	}
	if end <= start {
		return Outage{}, fmt.Errorf("outage %q: end must be after start", s)
	}
	return Outage{Start: start, End: end}, nil
}

// Scenario describes how the simulated backend behaves.
type Scenario struct {
	// ColdStart is how long the backend answers 503 after its first request.
	ColdStart time.Duration

	// Delays holds per-subtool completion times measured from run creation.
	// Subtools without an entry use DefaultDelay.
	Delays       map[string]time.Duration
	DefaultDelay time.Duration

	// Failures marks subtools that report failure, with the message, once
	// their delay has elapsed.
	Failures map[string]string

	Outages []Outage

	// FailRunAfter fails the whole run after this long. Zero never fails it.
	FailRunAfter   time.Duration
	FailRunMessage string
}

// DefaultScenario completes the six subtools between 2s and 12s after a 10s
// cold start. With default polling the watcher sees two 503s, shows waking
// and connects on its third request, one short of the failure threshold.
func DefaultScenario() Scenario {
	return Scenario{
		ColdStart: 10 * time.Second,
		Delays: map[string]time.Duration{
			"volatility":        2 * time.Second,
			"riskMetrics":       2 * time.Second,
			"correlation":       4 * time.Second,
			"performance":       6 * time.Second,
			"riskDecomposition": 9 * time.Second,
			"strategies":        12 * time.Second,
		},
		DefaultDelay: 5 * time.Second,
	}
}

func (s Scenario) delay(subtool string) time.Duration {
	if d, ok := s.Delays[subtool]; ok {
		return d
	}
	return s.DefaultDelay
}

func (s Scenario) inOutage(elapsed time.Duration) bool {
	for _, o := range s.Outages {
		if o.Contains(elapsed) {
			return true
		}
	}
	return false
}
