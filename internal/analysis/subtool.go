// Package analysis polls a backend analysis run, merges subtool results as
// they arrive, and derives progress and connection health for consumers.
package analysis

import (
	"fmt"
	"strings"
)

// Subtool names one independently completing sub-computation of a run.
type Subtool string

const (
	Correlation       Subtool = "correlation"
	RiskMetrics       Subtool = "riskMetrics"
	Performance       Subtool = "performance"
	Volatility        Subtool = "volatility"
	RiskDecomposition Subtool = "riskDecomposition"
	Strategies        Subtool = "strategies"
)

var knownSubtools = []Subtool{
	Correlation,
	RiskMetrics,
	Performance,
	Volatility,
	RiskDecomposition,
	Strategies,
}

// DefaultSubtools returns every known subtool in canonical order.
func DefaultSubtools() []Subtool {
	out := make([]Subtool, len(knownSubtools))
	copy(out, knownSubtools)
	return out
}

// Valid reports whether s is a known subtool.
func (s Subtool) Valid() bool {
	for _, k := range knownSubtools {
		if s == k {
			return true
		}
	}
	return false
}

func (s Subtool) String() string {
	return string(s)
}

// ParseSubtools validates names and removes duplicates, keeping first-seen order.
func ParseSubtools(names []string) ([]Subtool, error) {
	seen := make(map[Subtool]bool, len(names))
	out := make([]Subtool, 0, len(names))
	for _, n := range names {
		s := Subtool(strings.TrimSpace(n))
		if !s.Valid() {
			return nil, fmt.Errorf("unknown subtool %q", n)
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out, nil
}

func subtoolNames(subtools []Subtool) []string {
	out := make([]string, len(subtools))
	for i, s := range subtools {
		out[i] = string(s)
	}
	return out
}
