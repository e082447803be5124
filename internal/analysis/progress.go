package analysis

import "math"

// ComputeProgress returns the rounded percentage of resolved subtools,
// excluding failed ones from the denominator.
func ComputeProgress(total, resolved, failed int) int {
	if total <= 0 {
		return 0
	}
	denom := total - failed
	if denom <= 0 {
		return 100
	}
	p := int(math.Round(100 * float64(resolved) / float64(denom)))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Progress tracks the published percentage for one run and never regresses.
// A new run gets a new Progress.
type Progress struct {
	total int
	last  int
}

// NewProgress creates a calculator for total expected subtools.
func NewProgress(total int) *Progress {
	return &Progress{total: total}
}

// Update computes the percentage and returns it, or the previous value if
// the new one would be lower.
func (p *Progress) Update(resolved, failed int) int {
	if v := ComputeProgress(p.total, resolved, failed); v > p.last {
		p.last = v
	}
	return p.last
}

// Value returns the last published percentage.
func (p *Progress) Value() int {
	return p.last
}
