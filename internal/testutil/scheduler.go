package testutil

import (
	"sync"
	"time"
)

// ManualScheduler runs scheduled callbacks only when the test advances time.
// Callbacks run synchronously on the goroutine calling Advance.
type ManualScheduler struct {
	mu     sync.Mutex
	clock  *FakeClock
	timers []*manualTimer
	seq    int
}

type manualTimer struct {
	due time.Time
	seq int
	fn  func()
}

// NewManualScheduler creates a scheduler driven by clock.
func NewManualScheduler(clock *FakeClock) *ManualScheduler {
	return &ManualScheduler{clock: clock}
}

// Schedule registers fn to run once d has elapsed on the fake clock.
func (s *ManualScheduler) Schedule(d time.Duration, fn func()) func() bool {
	s.mu.Lock()
	t := &manualTimer{due: s.clock.Now().Add(d), seq: s.seq, fn: fn}
	s.seq++
	s.timers = append(s.timers, t)
	s.mu.Unlock()

	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.remove(t)
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// NextDelay returns the time until the earliest pending timer.
func (s *ManualScheduler) NextDelay() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.earliest(time.Time{})
	if t == nil {
		return 0, false
	}
	return t.due.Sub(s.clock.Now()), true
}

// Advance moves the clock forward by d, firing due timers in order.
func (s *ManualScheduler) Advance(d time.Duration) {
	target := s.clock.Now().Add(d)
	for {
		s.mu.Lock()
		t := s.earliest(target)
		if t != nil {
			s.remove(t)
		}
		s.mu.Unlock()
		if t == nil {
			break
		}
		s.clock.Set(t.due)
		t.fn()
	}
	s.clock.Set(target)
}

// earliest returns the first timer due at or before limit. A zero limit
// matches any timer.
func (s *ManualScheduler) earliest(limit time.Time) *manualTimer {
	var best *manualTimer
	for _, t := range s.timers {
		if !limit.IsZero() && t.due.After(limit) {
			continue
		}
		if best == nil || t.due.Before(best.due) || (t.due.Equal(best.due) && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

func (s *ManualScheduler) remove(t *manualTimer) bool {
	for i, x := range s.timers {
		if x == t {
			s.timers = append(s.timers[:i], s.timers[i+1:]...)
			return true
		}
	}
	return false
}
