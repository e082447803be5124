package analysis

import "time"

// Scheduler runs fn once after d. The returned stop function cancels the
// call and reports whether it was still pending.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) (stop func() bool)
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type timerScheduler struct{}

func (timerScheduler) Schedule(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}
