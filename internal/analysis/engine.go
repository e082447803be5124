package analysis

import (
	"strings"
	"sync"

	"github.com/chr1sbest/analysiswatch/internal/backend"
	"github.com/chr1sbest/analysiswatch/internal/logger"
)

// Engine is the public entry point. It owns at most one active run session
// and republishes its snapshots to subscribers.
type Engine struct {
	fetcher backend.Fetcher
	sched   Scheduler
	clock   Clock
	log     logger.Logger

	mu      sync.Mutex
	cfg     Config
	session *Poller
	snap    Snapshot
	subs    map[uint64]func(Snapshot)
	nextSub uint64
	closed  bool

	// queue holds snapshots awaiting delivery. Only the goroutine that set
	// dispatching calls subscribers.
	queue       []Snapshot
	dispatching bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the polling configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg.withDefaults() }
}

// WithScheduler replaces the timer-based scheduler.
func WithScheduler(s Scheduler) Option {
	return func(e *Engine) {
		if s != nil {
			e.sched = s
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger sets the logger. Session loggers add a run_id field.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// NewEngine creates an idle engine polling through fetcher.
func NewEngine(fetcher backend.Fetcher, opts ...Option) *Engine {
	e := &Engine{
		fetcher: fetcher,
		sched:   timerScheduler{},
		clock:   realClock{},
		log:     logger.NewNoopLogger(),
		cfg:     DefaultConfig(),
		subs:    make(map[uint64]func(Snapshot)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.snap = idleSnapshot("")
	return e
}

// SetRun makes runID the active run. A different run discards all state of
// the previous one and starts polling with a fresh session; the same run is
// a no-op. An empty runID detaches.
func (e *Engine) SetRun(runID string) error {
	runID = strings.TrimSpace(runID)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.session != nil && e.session.RunID() == runID {
		e.mu.Unlock()
		return nil
	}
	if e.session == nil && runID == "" {
		e.mu.Unlock()
		return nil
	}

	var next *Poller
	if runID != "" {
		var err error
		next, err = NewPoller(runID, PollerOptions{
			Config:    e.cfg,
			Fetcher:   e.fetcher,
			Scheduler: e.sched,
			Clock:     e.clock,
			Logger:    e.log.WithFields(logger.F("run_id", runID)),
			OnChange: func(s Snapshot) {
				e.publish(next, s)
			},
		})
		if err != nil {
			e.mu.Unlock()
			return err
		}
	}
	prev := e.session
	e.session = next
	e.snap = idleSnapshot(runID)
	idle := e.snap
	e.mu.Unlock()

	if prev != nil {
		prev.Stop()
		e.log.Info("run detached", logger.F("run_id", prev.RunID()))
	}
	if next == nil {
		e.notify(idle)
		return nil
	}
	next.Start()
	return nil
}

// RunID returns the active run, or "" when detached.
func (e *Engine) RunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return ""
	}
	return e.session.RunID()
}

// Snapshot returns the latest published state of the active run.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap
}

// Retry restarts polling of the active run after an error, keeping resolved
// results and progress.
func (e *Engine) Retry() {
	e.mu.Lock()
	p := e.session
	e.mu.Unlock()
	if p != nil {
		p.Retry()
	}
}

// SetConfig replaces the polling configuration. Timing changes apply to the
// active run from its next tick; subtool changes apply to the next run.
func (e *Engine) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	e.cfg = cfg
	p := e.session
	e.mu.Unlock()
	if p != nil {
		p.Reconfigure(cfg)
	}
}

// Subscribe registers fn for every published snapshot and returns a function
// that unregisters it. Callbacks are serialized and receive snapshots in
// publication order. A callback may call Retry, SetRun or Close; what those
// publish is delivered after the callback returns.
func (e *Engine) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

// Close stops the active run and releases subscribers.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	p := e.session
	e.session = nil
	e.subs = make(map[uint64]func(Snapshot))
	e.mu.Unlock()

	if p != nil {
		p.Stop()
	}
}

// publish records s if it came from the active session and is newer than
// the last snapshot, then notifies subscribers.
func (e *Engine) publish(from *Poller, s Snapshot) {
	e.mu.Lock()
	if from == nil || e.session != from || s.seq <= e.snap.seq {
		e.mu.Unlock()
		return
	}
	e.snap = s
	e.queue = append(e.queue, s)
	e.mu.Unlock()

	e.dispatch()
}

func (e *Engine) notify(s Snapshot) {
	e.mu.Lock()
	e.queue = append(e.queue, s)
	e.mu.Unlock()

	e.dispatch()
}

// dispatch delivers queued snapshots unless another call is already doing
// so, in which case that call picks them up.
func (e *Engine) dispatch() {
	e.mu.Lock()
	if e.dispatching {
		e.mu.Unlock()
		return
	}
	e.dispatching = true
	for len(e.queue) > 0 {
		s := e.queue[0]
		e.queue = e.queue[1:]
		subs := e.subscribersLocked()
		e.mu.Unlock()

		for _, fn := range subs {
			fn(s)
		}
		e.mu.Lock()
	}
	e.dispatching = false
	e.mu.Unlock()
}

func (e *Engine) subscribersLocked() []func(Snapshot) {
	out := make([]func(Snapshot), 0, len(e.subs))
	for _, fn := range e.subs {
		out = append(out, fn)
	}
	return out
}

func idleSnapshot(runID string) Snapshot {
	return Snapshot{
		RunID:            runID,
		ConnectionStatus: StatusConnecting,
	}
}
