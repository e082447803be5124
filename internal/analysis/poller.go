package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chr1sbest/analysiswatch/internal/backend"
	"github.com/chr1sbest/analysiswatch/internal/logger"
	"github.com/chr1sbest/analysiswatch/internal/metrics"
	"github.com/chr1sbest/analysiswatch/internal/resilience"
)

const missingFromCompletedRun = "missing from completed run"

// PollerOptions holds the collaborators of a Poller.
type PollerOptions struct {
	Config    Config
	Fetcher   backend.Fetcher
	Scheduler Scheduler
	Clock     Clock
	Logger    logger.Logger

	// OnChange receives every published snapshot. It is called without the
	// poller's lock held.
	OnChange func(Snapshot)
}

// Poller owns the fetch loop for exactly one run. All state it holds is
// discarded with it when the run changes.
type Poller struct {
	runID    string
	fetcher  backend.Fetcher
	sched    Scheduler
	clock    Clock
	log      logger.Logger
	onChange func(Snapshot)

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	cfg          Config
	expected     map[Subtool]bool
	store        *Store
	progress     *Progress
	backoff      *resilience.Backoff
	failures     map[Subtool]*SubtoolFailure
	loadingStart time.Time
	succeeded    bool
	fatal        bool
	err          error
	reason       Reason
	runStatus    backend.RunStatus
	conn         ConnectionStatus
	epoch        uint64
	seq          uint64
	started      bool
	running      bool
	stopped      bool
	inFlight     bool
	cancelFetch  context.CancelFunc
	stopTimer    func() bool
	stopWake     func() bool
}

// NewPoller creates a poller for runID. Call Start to begin polling.
func NewPoller(runID string, opts PollerOptions) (*Poller, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, errors.New("runID is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Scheduler == nil {
		opts.Scheduler = timerScheduler{}
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNoopLogger()
	}

	cfg := opts.Config.withDefaults()
	expected := make(map[Subtool]bool, len(cfg.Subtools))
	for _, s := range cfg.Subtools {
		expected[s] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		runID:    runID,
		fetcher:  opts.Fetcher,
		sched:    opts.Scheduler,
		clock:    opts.Clock,
		log:      opts.Logger,
		onChange: opts.OnChange,
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		expected: expected,
		store:    NewStore(),
		progress: NewProgress(len(cfg.Subtools)),
		backoff:  resilience.NewBackoff(cfg.backoff()),
		failures: make(map[Subtool]*SubtoolFailure),
		conn:     StatusConnecting,
	}, nil
}

// RunID returns the run this poller tracks.
func (p *Poller) RunID() string {
	return p.runID
}

// Start captures the loading start time and schedules the first tick
// immediately. It is a no-op after the first call or after Stop.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.running = true
	p.loadingStart = p.clock.Now()
	p.log.Info("polling started",
		logger.F("subtools", len(p.cfg.Subtools)),
		logger.F("interval", p.cfg.Interval),
		logger.F("max_duration", p.cfg.MaxDuration))
	p.scheduleLocked(0)
	p.scheduleWakeLocked(p.loadingStart)
	snap := p.snapshotLocked()
	p.mu.Unlock()

	p.publish(snap)
}

// Stop halts polling, cancels any in-flight fetch and discards its result.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.running = false
	p.epoch++
	p.abortLocked()
	p.mu.Unlock()

	p.cancel()
	p.log.Debug("polling stopped")
}

// Retry clears a terminal error and restarts polling for the subtools that
// are still pending. Resolved results and published progress are kept.
func (p *Poller) Retry() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.epoch++
	p.abortLocked()
	p.err = nil
	p.reason = ReasonNone
	p.fatal = false
	p.succeeded = false
	p.backoff.Reset()
	p.running = true
	now := p.clock.Now()
	p.loadingStart = now
	p.reclassifyLocked(now)
	p.log.Info("retrying",
		logger.F("resolved", p.store.Results().Len()),
		logger.F("pending", len(p.pendingLocked())))
	p.scheduleLocked(0)
	p.scheduleWakeLocked(now)
	snap := p.snapshotLocked()
	p.mu.Unlock()

	p.publish(snap)
}

// Reconfigure replaces timing settings for subsequent ticks. The expected
// subtool set of the run does not change.
func (p *Poller) Reconfigure(cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg.Subtools = p.cfg.Subtools
	p.cfg = cfg
	p.backoff.SetConfig(cfg.backoff())
	if p.running && !p.succeeded {
		p.scheduleWakeLocked(p.clock.Now())
	}
	p.log.Debug("polling reconfigured", logger.F("interval", cfg.Interval))
}

// Snapshot returns the current state.
func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Tick performs one poll now unless a fetch is already in flight or polling
// has ended. A pending scheduled tick is replaced by this one.
func (p *Poller) Tick(ctx context.Context) {
	p.mu.Lock()
	epoch := p.epoch
	p.mu.Unlock()
	p.tick(ctx, epoch)
}

func (p *Poller) tick(ctx context.Context, epoch uint64) {
	p.mu.Lock()
	if !p.running || p.inFlight || epoch != p.epoch {
		p.mu.Unlock()
		return
	}
	p.stopTimerLocked()

	now := p.clock.Now()
	if p.timedOutLocked(now) {
		p.timeoutLocked(now)
		snap := p.snapshotLocked()
		p.mu.Unlock()
		p.publish(snap)
		return
	}

	p.inFlight = true
	req := backend.FetchRequest{
		RunID:    p.runID,
		Subtools: subtoolNames(p.pendingLocked()),
	}
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	p.cancelFetch = cancel
	p.mu.Unlock()

	started := time.Now()
	resp, err := p.fetcher.FetchStatus(fetchCtx, req)
	cancel()
	p.settle(epoch, resp, err, time.Since(started))
}

// settle applies a fetch outcome if it still belongs to the active epoch.
func (p *Poller) settle(epoch uint64, resp *backend.StatusResponse, err error, latency time.Duration) {
	p.mu.Lock()
	if epoch != p.epoch || !p.running {
		p.mu.Unlock()
		metrics.RecordDiscarded()
		p.log.Debug("discarding stale status response", logger.F("epoch", epoch))
		return
	}
	p.inFlight = false
	p.cancelFetch = nil

	now := p.clock.Now()
	if err == nil && resp == nil {
		err = resilience.NewTransientError(errors.New("empty status response"))
	}
	if err != nil {
		p.failLocked(now, err, latency)
	} else {
		metrics.RecordPoll(metrics.OutcomeSuccess, latency)
		p.applyLocked(now, resp)
	}
	p.reclassifyLocked(now)
	snap := p.snapshotLocked()
	p.mu.Unlock()

	p.publish(snap)
}

func (p *Poller) failLocked(now time.Time, err error, latency time.Duration) {
	if resilience.IsPermanentError(err) {
		metrics.RecordPoll(metrics.OutcomePermanentFailure, latency)
		p.log.Warn("status request rejected", logger.F("error", err))
		p.finishLocked(ReasonRejected, fmt.Errorf("poll run %s: %w", p.runID, err))
		return
	}

	metrics.RecordPoll(metrics.OutcomeTransientFailure, latency)
	delay := p.backoff.Failure()
	failures := p.backoff.Failures()
	p.log.Debug("status fetch failed",
		logger.F("error", err),
		logger.F("failures", failures),
		logger.F("retry_in", delay))

	if failures >= p.cfg.FailureThreshold {
		p.log.Warn("backend unavailable", logger.F("failures", failures), logger.F("error", err))
		p.finishLocked(ReasonUnavailable,
			fmt.Errorf("%w after %d consecutive failures: %w", ErrBackendUnavailable, failures, err))
		return
	}
	if p.timedOutLocked(now) {
		p.timeoutLocked(now)
		return
	}
	p.scheduleLocked(delay)
}

func (p *Poller) applyLocked(now time.Time, resp *backend.StatusResponse) {
	p.succeeded = true
	p.stopWakeLocked()
	delay := p.backoff.Success()
	p.runStatus = resp.Status

	for name, payload := range resp.Results {
		sub := Subtool(name)
		if !p.expected[sub] {
			p.log.Debug("ignoring result for unexpected subtool", logger.F("subtool", name))
			continue
		}
		if p.store.Merge(sub, payload, now) {
			delete(p.failures, sub)
			metrics.RecordSubtoolResolved(name)
			p.log.Info("subtool resolved", logger.F("subtool", name))
		}
	}

	for name, state := range resp.Subtools {
		sub := Subtool(name)
		if !p.expected[sub] || state.Status != backend.SubtoolStatusFailed || p.store.Results().Has(sub) {
			continue
		}
		if _, ok := p.failures[sub]; ok {
			continue
		}
		reason := state.Error
		if reason == "" {
			reason = "subtool failed"
		}
		p.failures[sub] = &SubtoolFailure{Name: sub, Reason: reason, Since: now}
		p.log.Info("subtool reported failed", logger.F("subtool", name), logger.F("reason", reason))
	}
	p.expireFailuresLocked(now)

	switch resp.Status {
	case backend.RunStatusFailed:
		err := ErrRunFailed
		if resp.Error != "" {
			err = fmt.Errorf("%w: %s", ErrRunFailed, resp.Error)
		}
		p.log.Warn("backend reported run failed", logger.F("error", resp.Error))
		p.updateProgressLocked()
		p.finishLocked(ReasonRunFailed, err)
		return
	case backend.RunStatusComplete:
		for _, sub := range p.pendingLocked() {
			f, ok := p.failures[sub]
			if !ok {
				f = &SubtoolFailure{Name: sub, Reason: missingFromCompletedRun, Since: now}
				p.failures[sub] = f
			}
			f.Final = true
			metrics.RecordSubtoolFailed(string(sub))
			p.log.Warn("subtool missing from completed run", logger.F("subtool", sub))
		}
	}

	p.updateProgressLocked()
	if len(p.pendingLocked()) == 0 {
		p.log.Info("all subtools settled",
			logger.F("resolved", p.store.Results().Len()),
			logger.F("failed", p.finalFailuresLocked()))
		p.finishLocked(ReasonNone, nil)
		return
	}
	if p.timedOutLocked(now) {
		p.timeoutLocked(now)
		return
	}
	p.scheduleLocked(delay)
}

func (p *Poller) expireFailuresLocked(now time.Time) {
	for _, sub := range p.cfg.Subtools {
		f, ok := p.failures[sub]
		if !ok || f.Final || now.Sub(f.Since) < p.cfg.SubtoolGracePeriod {
			continue
		}
		f.Final = true
		metrics.RecordSubtoolFailed(string(sub))
		p.log.Warn("giving up on failed subtool", logger.F("subtool", sub), logger.F("reason", f.Reason))
	}
}

func (p *Poller) updateProgressLocked() {
	p.progress.Update(p.store.Results().Len(), p.finalFailuresLocked())
}

// scheduleWakeLocked arranges a reclassification just past the cold-start
// threshold so waking is published even while a fetch hangs.
func (p *Poller) scheduleWakeLocked(now time.Time) {
	p.stopWakeLocked()
	remaining := p.cfg.ColdStartThreshold - now.Sub(p.loadingStart)
	if p.succeeded || remaining < 0 {
		return
	}
	epoch := p.epoch
	p.stopWake = p.sched.Schedule(remaining+time.Millisecond, func() {
		p.wake(epoch)
	})
}

func (p *Poller) stopWakeLocked() {
	if p.stopWake != nil {
		p.stopWake()
		p.stopWake = nil
	}
}

func (p *Poller) wake(epoch uint64) {
	p.mu.Lock()
	if epoch != p.epoch || !p.running {
		p.mu.Unlock()
		return
	}
	p.stopWake = nil
	prev := p.conn
	p.reclassifyLocked(p.clock.Now())
	if p.conn == prev {
		p.mu.Unlock()
		return
	}
	snap := p.snapshotLocked()
	p.mu.Unlock()

	p.publish(snap)
}

func (p *Poller) reclassifyLocked(now time.Time) {
	prev := p.conn
	p.conn = Classify(now.Sub(p.loadingStart), p.succeeded, p.backoff.Failures(), p.fatal, p.cfg.classifier())
	if p.conn != prev {
		metrics.RecordConnectionTransition(string(prev), string(p.conn))
		p.log.Info("connection status changed",
			logger.F("from", prev),
			logger.F("to", p.conn))
	}
}

func (p *Poller) timedOutLocked(now time.Time) bool {
	return now.Sub(p.loadingStart) > p.cfg.MaxDuration
}

func (p *Poller) timeoutLocked(now time.Time) {
	elapsed := now.Sub(p.loadingStart)
	p.log.Warn("run exceeded max duration", logger.F("elapsed", elapsed))
	p.finishLocked(ReasonTimeout, fmt.Errorf("%w after %s", ErrTimeout, p.cfg.MaxDuration))
	p.reclassifyLocked(now)
}

// finishLocked ends polling. A nil err means every subtool settled.
func (p *Poller) finishLocked(reason Reason, err error) {
	p.running = false
	p.inFlight = false
	p.stopTimerLocked()
	p.stopWakeLocked()
	p.err = err
	p.reason = reason
	p.fatal = err != nil

	label := string(reason)
	if reason == ReasonNone {
		label = "complete"
	}
	metrics.RecordRunFinished(label)
}

func (p *Poller) scheduleLocked(d time.Duration) {
	epoch := p.epoch
	p.stopTimer = p.sched.Schedule(d, func() {
		p.tick(p.ctx, epoch)
	})
}

func (p *Poller) stopTimerLocked() {
	if p.stopTimer != nil {
		p.stopTimer()
		p.stopTimer = nil
	}
}

// abortLocked drops the pending timer and any in-flight fetch.
func (p *Poller) abortLocked() {
	p.stopTimerLocked()
	p.stopWakeLocked()
	if p.cancelFetch != nil {
		p.cancelFetch()
		p.cancelFetch = nil
	}
	p.inFlight = false
}

// pendingLocked returns expected subtools that are neither resolved nor
// finally failed, in configured order.
func (p *Poller) pendingLocked() []Subtool {
	results := p.store.Results()
	out := make([]Subtool, 0, len(p.cfg.Subtools))
	for _, sub := range p.cfg.Subtools {
		if results.Has(sub) {
			continue
		}
		if f, ok := p.failures[sub]; ok && f.Final {
			continue
		}
		out = append(out, sub)
	}
	return out
}

func (p *Poller) finalFailuresLocked() int {
	n := 0
	for _, f := range p.failures {
		if f.Final {
			n++
		}
	}
	return n
}

func (p *Poller) snapshotLocked() Snapshot {
	p.seq++
	var failed []SubtoolFailure
	for _, sub := range p.cfg.Subtools {
		if f, ok := p.failures[sub]; ok {
			failed = append(failed, *f)
		}
	}
	return Snapshot{
		RunID:            p.runID,
		RunStatus:        p.runStatus,
		Results:          p.store.Results(),
		Loading:          p.running,
		Err:              p.err,
		Reason:           p.reason,
		Progress:         p.progress.Value(),
		Pending:          p.pendingLocked(),
		Failed:           failed,
		ConnectionStatus: p.conn,
		LoadingStartTime: p.loadingStart,
		seq:              p.seq,
	}
}

func (p *Poller) publish(snap Snapshot) {
	if p.onChange != nil {
		p.onChange(snap)
	}
}
