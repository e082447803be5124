package analysis

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chr1sbest/analysiswatch/internal/backend"
	"github.com/chr1sbest/analysiswatch/internal/resilience"
	"github.com/chr1sbest/analysiswatch/internal/testutil"
)

func TestPoller_ColdStartWakesThenConnects(t *testing.T) {
	h := newHarness(t, testConfig(),
		fail(http.StatusServiceUnavailable), // t=0
		fail(http.StatusBadGateway),         // t=4
		running("volatility"),               // t=12
	)

	h.start(t, "run-cold")
	assert.Equal(t, StatusConnecting, h.engine.Snapshot().ConnectionStatus)

	h.sched.Advance(4 * time.Second)
	assert.Equal(t, StatusConnecting, h.engine.Snapshot().ConnectionStatus, "two failures stay below the threshold")

	h.sched.Advance(7 * time.Second)
	snap := h.engine.Snapshot()
	assert.Equal(t, StatusWaking, snap.ConnectionStatus, "published at the cold-start threshold, between fetches")
	assert.NoError(t, snap.Err)
	assert.True(t, snap.Loading)
	assert.Equal(t, 2, h.fetcher.calls())

	h.sched.Advance(time.Second)
	snap = h.engine.Snapshot()
	assert.Equal(t, StatusConnected, snap.ConnectionStatus)
	assert.Equal(t, 1, snap.Results.Len())

	next, ok := h.sched.NextDelay()
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, next, "backoff resets after a success")
	assert.Equal(t, 1, h.sched.Pending(), "no wake-up check after the first success")
}

func TestPoller_UnreachableBackendEndsInError(t *testing.T) {
	refused := step{err: &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}}
	h := newHarness(t, testConfig(), refused)

	h.start(t, "run-down")
	h.sched.Advance(4 * time.Second)
	assert.Equal(t, StatusConnecting, h.engine.Snapshot().ConnectionStatus)

	h.sched.Advance(7 * time.Second)
	assert.Equal(t, StatusWaking, h.engine.Snapshot().ConnectionStatus)

	h.sched.Advance(time.Second)
	snap := h.engine.Snapshot()
	assert.Equal(t, StatusError, snap.ConnectionStatus, "failures count without any success")
	assert.ErrorIs(t, snap.Err, ErrBackendUnavailable)
	assert.Equal(t, ReasonUnavailable, snap.Reason)
	assert.False(t, snap.Loading)
	assert.Equal(t, 3, h.fetcher.calls())
	assert.Equal(t, 0, h.sched.Pending())
}

func TestPoller_ConnectingToErrorBeforeColdStartThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 2
	h := newHarness(t, cfg, fail(http.StatusServiceUnavailable))

	h.start(t, "run-down")
	assert.Equal(t, StatusConnecting, h.engine.Snapshot().ConnectionStatus)

	h.sched.Advance(4 * time.Second)
	snap := h.engine.Snapshot()
	assert.Equal(t, StatusError, snap.ConnectionStatus)
	assert.ErrorIs(t, snap.Err, ErrBackendUnavailable)
	for _, s := range h.published() {
		assert.NotEqual(t, StatusWaking, s.ConnectionStatus)
	}
}

func TestPoller_WakesWhileFetchHangs(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(0, 0))
	sched := testutil.NewManualScheduler(clock)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	fetcher := backend.FetcherFunc(func(ctx context.Context, req backend.FetchRequest) (*backend.StatusResponse, error) {
		entered <- struct{}{}
		<-release
		return &backend.StatusResponse{RunID: req.RunID, Status: backend.RunStatusRunning}, nil
	})

	var mu sync.Mutex
	var seen []ConnectionStatus
	p, err := NewPoller("run-slow", PollerOptions{
		Config:    testConfig(),
		Fetcher:   fetcher,
		Scheduler: sched,
		Clock:     clock,
		OnChange: func(s Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, s.ConnectionStatus)
		},
	})
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Tick(context.Background())
	}()
	<-entered

	sched.Advance(11 * time.Second)
	assert.Equal(t, StatusWaking, p.Snapshot().ConnectionStatus)

	close(release)
	<-done
	assert.Equal(t, StatusConnected, p.Snapshot().ConnectionStatus)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ConnectionStatus{StatusConnecting, StatusWaking, StatusConnected}, seen)
}

func TestPoller_RunFailedIsFatal(t *testing.T) {
	failed := running("volatility")
	failed.resp.Status = backend.RunStatusFailed
	failed.resp.Error = "market data unavailable"
	h := newHarness(t, testConfig(), running(), failed)

	h.start(t, "run-f")
	h.sched.Advance(2 * time.Second)

	snap := h.engine.Snapshot()
	assert.ErrorIs(t, snap.Err, ErrRunFailed)
	assert.Contains(t, snap.Err.Error(), "market data unavailable")
	assert.Equal(t, ReasonRunFailed, snap.Reason)
	assert.Equal(t, StatusError, snap.ConnectionStatus)
	assert.Equal(t, backend.RunStatusFailed, snap.RunStatus)
	assert.False(t, snap.Loading)
	assert.Equal(t, 1, snap.Results.Len(), "partial results stay visible")
	assert.Equal(t, 0, h.sched.Pending(), "no automatic retry")

	h.sched.Advance(time.Minute)
	assert.Equal(t, 2, h.fetcher.calls())
}

func TestPoller_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDuration = 5 * time.Second
	h := newHarness(t, cfg)

	h.start(t, "run-slow")
	h.sched.Advance(2 * time.Second)
	h.sched.Advance(2 * time.Second)
	assert.True(t, h.engine.Snapshot().Loading)

	h.sched.Advance(2 * time.Second)
	snap := h.engine.Snapshot()
	assert.ErrorIs(t, snap.Err, ErrTimeout)
	assert.Equal(t, ReasonTimeout, snap.Reason)
	assert.Equal(t, StatusError, snap.ConnectionStatus)
	assert.False(t, snap.Loading)
	assert.Equal(t, 0, h.sched.Pending())

	h.engine.Retry()
	snap = h.engine.Snapshot()
	assert.NoError(t, snap.Err)
	assert.True(t, snap.Loading)
	assert.Equal(t, h.clock.Now(), snap.LoadingStartTime)
}

func TestPoller_PermanentErrorStops(t *testing.T) {
	h := newHarness(t, testConfig(), running(), fail(http.StatusNotFound))

	h.start(t, "run-gone")
	h.sched.Advance(2 * time.Second)

	snap := h.engine.Snapshot()
	assert.Equal(t, ReasonRejected, snap.Reason)
	assert.Equal(t, StatusError, snap.ConnectionStatus)
	assert.True(t, resilience.IsPermanentError(snap.Err))
	var statusErr *resilience.StatusError
	require.ErrorAs(t, snap.Err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.Equal(t, 0, h.sched.Pending())
}

func TestPoller_SubtoolFailureGracePeriod(t *testing.T) {
	cfg := testConfig()
	cfg.SubtoolGracePeriod = 3 * time.Second

	first := running("volatility")
	first.resp.Subtools = map[string]backend.SubtoolState{
		"strategies": {Status: backend.SubtoolStatusFailed, Error: "optimizer diverged"},
	}
	h := newHarness(t, cfg,
		first,                               // t=0
		first,                               // t=2
		first,                               // t=4
		running("volatility", "strategies"), // t=6
	)

	h.start(t, "run-g")
	snap := h.engine.Snapshot()
	require.Len(t, snap.Failed, 1)
	assert.Equal(t, Strategies, snap.Failed[0].Name)
	assert.Equal(t, "optimizer diverged", snap.Failed[0].Reason)
	assert.False(t, snap.Failed[0].Final)
	assert.True(t, snap.IsPending(Strategies), "still pending during the grace period")
	assert.Equal(t, 17, snap.Progress)

	h.sched.Advance(2 * time.Second)
	assert.False(t, h.engine.Snapshot().Failed[0].Final)

	h.sched.Advance(2 * time.Second)
	snap = h.engine.Snapshot()
	assert.True(t, snap.Failed[0].Final)
	assert.False(t, snap.IsPending(Strategies))
	assert.Equal(t, 20, snap.Progress, "final failures leave the denominator")
	assert.NoError(t, snap.Err)

	h.sched.Advance(2 * time.Second)
	assert.NotContains(t, h.fetcher.lastRequest().Subtools, "strategies")
	snap = h.engine.Snapshot()
	assert.Empty(t, snap.Failed, "a late success clears the failure")
	assert.True(t, snap.Results.Has(Strategies))
	assert.Equal(t, 33, snap.Progress)
}

func TestPoller_CompleteWithMissingSubtools(t *testing.T) {
	h := newHarness(t, testConfig(),
		ok(backend.RunStatusComplete, "correlation", "riskMetrics", "performance", "volatility", "riskDecomposition"),
	)

	h.start(t, "run-c")
	snap := h.engine.Snapshot()
	assert.False(t, snap.Loading)
	assert.NoError(t, snap.Err)
	assert.Empty(t, snap.Pending)
	require.Len(t, snap.Failed, 1)
	assert.Equal(t, Strategies, snap.Failed[0].Name)
	assert.Equal(t, missingFromCompletedRun, snap.Failed[0].Reason)
	assert.True(t, snap.Failed[0].Final)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, StatusConnected, snap.ConnectionStatus)
	assert.Equal(t, 0, h.sched.Pending())
}

func TestPoller_StopsWhenAllResolved(t *testing.T) {
	h := newHarness(t, testConfig(),
		running("correlation", "riskMetrics", "performance"),
		running("volatility", "riskDecomposition", "strategies"),
	)
	h.start(t, "run-done")
	h.sched.Advance(2 * time.Second)

	snap := h.engine.Snapshot()
	assert.False(t, snap.Loading)
	assert.Equal(t, 100, snap.Progress)
	assert.Empty(t, snap.Pending)
	assert.Equal(t, 6, snap.Results.Len())
	assert.Equal(t, 0, h.sched.Pending())
}

func TestPoller_IgnoresUnexpectedAndNullPayloads(t *testing.T) {
	cfg := testConfig()
	cfg.Subtools = []Subtool{Volatility, Correlation}
	h := newHarness(t, cfg, step{resp: &backend.StatusResponse{
		Status: backend.RunStatusRunning,
		Results: map[string]json.RawMessage{
			"volatility":  json.RawMessage(`{"v":0.2}`),
			"correlation": json.RawMessage(`null`),
			"sentiment":   json.RawMessage(`{"s":1}`),
		},
	}})

	h.start(t, "run-x")
	snap := h.engine.Snapshot()
	assert.Equal(t, []Subtool{Volatility}, snap.Results.Names())
	assert.Equal(t, []Subtool{Correlation}, snap.Pending)
	assert.Equal(t, 50, snap.Progress)
}

func TestPoller_ManualTickDoesNotOverlap(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(0, 0))
	sched := testutil.NewManualScheduler(clock)

	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	fetcher := backend.FetcherFunc(func(ctx context.Context, req backend.FetchRequest) (*backend.StatusResponse, error) {
		entered <- struct{}{}
		<-release
		return &backend.StatusResponse{RunID: req.RunID, Status: backend.RunStatusRunning}, nil
	})

	p, err := NewPoller("run-t", PollerOptions{Config: testConfig(), Fetcher: fetcher, Scheduler: sched, Clock: clock})
	require.NoError(t, err)
	p.Start()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Tick(context.Background())
	}()
	<-entered

	// The in-flight fetch blocks further ticks, scheduled or manual.
	p.Tick(context.Background())
	sched.Advance(0)
	assert.Len(t, entered, 0)

	close(release)
	<-done
	assert.Equal(t, 1, sched.Pending())
	p.Stop()
	assert.Equal(t, 0, sched.Pending())
}

func TestNewPoller_Validation(t *testing.T) {
	_, err := NewPoller("  ", PollerOptions{Fetcher: &scriptedFetcher{}})
	require.Error(t, err)

	_, err = NewPoller("run", PollerOptions{})
	require.Error(t, err)
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{Interval: 10 * time.Second, MaxInterval: time.Second, Jitter: 3, SubtoolGracePeriod: -1}.withDefaults()
	assert.Equal(t, DefaultSubtools(), cfg.Subtools)
	assert.Equal(t, 10*time.Second, cfg.MaxInterval, "max interval is never below the base interval")
	assert.Equal(t, 0.1, cfg.Jitter)
	assert.Equal(t, time.Duration(0), cfg.SubtoolGracePeriod)
	assert.Equal(t, 3, cfg.FailureThreshold)
	assert.Equal(t, 5*time.Minute, cfg.MaxDuration)
}
