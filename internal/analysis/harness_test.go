package analysis

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chr1sbest/analysiswatch/internal/backend"
	"github.com/chr1sbest/analysiswatch/internal/resilience"
	"github.com/chr1sbest/analysiswatch/internal/testutil"
)

// step is one scripted backend answer.
type step struct {
	resp *backend.StatusResponse
	err  error
}

// scriptedFetcher answers with steps in order and repeats the last one.
type scriptedFetcher struct {
	mu       sync.Mutex
	steps    []step
	requests []backend.FetchRequest
}

func (f *scriptedFetcher) FetchStatus(_ context.Context, req backend.FetchRequest) (*backend.StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.steps) == 0 {
		return &backend.StatusResponse{RunID: req.RunID, Status: backend.RunStatusRunning}, nil
	}
	s := f.steps[0]
	if len(f.steps) > 1 {
		f.steps = f.steps[1:]
	}
	if s.resp != nil {
		resp := *s.resp
		resp.RunID = req.RunID
		return &resp, nil
	}
	return nil, s.err
}

func (f *scriptedFetcher) lastRequest() backend.FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *scriptedFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func ok(status backend.RunStatus, payloads ...string) step {
	results := make(map[string]json.RawMessage, len(payloads))
	for _, name := range payloads {
		results[name] = json.RawMessage(`{"subtool":"` + name + `"}`)
	}
	return step{resp: &backend.StatusResponse{Status: status, Results: results}}
}

func running(payloads ...string) step {
	return ok(backend.RunStatusRunning, payloads...)
}

func fail(code int) step {
	return step{err: &resilience.StatusError{Code: code}}
}

type harness struct {
	clock   *testutil.FakeClock
	sched   *testutil.ManualScheduler
	fetcher *scriptedFetcher
	engine  *Engine

	mu    sync.Mutex
	snaps []Snapshot
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Jitter = 0
	return cfg
}

func newHarness(t *testing.T, cfg Config, steps ...step) *harness {
	t.Helper()
	h := &harness{
		clock:   testutil.NewFakeClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)),
		fetcher: &scriptedFetcher{steps: steps},
	}
	h.sched = testutil.NewManualScheduler(h.clock)
	h.engine = NewEngine(h.fetcher,
		WithConfig(cfg),
		WithScheduler(h.sched),
		WithClock(h.clock),
	)
	h.engine.Subscribe(func(s Snapshot) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.snaps = append(h.snaps, s)
	})
	t.Cleanup(h.engine.Close)
	return h
}

func (h *harness) start(t *testing.T, runID string) {
	t.Helper()
	require.NoError(t, h.engine.SetRun(runID))
	h.sched.Advance(0)
}

func (h *harness) published() []Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Snapshot(nil), h.snaps...)
}
