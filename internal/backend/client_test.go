package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/chr1sbest/analysiswatch/internal/resilience"
)

func TestClientFetchStatus(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v1/analysis/run-123", r.URL.Path)
		require.Equal(t, "volatility,correlation", r.URL.Query().Get("subtools"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"runId": "run-123",
			"status": "running",
			"results": {"volatility": {"annualized": 0.21}},
			"subtools": {"correlation": {"status": "failed", "error": "not enough history"}}
		}`))
	}
	srv := httptest.NewServer(http.HandlerFunc(handler))
	defer srv.Close()

	client := New(srv.URL)
	resp, err := client.FetchStatus(context.Background(), FetchRequest{
		RunID:    "run-123",
		Subtools: []string{"volatility", "correlation"},
	})
	require.NoError(t, err)
	assert.Equal(t, RunStatusRunning, resp.Status)
	require.Contains(t, resp.Results, "volatility")
	assert.JSONEq(t, `{"annualized": 0.21}`, string(resp.Results["volatility"]))
	assert.Equal(t, SubtoolStatusFailed, resp.Subtools["correlation"].Status)
	assert.Equal(t, "not enough history", resp.Subtools["correlation"].Error)
}

func TestClientFetchStatus_StatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		body      string
		permanent bool
		message   string
	}{
		{name: "cold start 503", code: http.StatusServiceUnavailable, body: "", permanent: false},
		{name: "rate limited", code: http.StatusTooManyRequests, body: `{"error":"slow down"}`, permanent: false, message: "slow down"},
		{name: "unknown run", code: http.StatusNotFound, body: `{"error":"run not found"}`, permanent: true, message: "run not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := New(srv.URL).FetchStatus(context.Background(), FetchRequest{RunID: "r1"})
			require.Error(t, err)

			var statusErr *resilience.StatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, tt.code, statusErr.Code)
			assert.Equal(t, tt.message, statusErr.Message)
			assert.Equal(t, tt.permanent, resilience.IsPermanentError(err))
		})
	}
}

func TestClientFetchStatus_MalformedIsTransient(t *testing.T) {
	bodies := map[string]string{
		"html":          "<html>waking up</html>",
		"wrong run":     `{"runId":"other","status":"running"}`,
		"unknown state": `{"runId":"r1","status":"exploded"}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			_, err := New(srv.URL).FetchStatus(context.Background(), FetchRequest{RunID: "r1"})
			require.Error(t, err)
			assert.True(t, resilience.IsTransientError(err))
		})
	}
}

func TestClientFetchStatus_RejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"runId":"r1","status":"running","results":{"volatility":{"pad":"` +
			strings.Repeat("x", 256) + `"}}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, WithMaxResponseSize(64)).FetchStatus(context.Background(), FetchRequest{RunID: "r1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 64 bytes")
	assert.False(t, resilience.IsPermanentError(err))

	resp, err := New(srv.URL).FetchStatus(context.Background(), FetchRequest{RunID: "r1"})
	require.NoError(t, err, "the default cap fits ordinary responses")
	assert.Contains(t, resp.Results, "volatility")
}

func TestClientFetchStatus_RequiresRunID(t *testing.T) {
	_, err := New("http://example.invalid").FetchStatus(context.Background(), FetchRequest{})
	require.Error(t, err)
	assert.True(t, resilience.IsPermanentError(err))
}

func TestClientCreateRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/analysis", r.URL.Path)
		var req CreateRunRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, []string{"volatility"}, req.Subtools)
		w.WriteHeader(http.StatusCreated)
		require.NoError(t, json.NewEncoder(w).Encode(CreateRunResponse{RunID: "abc", Status: RunStatusPending}))
	}))
	defer srv.Close()

	res, err := New(srv.URL).CreateRun(context.Background(), CreateRunRequest{Subtools: []string{"volatility"}})
	require.NoError(t, err)
	assert.Equal(t, "abc", res.RunID)
}

func TestNewOptions(t *testing.T) {
	c := New("http://example/ ", WithTimeout(1500*time.Millisecond), WithRateLimit(5, 0))
	assert.Equal(t, "http://example", c.baseURL)
	assert.Equal(t, 1500*time.Millisecond, c.http.Timeout)
	require.NotNil(t, c.limiter)
	assert.Equal(t, 1, c.limiter.Burst())
	assert.Equal(t, int64(DefaultMaxResponseSize), c.maxBody)

	assert.Nil(t, New("http://example", WithRateLimit(0, 3)).limiter)
}

func TestClientFetchStatus_RateLimitHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"runId":"r1","status":"running"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, WithRateLimit(0.001, 1))
	_, err := c.FetchStatus(context.Background(), FetchRequest{RunID: "r1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.FetchStatus(ctx, FetchRequest{RunID: "r1"})
	require.Error(t, err, "second request should not fit in the token bucket before the deadline")
}

func TestClientFetchStatus_RecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"backend waking up"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, WithTracerProvider(tp))
	_, err := c.FetchStatus(context.Background(), FetchRequest{RunID: "run-1", Subtools: []string{"volatility"}})
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "backend.FetchStatus", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("analysis.run_id", "run-1"))
	assert.Contains(t, spans[0].Attributes(), attribute.Int("http.status_code", http.StatusServiceUnavailable))
}
