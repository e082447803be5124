package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/chr1sbest/analysiswatch/internal/resilience"
)

const tracerName = "github.com/chr1sbest/analysiswatch/internal/backend"

// DefaultMaxResponseSize caps how much of a response body is read.
const DefaultMaxResponseSize = 32 << 20

// Client implements Fetcher against the analysis HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	tracer  trace.Tracer
	maxBody int64
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRateLimit caps outgoing requests at rps with the given burst.
// A non-positive rps disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithMaxResponseSize sets the largest response body the client accepts.
func WithMaxResponseSize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// WithTracerProvider sets the tracer provider used for request spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// New constructs a client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		tracer:  otel.Tracer(tracerName),
		maxBody: DefaultMaxResponseSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// CreateRun starts a new analysis run.
func (c *Client) CreateRun(ctx context.Context, req CreateRunRequest) (*CreateRunResponse, error) {
	ctx, span := c.tracer.Start(ctx, "backend.CreateRun")
	defer span.End()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	body, status, err := c.do(ctx, http.MethodPost, "/v1/analysis", payload)
	if err != nil {
		return nil, endSpan(span, err)
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusAccepted {
		return nil, endSpan(span, decodeHTTPError(status, body))
	}
	var res CreateRunResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, endSpan(span, fmt.Errorf("decode create response: %w", err))
	}
	if res.RunID == "" {
		return nil, endSpan(span, fmt.Errorf("create response has no runId"))
	}
	span.SetAttributes(attribute.String("analysis.run_id", res.RunID))
	return &res, nil
}

// FetchStatus polls the status of a run.
func (c *Client) FetchStatus(ctx context.Context, req FetchRequest) (*StatusResponse, error) {
	if strings.TrimSpace(req.RunID) == "" {
		return nil, resilience.NewPermanentError(fmt.Errorf("runID is required"))
	}
	ctx, span := c.tracer.Start(ctx, "backend.FetchStatus", trace.WithAttributes(
		attribute.String("analysis.run_id", req.RunID),
		attribute.Int("analysis.pending_subtools", len(req.Subtools)),
	))
	defer span.End()

	uri := "/v1/analysis/" + url.PathEscape(req.RunID)
	if len(req.Subtools) > 0 {
		uri += "?subtools=" + url.QueryEscape(strings.Join(req.Subtools, ","))
	}
	body, status, err := c.do(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, endSpan(span, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	if status != http.StatusOK {
		return nil, endSpan(span, decodeHTTPError(status, body))
	}

	var res StatusResponse
	if err := json.Unmarshal(body, &res); err != nil {
		// Proxies in front of a sleeping backend sometimes answer 200 with HTML.
		return nil, endSpan(span, resilience.NewTransientError(fmt.Errorf("decode status: %w", err)))
	}
	if err := validateStatus(req.RunID, &res); err != nil {
		return nil, endSpan(span, err)
	}
	return &res, nil
}

func validateStatus(runID string, res *StatusResponse) error {
	if res.RunID != "" && res.RunID != runID {
		return resilience.NewTransientError(fmt.Errorf("status for run %q returned for %q", res.RunID, runID))
	}
	if !res.Status.Valid() {
		return resilience.NewTransientError(fmt.Errorf("unknown run status %q", res.Status))
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, err
		}
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, resilience.NewPermanentError(err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if int64(len(body)) > c.maxBody {
		return nil, resp.StatusCode, fmt.Errorf("response body exceeds %d bytes", c.maxBody)
	}
	return body, resp.StatusCode, nil
}

func decodeHTTPError(status int, body []byte) error {
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error != "" {
		return &resilience.StatusError{Code: status, Message: resp.Error}
	}
	return &resilience.StatusError{Code: status}
}

func endSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
