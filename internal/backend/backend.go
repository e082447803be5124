// Package backend describes the analysis service the poller consumes and
// provides an HTTP client for it.
package backend

import (
	"context"
	"encoding/json"
)

// RunStatus is the overall status the backend reports for a run.
type RunStatus string

const (
	RunStatusPending  RunStatus = "pending"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusComplete, RunStatusFailed:
		return true
	}
	return false
}

// Per-subtool states reported in StatusResponse.Subtools.
const (
	SubtoolStatusPending  = "pending"
	SubtoolStatusComplete = "complete"
	SubtoolStatusFailed   = "failed"
)

// SubtoolState is the backend's view of one subtool.
type SubtoolState struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// StatusResponse is the body of GET /v1/analysis/{runId}.
type StatusResponse struct {
	RunID    string                     `json:"runId"`
	Status   RunStatus                  `json:"status"`
	Results  map[string]json.RawMessage `json:"results,omitempty"`
	Subtools map[string]SubtoolState    `json:"subtools,omitempty"`
	Error    string                     `json:"error,omitempty"`
}

// FetchRequest identifies the run to poll and the subtools still wanted.
// An empty Subtools slice asks for everything.
type FetchRequest struct {
	RunID    string
	Subtools []string
}

// Fetcher retrieves the current status of an analysis run.
type Fetcher interface {
	FetchStatus(ctx context.Context, req FetchRequest) (*StatusResponse, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req FetchRequest) (*StatusResponse, error)

// FetchStatus calls f.
func (f FetcherFunc) FetchStatus(ctx context.Context, req FetchRequest) (*StatusResponse, error) {
	return f(ctx, req)
}

// CreateRunRequest starts a new analysis run.
type CreateRunRequest struct {
	Subtools  []string        `json:"subtools,omitempty"`
	Portfolio json.RawMessage `json:"portfolio,omitempty"`
}

// CreateRunResponse returns the id of the newly created run.
type CreateRunResponse struct {
	RunID  string    `json:"runId"`
	Status RunStatus `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}
