package analysis

import "errors"

var (
	// ErrRunFailed is returned when the backend reports the run as failed.
	ErrRunFailed = errors.New("analysis run failed")

	// ErrTimeout is returned when a run exceeds the maximum polling duration.
	ErrTimeout = errors.New("analysis timed out")

	// ErrBackendUnavailable wraps the last failure after too many consecutive ones.
	ErrBackendUnavailable = errors.New("analysis backend unavailable")

	// ErrClosed is returned by Engine methods after Close.
	ErrClosed = errors.New("engine closed")
)

// Reason says why polling stopped with an error.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonRunFailed   Reason = "run_failed"
	ReasonTimeout     Reason = "timeout"
	ReasonUnavailable Reason = "unavailable"
	ReasonRejected    Reason = "rejected"
)
