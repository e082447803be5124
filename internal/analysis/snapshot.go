package analysis

import (
	"encoding/json"
	"time"

	"github.com/chr1sbest/analysiswatch/internal/backend"
)

// SubtoolFailure records a subtool the backend reported as failed. Final
// failures have outlived the grace period and are no longer pending.
type SubtoolFailure struct {
	Name   Subtool   `json:"name"`
	Reason string    `json:"reason"`
	Since  time.Time `json:"since"`
	Final  bool      `json:"final"`
}

// Snapshot is an immutable view of a run's polling state.
type Snapshot struct {
	RunID            string
	RunStatus        backend.RunStatus
	Results          Results
	Loading          bool
	Err              error
	Reason           Reason
	Progress         int
	Pending          []Subtool
	Failed           []SubtoolFailure
	ConnectionStatus ConnectionStatus
	LoadingStartTime time.Time

	seq uint64
}

// IsPending reports whether name is still awaited.
func (s Snapshot) IsPending(name Subtool) bool {
	for _, p := range s.Pending {
		if p == name {
			return true
		}
	}
	return false
}

type snapshotJSON struct {
	RunID            string           `json:"runId"`
	RunStatus        string           `json:"runStatus,omitempty"`
	Results          Results          `json:"results"`
	Loading          bool             `json:"loading"`
	Error            string           `json:"error,omitempty"`
	Reason           Reason           `json:"reason,omitempty"`
	Progress         int              `json:"progress"`
	Pending          []Subtool        `json:"pending"`
	Failed           []SubtoolFailure `json:"failed,omitempty"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
	LoadingStartTime *time.Time       `json:"loadingStartTime,omitempty"`
}

// MarshalJSON encodes the snapshot with the error flattened to its message.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{
		RunID:            s.RunID,
		RunStatus:        string(s.RunStatus),
		Results:          s.Results,
		Loading:          s.Loading,
		Reason:           s.Reason,
		Progress:         s.Progress,
		Pending:          s.Pending,
		Failed:           s.Failed,
		ConnectionStatus: s.ConnectionStatus,
	}
	if out.Pending == nil {
		out.Pending = []Subtool{}
	}
	if s.Err != nil {
		out.Error = s.Err.Error()
	}
	if !s.LoadingStartTime.IsZero() {
		t := s.LoadingStartTime
		out.LoadingStartTime = &t
	}
	return json.Marshal(out)
}
