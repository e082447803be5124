package tracker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chr1sbest/analysiswatch/internal/analysis"
)

// Status is the on-disk view of the watched run, rewritten on every change.
type Status struct {
	Timestamp        time.Time                  `json:"timestamp"`
	RunID            string                     `json:"run_id"`
	RunStatus        string                     `json:"run_status,omitempty"`
	Loading          bool                       `json:"loading"`
	Progress         int                        `json:"progress"`
	ConnectionStatus string                     `json:"connection_status"`
	Reason           string                     `json:"reason,omitempty"`
	LastError        string                     `json:"last_error,omitempty"`
	ElapsedSeconds   int                        `json:"elapsed_seconds"`
	CompletedCount   int                        `json:"completed_count"`
	PendingCount     int                        `json:"pending_count"`
	Completed        []string                   `json:"completed"`
	Pending          []string                   `json:"pending"`
	Failed           []analysis.SubtoolFailure  `json:"failed,omitempty"`
	Results          map[string]json.RawMessage `json:"results,omitempty"`
}

type Writer struct {
	Dir        string
	StatusPath string
	LockPath   string

	now func() time.Time
}

func NewWriter(dir string) *Writer {
	return &Writer{
		Dir:        dir,
		StatusPath: filepath.Join(dir, "status.json"),
		LockPath:   filepath.Join(dir, ".analysiswatch_lock"),
		now:        time.Now,
	}
}

// NewFileWriter writes the status to an explicit path.
func NewFileWriter(path string) *Writer {
	w := NewWriter(filepath.Dir(path))
	w.StatusPath = path
	return w
}

// FromSnapshot converts s into its on-disk form.
func FromSnapshot(s analysis.Snapshot, now time.Time) Status {
	st := Status{
		Timestamp:        now,
		RunID:            s.RunID,
		RunStatus:        string(s.RunStatus),
		Loading:          s.Loading,
		Progress:         s.Progress,
		ConnectionStatus: string(s.ConnectionStatus),
		Reason:           string(s.Reason),
		Completed:        []string{},
		Pending:          []string{},
		Failed:           s.Failed,
	}
	if s.Err != nil {
		st.LastError = s.Err.Error()
	}
	if !s.LoadingStartTime.IsZero() {
		st.ElapsedSeconds = int(now.Sub(s.LoadingStartTime).Seconds())
	}
	for _, name := range s.Results.Names() {
		st.Completed = append(st.Completed, string(name))
	}
	for _, name := range s.Pending {
		st.Pending = append(st.Pending, string(name))
	}
	st.CompletedCount = len(st.Completed)
	st.PendingCount = len(st.Pending)
	if s.Results.Len() > 0 {
		st.Results = make(map[string]json.RawMessage, s.Results.Len())
		for name, p := range s.Results.Payloads() {
			st.Results[string(name)] = p
		}
	}
	return st
}

func (w *Writer) WriteStatus(s Status) error {
	return writeJSONAtomic(w.StatusPath, s)
}

// WriteSnapshot records s as the current status.
func (w *Writer) WriteSnapshot(s analysis.Snapshot) error {
	return w.WriteStatus(FromSnapshot(s, w.now()))
}

// ReadStatus loads a status file written by WriteStatus.
func ReadStatus(path string) (*Status, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Status
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &s, nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}

	tmp := fmt.Sprintf("%s.tmp.%d", path, time.Now().UnixNano())
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
