package tracker

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chr1sbest/analysiswatch/internal/analysis"
)

func TestWriteSnapshotWritesValidJSON(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	now := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)
	w.now = func() time.Time { return now }

	store := analysis.NewStore()
	store.Merge(analysis.Volatility, json.RawMessage(`{"v":1}`), now)
	snap := analysis.Snapshot{
		RunID:            "run-123",
		Results:          store.Results(),
		Loading:          true,
		Progress:         50,
		Pending:          []analysis.Subtool{analysis.Correlation},
		ConnectionStatus: analysis.StatusConnected,
		LoadingStartTime: now.Add(-4 * time.Second),
		Err:              errors.New("HTTP 503"),
	}
	if err := w.WriteSnapshot(snap); err != nil {
		t.Fatalf("WriteSnapshot error: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "status.json"))
	if err != nil {
		t.Fatalf("read status.json: %v", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("invalid json: %v", err)
	}

	st, err := ReadStatus(w.StatusPath)
	if err != nil {
		t.Fatalf("ReadStatus error: %v", err)
	}
	if st.RunID != "run-123" || st.Progress != 50 || !st.Loading {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.ElapsedSeconds != 4 {
		t.Fatalf("expected 4 elapsed seconds, got %d", st.ElapsedSeconds)
	}
	if st.CompletedCount != 1 || st.PendingCount != 1 {
		t.Fatalf("unexpected counts: completed=%d pending=%d", st.CompletedCount, st.PendingCount)
	}
	if st.LastError != "HTTP 503" {
		t.Fatalf("expected last error, got %q", st.LastError)
	}
	if string(st.Results["volatility"]) != `{"v":1}` {
		t.Fatalf("unexpected payload: %s", st.Results["volatility"])
	}
}

func TestWriteStatusReplacesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watch.json")
	w := NewFileWriter(path)

	for _, p := range []int{10, 20} {
		if err := w.WriteStatus(Status{RunID: "r", Progress: p}); err != nil {
			t.Fatalf("WriteStatus error: %v", err)
		}
	}
	st, err := ReadStatus(path)
	if err != nil {
		t.Fatalf("ReadStatus error: %v", err)
	}
	if st.Progress != 20 {
		t.Fatalf("expected latest progress 20, got %d", st.Progress)
	}

	matches, _ := filepath.Glob(path + ".tmp.*")
	if len(matches) != 0 {
		t.Fatalf("temporary files left behind: %v", matches)
	}
}

func TestReadStatusRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	if err := os.WriteFile(path, []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadStatus(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
