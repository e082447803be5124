package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chr1sbest/analysiswatch/internal/analysis"
	"github.com/chr1sbest/analysiswatch/internal/backend"
)

const currentRunKey = "current_run"

// Storage persists the host's current run and the snapshots published for
// each run.
type Storage struct {
	db  *sql.DB
	now func() time.Time
}

// RunRecord is the last stored state of a run.
type RunRecord struct {
	ID               string
	Status           backend.RunStatus
	Progress         int
	ConnectionStatus analysis.ConnectionStatus
	Reason           analysis.Reason
	Error            string
	Loading          bool
	Failed           []analysis.SubtoolFailure
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps writers from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		progress INTEGER NOT NULL DEFAULT 0,
		connection_status TEXT NOT NULL DEFAULT 'connecting',
		reason TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		loading INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS subtool_results (
		run_id TEXT NOT NULL REFERENCES runs(id),
		subtool TEXT NOT NULL,
		payload TEXT NOT NULL,
		resolved_at TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, subtool)
	);

	CREATE TABLE IF NOT EXISTS subtool_failures (
		run_id TEXT NOT NULL REFERENCES runs(id),
		subtool TEXT NOT NULL,
		reason TEXT NOT NULL,
		since TIMESTAMP NOT NULL,
		final INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, subtool)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_updated ON runs(updated_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SetCurrentRun records which run the host is watching. An empty id clears it.
func (s *Storage) SetCurrentRun(runID string) error {
	if runID == "" {
		_, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, currentRunKey)
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		currentRunKey, runID, s.now().UTC(),
	)
	return err
}

// CurrentRun returns the run the host is watching, or "" if none.
func (s *Storage) CurrentRun() (string, error) {
	var runID string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, currentRunKey).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return runID, err
}

// SaveSnapshot stores the state of snap's run. Results are insert-only, so a
// stored payload is never replaced.
func (s *Storage) SaveSnapshot(snap analysis.Snapshot) error {
	if snap.RunID == "" {
		return errors.New("snapshot has no run id")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now().UTC()
	errMsg := ""
	if snap.Err != nil {
		errMsg = snap.Err.Error()
	}
	_, err = tx.Exec(
		`INSERT INTO runs (id, created_at, updated_at, status, progress, connection_status, reason, error, loading)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			status = excluded.status,
			progress = MAX(runs.progress, excluded.progress),
			connection_status = excluded.connection_status,
			reason = excluded.reason,
			error = excluded.error,
			loading = excluded.loading`,
		snap.RunID, now, now, string(snap.RunStatus), snap.Progress, string(snap.ConnectionStatus),
		string(snap.Reason), errMsg, snap.Loading,
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	for _, name := range snap.Results.Names() {
		res, _ := snap.Results.Get(name)
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO subtool_results (run_id, subtool, payload, resolved_at) VALUES (?, ?, ?, ?)`,
			snap.RunID, string(name), string(res.Payload), res.ResolvedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert result %s: %w", name, err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM subtool_failures WHERE run_id = ?`, snap.RunID); err != nil {
		return fmt.Errorf("clear failures: %w", err)
	}
	for _, f := range snap.Failed {
		if _, err := tx.Exec(
			`INSERT INTO subtool_failures (run_id, subtool, reason, since, final) VALUES (?, ?, ?, ?, ?)`,
			snap.RunID, string(f.Name), f.Reason, f.Since.UTC(), f.Final,
		); err != nil {
			return fmt.Errorf("insert failure %s: %w", f.Name, err)
		}
	}

	return tx.Commit()
}

// GetRun returns the stored state of a run, or sql.ErrNoRows.
func (s *Storage) GetRun(runID string) (*RunRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, created_at, updated_at, status, progress, connection_status, reason, error, loading
		 FROM runs WHERE id = ?`, runID,
	)
	rec, err := scanRun(row)
	if err != nil {
		return nil, err
	}

	failures, err := s.loadFailures(runID)
	if err != nil {
		return nil, err
	}
	rec.Failed = failures
	return rec, nil
}

// ListRuns returns the most recently updated runs first.
func (s *Storage) ListRuns(limit int) ([]*RunRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, created_at, updated_at, status, progress, connection_status, reason, error, loading
		 FROM runs ORDER BY updated_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

// LoadResults returns the stored results of a run ordered by resolution time.
func (s *Storage) LoadResults(runID string) ([]analysis.SubtoolResult, error) {
	rows, err := s.db.Query(
		`SELECT subtool, payload, resolved_at FROM subtool_results
		 WHERE run_id = ? ORDER BY resolved_at, subtool`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []analysis.SubtoolResult
	for rows.Next() {
		var name, payload string
		var res analysis.SubtoolResult
		if err := rows.Scan(&name, &payload, &res.ResolvedAt); err != nil {
			return nil, err
		}
		res.Name = analysis.Subtool(name)
		res.Payload = []byte(payload)
		results = append(results, res)
	}
	return results, rows.Err()
}

func (s *Storage) loadFailures(runID string) ([]analysis.SubtoolFailure, error) {
	rows, err := s.db.Query(
		`SELECT subtool, reason, since, final FROM subtool_failures WHERE run_id = ? ORDER BY subtool`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []analysis.SubtoolFailure
	for rows.Next() {
		var name string
		var f analysis.SubtoolFailure
		if err := rows.Scan(&name, &f.Reason, &f.Since, &f.Final); err != nil {
			return nil, err
		}
		f.Name = analysis.Subtool(name)
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var rec RunRecord
	var status, conn, reason string
	if err := row.Scan(
		&rec.ID, &rec.CreatedAt, &rec.UpdatedAt, &status, &rec.Progress,
		&conn, &reason, &rec.Error, &rec.Loading,
	); err != nil {
		return nil, err
	}
	rec.Status = backend.RunStatus(status)
	rec.ConnectionStatus = analysis.ConnectionStatus(conn)
	rec.Reason = analysis.Reason(reason)
	return &rec, nil
}
