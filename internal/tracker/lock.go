package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// Lock is the content of the state directory lock held by a running watch.
type Lock struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	RunID     string    `json:"run_id"`
}

var ErrLockHeld = errors.New("analysiswatch lock is held")

// AcquireLock claims the state directory for a watch of runID. A lock left by
// a dead process is replaced. The returned func releases the lock.
func (w *Writer) AcquireLock(runID string) (func() error, error) {
	l := Lock{PID: os.Getpid(), StartedAt: w.now(), RunID: runID}
	data, err := json.MarshalIndent(l, "", "    ")
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		err = createExclusive(w.LockPath, data)
		if err == nil {
			return func() error { return os.Remove(w.LockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}

		existing, readErr := w.ReadLock()
		if readErr != nil || existing == nil {
			return nil, fmt.Errorf("%w (lock file exists)", ErrLockHeld)
		}
		if existing.Alive() {
			return nil, fmt.Errorf("%w by pid %d watching run %s", ErrLockHeld, existing.PID, existing.RunID)
		}
		// Stale lock from a dead process.
		if err := os.Remove(w.LockPath); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w (lock file exists)", ErrLockHeld)
}

// ReadLock returns the current lock, or nil when none is held.
func (w *Writer) ReadLock() (*Lock, error) {
	b, err := os.ReadFile(w.LockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var l Lock
	if err := json.Unmarshal(b, &l); err != nil || l.PID <= 0 {
		return nil, fmt.Errorf("corrupt lock file %s", w.LockPath)
	}
	return &l, nil
}

// Alive reports whether the process holding the lock is still running.
func (l *Lock) Alive() bool {
	return processAlive(l.PID)
}

// createExclusive writes data to a new file at path, failing if it exists.
func createExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

func processAlive(pid int) bool {
	// On unix, signal 0 checks existence/permission.
	err := syscall.Kill(pid, 0)
	return err == nil
}
