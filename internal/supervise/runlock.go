package supervise

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another live process holds the run lock.
var ErrLocked = errors.New("run lock held by another process")

// LockRecord is the content of a run lock file.
type LockRecord struct {
	PID        int       `json:"pid"`
	StartToken string    `json:"start_token"`
	Epoch      int64     `json:"epoch"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// RunLock is an acquired run lock. The record file is the lock; a sibling
// ".guard" file is flocked only while the record is read and rewritten.
type RunLock struct {
	path   string
	Record LockRecord
}

// AcquireRunLock takes the run lock at path. A record left by a process
// that is gone, or whose PID now belongs to a different process, is stale
// and replaced. The epoch of the new record is one past the previous one.
func AcquireRunLock(path string) (*RunLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	var lock *RunLock
	err := withGuard(path, func() error {
		prev, err := ReadRunLock(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if prev != nil && Alive(prev.PID, prev.StartToken) {
			return fmt.Errorf("%w: pid %d (epoch %d)", ErrLocked, prev.PID, prev.Epoch)
		}

		pid := os.Getpid()
		token, err := StartToken(pid)
		if err != nil {
			return fmt.Errorf("read own start token: %w", err)
		}
		rec := LockRecord{PID: pid, StartToken: token, Epoch: 1, AcquiredAt: time.Now().UTC()}
		if prev != nil {
			rec.Epoch = prev.Epoch + 1
		}
		if err := writeRecord(path, rec); err != nil {
			return err
		}
		lock = &RunLock{path: path, Record: rec}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// Release clears the owner of the record if it is still ours. The file
// stays so the next acquisition continues the epoch.
func (l *RunLock) Release() error {
	return withGuard(l.path, func() error {
		cur, err := ReadRunLock(l.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if cur.PID != l.Record.PID || cur.Epoch != l.Record.Epoch {
			return nil
		}
		cur.PID = 0
		cur.StartToken = ""
		return writeRecord(l.path, *cur)
	})
}

// ReadRunLock reads the record at path. A missing file yields an error
// matching os.ErrNotExist.
func ReadRunLock(path string) (*LockRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse run lock %s: %w", path, err)
	}
	return &rec, nil
}

func writeRecord(path string, rec LockRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write run lock: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install run lock: %w", err)
	}
	return nil
}

func withGuard(path string, fn func() error) error {
	f, err := os.OpenFile(path+".guard", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock guard: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("acquire lock guard: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return fn()
}
