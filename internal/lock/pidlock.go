package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrLocked means another orchestrator holds the lock.
var ErrLocked = errors.New("another facebridge instance holds the lock")

// Owner is the content of a lock file.
type Owner struct {
	PID       int
	SessionID string
}

// PIDLock is a single-instance lock implemented via a PID file + flock(2).
// Keep the lock alive by keeping the file descriptor open.
type PIDLock struct {
	path  string
	f     *os.File
	owner Owner
}

// AcquirePIDLock acquires an exclusive non-blocking lock at lockPath, writes
// the current PID and sessionID into the file, and returns a handle that must
// be released.
func AcquirePIDLock(lockPath, sessionID string) (*PIDLock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if owner, rerr := ReadOwner(lockPath); rerr == nil {
				return nil, fmt.Errorf("%w (pid %d, session %s)", ErrLocked, owner.PID, owner.SessionID)
			}
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	owner := Owner{PID: os.Getpid(), SessionID: sessionID}
	if err := writeOwner(f, owner); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, err
	}

	return &PIDLock{path: lockPath, f: f, owner: owner}, nil
}

func writeOwner(f *os.File, owner Owner) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d %s\n", owner.PID, owner.SessionID); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

// ReadOwner parses the lock file at path without taking the lock.
func ReadOwner(path string) (Owner, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Owner{}, fmt.Errorf("read lock file: %w", err)
	}
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return Owner{}, fmt.Errorf("lock file %s is empty", path)
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return Owner{}, fmt.Errorf("parse pid: %w", err)
	}
	owner := Owner{PID: pid}
	if len(fields) > 1 {
		owner.SessionID = fields[1]
	}
	return owner, nil
}

func (l *PIDLock) Path() string { return l.path }

func (l *PIDLock) Owner() Owner { return l.owner }

func (l *PIDLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
