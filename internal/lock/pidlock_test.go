package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquirePIDLockWritesOwner(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "run", "facebridge.lock")
	l, err := AcquirePIDLock(lockPath, "session-1")
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	owner, err := ReadOwner(lockPath)
	if err != nil {
		t.Fatalf("ReadOwner: %v", err)
	}
	if owner.PID != os.Getpid() {
		t.Fatalf("pid = %d, want %d", owner.PID, os.Getpid())
	}
	if owner.SessionID != "session-1" {
		t.Fatalf("session = %q, want session-1", owner.SessionID)
	}
	if l.Owner() != owner {
		t.Fatalf("Owner() = %+v, want %+v", l.Owner(), owner)
	}
}

func TestAcquirePIDLockIsExclusive(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "facebridge.lock")
	first, err := AcquirePIDLock(lockPath, "a")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	if _, err := AcquirePIDLock(lockPath, "b"); !errors.Is(err, ErrLocked) {
		t.Fatalf("second acquire err = %v, want ErrLocked", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	second, err := AcquirePIDLock(lockPath, "b")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = second.Release()
	_ = second.Release()
}

func TestAcquirePIDLockEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := AcquirePIDLock("", "s"); err == nil {
		t.Fatal("expected error for empty path")
	}
}
