package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkerStopped is delivered to callbacks still pending when a worker stops.
	ErrWorkerStopped = errors.New("worker stopped")
	// ErrNotRunning is returned when an operation needs a live worker.
	ErrNotRunning = errors.New("worker not running")
	// ErrAlreadyStarted is returned by Start on a supervisor that has been used.
	ErrAlreadyStarted = errors.New("worker already started")
)

// RemoteError is a failure reported by the worker itself, either as a
// response with status "error" or as an {"type":"error"} signal.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "worker error"
	}
	return "worker error: " + e.Message
}

// ExitError describes an unexpected worker exit with a positive status.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("worker exited with status %d", e.Code)
}
