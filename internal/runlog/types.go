package runlog

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether no further updates are expected for a run.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusStopped
}

// Run is one workload submitted to the worker.
type Run struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	Kind        string          `json:"kind"`
	Profile     string          `json:"profile"`
	Model       string          `json:"model,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	Status      Status          `json:"status"`
	Progress    int             `json:"progress"`
	LastMessage string          `json:"last_message,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// BeginRequest describes a run being opened.
type BeginRequest struct {
	Kind    string
	Profile string
	Model   string
	Params  json.RawMessage
}

// Transition is one recorded worker state change.
type Transition struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Profile   string    `json:"profile"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

var ErrRunNotFound = errors.New("run not found")
