package api

import (
	"encoding/json"

	"github.com/mattjoyce/facebridge/internal/runlog"
)

// CommandRequest is the JSON body for POST /commands/{kind}
type CommandRequest struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// CommandResponse is returned once the worker answers.
type CommandResponse struct {
	ID       int64           `json:"id"`
	Kind     string          `json:"kind"`
	Profile  string          `json:"profile"`
	Response json.RawMessage `json:"response,omitempty"`
}

// ErrorResponse is returned on errors. Response carries the worker's own
// body when the worker reported the failure.
type ErrorResponse struct {
	Error    string          `json:"error"`
	Response json.RawMessage `json:"response,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	WorkerState   string `json:"worker_state"`
	Profile       string `json:"profile"`
}

// RunListResponse is returned by GET /runs.
type RunListResponse struct {
	Runs []runlog.Run `json:"runs"`
}

// TransitionListResponse is returned by GET /transitions.
type TransitionListResponse struct {
	Transitions []runlog.Transition `json:"transitions"`
}
