package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/facebridge/internal/protocol"
	"github.com/mattjoyce/facebridge/internal/runlog"
	"github.com/mattjoyce/facebridge/internal/session"
)

const (
	defaultCommandTimeout = 30 * time.Second
	maxCommandTimeout     = 10 * time.Minute
	maxCommandBody        = 1 << 20
	defaultRunLimit       = 50
	maxRunLimit           = 500
)

// handleHealthz handles GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		WorkerState:   s.session.State().String(),
		Profile:       s.session.CurrentProfile(),
	})
}

// handleCommand handles POST /commands/{kind}
// Sends one command to the worker and waits for its response.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	kind := protocol.Kind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown command kind: "+string(kind))
		return
	}
	if kind == protocol.KindExit {
		s.writeError(w, http.StatusBadRequest, "exit is reserved for shutdown")
		return
	}

	timeout := s.config.CommandTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid timeout: "+v)
			return
		}
		timeout = min(d, maxCommandTimeout)
	}

	var req CommandRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxCommandBody {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	var data any
	if len(req.Data) > 0 && string(req.Data) != "null" {
		data = req.Data
	}
	res, err := s.session.Request(ctx, kind, data)
	if err != nil {
		s.logger.Warn("command failed", "kind", kind, "error", err)
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		case errors.Is(err, session.ErrClosed):
			status = http.StatusServiceUnavailable
		}
		respondJSON(w, status, ErrorResponse{Error: err.Error(), Response: res.Data})
		return
	}

	respondJSON(w, http.StatusOK, CommandResponse{
		ID:       res.ID,
		Kind:     string(kind),
		Profile:  s.session.CurrentProfile(),
		Response: res.Data,
	})
}

// handleListRuns handles GET /runs?limit=N
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusNotFound, "run history disabled")
		return
	}
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit: "+v)
			return
		}
		limit = min(n, maxRunLimit)
	}

	runs, err := s.runs.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []runlog.Run{}
	}
	respondJSON(w, http.StatusOK, RunListResponse{Runs: runs})
}

// handleGetRun handles GET /runs/{runID}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusNotFound, "run history disabled")
		return
	}
	id := chi.URLParam(r, "runID")

	run, err := s.runs.Get(r.Context(), id)
	if errors.Is(err, runlog.ErrRunNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get run", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// handleTransitions handles GET /transitions
func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusNotFound, "run history disabled")
		return
	}
	ts, err := s.runs.Transitions(r.Context())
	if err != nil {
		s.logger.Error("failed to list transitions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list transitions")
		return
	}
	if ts == nil {
		ts = []runlog.Transition{}
	}
	respondJSON(w, http.StatusOK, TransitionListResponse{Transitions: ts})
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
