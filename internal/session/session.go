// Package session owns the single worker of a desktop session. It picks the
// runtime profile each command needs, restarts the worker when the profile
// changes, and fans worker activity out to the event hub and run log.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/facebridge/internal/events"
	"github.com/mattjoyce/facebridge/internal/log"
	"github.com/mattjoyce/facebridge/internal/profile"
	"github.com/mattjoyce/facebridge/internal/protocol"
	"github.com/mattjoyce/facebridge/internal/runlog"
	"github.com/mattjoyce/facebridge/internal/worker"
)

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("session closed")
	// ErrProfileSwitched fails commands still queued when the worker is
	// replaced by one running another profile.
	ErrProfileSwitched = errors.New("worker profile switched")
)

// Config wires a Session. Catalog is required; everything else is optional.
type Config struct {
	Catalog  *profile.Catalog
	Factory  Factory
	Hub      *events.Hub
	Runs     *runlog.Store
	Notifier Notifier

	ExitGrace       time.Duration
	TermGrace       time.Duration
	StderrTailBytes int
}

// Session drives at most one worker at a time.
type Session struct {
	cfg    Config
	disp   *worker.Dispatcher
	logger *slog.Logger

	// switchMu is held for writing while the worker is replaced and for
	// reading from profile resolution through Send, so a command is only
	// ever handed to a worker of the profile it resolved to.
	switchMu sync.RWMutex

	mu        sync.Mutex
	current   string
	w         Worker
	activeRun string

	quitting atomic.Bool
}

// New creates a session whose current profile is the catalog default. No
// worker is started until Start or the first command.
func New(cfg Config) (*Session, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("session: catalog is required")
	}
	if cfg.Factory == nil {
		cfg.Factory = SupervisorFactory
	}
	s := &Session{
		cfg:     cfg,
		disp:    worker.NewDispatcher(),
		logger:  log.WithComponent("session"),
		current: cfg.Catalog.Default(),
	}
	if s.cfg.Notifier == nil {
		s.cfg.Notifier = &HubNotifier{Hub: cfg.Hub}
	}
	return s, nil
}

// Dispatcher exposes the shared dispatcher.
func (s *Session) Dispatcher() *worker.Dispatcher { return s.disp }

// CurrentProfile returns the profile the current (or next) worker runs.
func (s *Session) CurrentProfile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// State returns the current worker's state, or NotStarted if none exists.
func (s *Session) State() worker.State {
	s.mu.Lock()
	w := s.w
	s.mu.Unlock()
	if w == nil {
		return worker.StateNotStarted
	}
	return w.State()
}

// Quitting reports whether Close has begun.
func (s *Session) Quitting() bool { return s.quitting.Load() }

// Start launches a worker for the current profile if none is running.
func (s *Session) Start(ctx context.Context) error {
	return s.EnsureProfile(ctx, s.CurrentProfile())
}

// WaitReady waits for the current worker to become ready.
func (s *Session) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	w := s.w
	s.mu.Unlock()
	if w == nil {
		return worker.ErrNotRunning
	}
	return w.WaitReady(ctx)
}

// EnsureProfile makes required the active profile. A live worker (starting
// or ready) already on required is kept. Otherwise the current worker is
// stopped and fully exited before a new one is launched. A failed launch is
// reported and not retried; commands queued for it are failed.
func (s *Session) EnsureProfile(ctx context.Context, required string) error {
	desc, ok := s.cfg.Catalog.Get(required)
	if !ok {
		return fmt.Errorf("unknown profile %q", required)
	}

	s.switchMu.Lock()
	defer s.switchMu.Unlock()
	return s.ensureProfileLocked(ctx, desc)
}

// onProfile reports whether a live worker runs required. The caller holds
// switchMu.
func (s *Session) onProfile(required string) bool {
	s.mu.Lock()
	cur, curName := s.w, s.current
	s.mu.Unlock()
	return cur != nil && curName == required && cur.State().Running()
}

// ensureProfileLocked does the work of EnsureProfile with switchMu held for
// writing.
func (s *Session) ensureProfileLocked(ctx context.Context, desc profile.Descriptor) error {
	if s.quitting.Load() {
		return ErrClosed
	}
	required := desc.Name
	if s.onProfile(required) {
		return nil
	}

	s.mu.Lock()
	cur, curName := s.w, s.current
	s.mu.Unlock()

	if cur != nil {
		if curName != required {
			s.logger.Info("switching worker profile", "from", curName, "to", required)
		}
		if err := cur.Stop(ctx); err != nil {
			return fmt.Errorf("stop %s worker: %w", curName, err)
		}
		if curName != required {
			// Commands queued for the old profile must not reach the new one.
			if n := s.disp.FailQueued(ErrProfileSwitched); n > 0 {
				s.logger.Warn("dropped commands queued for previous profile", "profile", curName, "count", n)
			}
		}
	}

	next := s.cfg.Factory(desc, s.disp, s.workerOptions(required))
	s.mu.Lock()
	s.current = required
	s.w = next
	s.mu.Unlock()

	if err := next.Start(ctx); err != nil {
		n := s.disp.FailQueued(err)
		s.logger.Error("worker launch failed", "profile", required, "failed_queued", n, "error", err)
		s.cfg.Notifier.Notify(required, err)
		return err
	}
	return nil
}

// Submit routes a command to a worker running the profile it needs and
// returns without waiting for the response. cb may be nil.
func (s *Session) Submit(ctx context.Context, kind protocol.Kind, data any, cb worker.Callback) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown command kind %q", kind)
	}
	if kind == protocol.KindExit {
		return fmt.Errorf("%s is reserved for shutdown", kind)
	}
	raw, err := protocol.EncodeData(data)
	if err != nil {
		return err
	}

	s.switchMu.RLock()
	if s.quitting.Load() {
		s.switchMu.RUnlock()
		return ErrClosed
	}
	required := s.cfg.Catalog.Resolve(kind, raw, s.CurrentProfile())
	if s.onProfile(required) {
		s.send(ctx, kind, required, raw, cb)
		s.switchMu.RUnlock()
		return nil
	}
	s.switchMu.RUnlock()

	s.switchMu.Lock()
	defer s.switchMu.Unlock()
	// The profile may have moved while no lock was held.
	required = s.cfg.Catalog.Resolve(kind, raw, s.CurrentProfile())
	desc, ok := s.cfg.Catalog.Get(required)
	if !ok {
		return fmt.Errorf("unknown profile %q", required)
	}
	if err := s.ensureProfileLocked(ctx, desc); err != nil {
		return err
	}
	s.send(ctx, kind, required, raw, cb)
	return nil
}

// send opens the run for a workload command and hands it to the dispatcher.
// The caller holds switchMu so the worker cannot change underneath it.
func (s *Session) send(ctx context.Context, kind protocol.Kind, profileName string, raw json.RawMessage, cb worker.Callback) {
	s.disp.Send(kind, raw, s.track(ctx, kind, profileName, raw, cb))
}

// Request submits a command and waits for its result or ctx.
func (s *Session) Request(ctx context.Context, kind protocol.Kind, data any) (worker.Result, error) {
	done := make(chan worker.Result, 1)
	if err := s.Submit(ctx, kind, data, func(r worker.Result) { done <- r }); err != nil {
		return worker.Result{}, err
	}
	select {
	case r := <-done:
		return r, r.Err
	case <-ctx.Done():
		return worker.Result{}, ctx.Err()
	}
}

// Close stops the worker and fails any command still queued.
func (s *Session) Close(ctx context.Context) error {
	s.quitting.Store(true)

	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	w := s.w
	s.mu.Unlock()

	var err error
	if w != nil {
		err = w.Stop(ctx)
	}
	if n := s.disp.FailQueued(ErrClosed); n > 0 {
		s.logger.Info("dropped queued commands", "count", n)
	}
	s.disp.FailPending(ErrClosed)
	s.finishActive(context.Background(), runlog.StatusStopped, nil, "session closed")
	return err
}

func (s *Session) workerOptions(name string) worker.Options {
	return worker.Options{
		ExitGrace:       s.cfg.ExitGrace,
		TermGrace:       s.cfg.TermGrace,
		StderrTailBytes: s.cfg.StderrTailBytes,
		OnState: func(from, to worker.State) {
			s.onState(name, from, to)
		},
		OnEvent: func(ev protocol.Event) {
			s.onEvent(name, ev)
		},
		OnFailure: func(err error) {
			s.cfg.Notifier.Notify(name, err)
		},
		Quitting: s.quitting.Load,
	}
}

func (s *Session) onState(name string, from, to worker.State) {
	s.logger.Debug("worker state", "profile", name, "from", from.String(), "to", to.String())
	if s.cfg.Hub != nil {
		s.cfg.Hub.Publish(events.TypeWorkerState, map[string]string{
			"profile": name,
			"from":    from.String(),
			"to":      to.String(),
		})
		if to == worker.StateReady {
			s.cfg.Hub.Publish(events.TypeWorkerReady, map[string]string{"profile": name})
		}
	}

	ctx := context.Background()
	if s.cfg.Runs != nil {
		if err := s.cfg.Runs.LogTransition(ctx, name, from.String(), to.String(), ""); err != nil {
			s.logger.Warn("failed to record transition", "error", err)
		}
	}
	switch {
	case to == worker.StateFailed:
		s.finishActive(ctx, runlog.StatusFailed, nil, "worker failed")
	case to == worker.StateStopped && from != worker.StateNotStarted:
		s.finishActive(ctx, runlog.StatusStopped, nil, "worker stopped")
	}
}

func (s *Session) onEvent(name string, ev protocol.Event) {
	if s.cfg.Hub != nil {
		s.cfg.Hub.Publish("worker."+ev.Type, map[string]any{
			"profile":   name,
			"data":      ev.Data,
			"timestamp": ev.Timestamp,
		})
	}

	ctx := context.Background()
	switch ev.Type {
	case protocol.EventProgress:
		if id := s.activeRunID(); id != "" && s.cfg.Runs != nil {
			if err := s.cfg.Runs.Progress(ctx, id, ev.Data); err != nil && !errors.Is(err, runlog.ErrRunNotFound) {
				s.logger.Warn("failed to record progress", "run_id", id, "error", err)
			}
		}
	case protocol.EventCompletion:
		s.finishActive(ctx, completionStatus(ev.Data), ev.Data, "")
	}
}

// completionStatus maps a completion payload to a run status.
func completionStatus(data json.RawMessage) runlog.Status {
	var body struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(data, &body)
	switch body.Status {
	case "error", "failed":
		return runlog.StatusFailed
	case "stopped", "cancelled":
		return runlog.StatusStopped
	default:
		return runlog.StatusSucceeded
	}
}

// track opens a run for workload commands and wraps cb to keep the run log
// in step with the response.
func (s *Session) track(ctx context.Context, kind protocol.Kind, profileName string, data json.RawMessage, cb worker.Callback) worker.Callback {
	switch kind {
	case protocol.KindStartProcessing, protocol.KindProcessVideo:
		id := s.beginRun(ctx, kind, profileName, data)
		if id == "" {
			return cb
		}
		return func(r worker.Result) {
			if r.Err != nil {
				s.finishRun(context.Background(), id, runlog.StatusFailed, nil, r.Err.Error())
			}
			if cb != nil {
				cb(r)
			}
		}
	case protocol.KindStopProcessing:
		return func(r worker.Result) {
			if r.Err == nil {
				s.finishActive(context.Background(), runlog.StatusStopped, nil, "")
			}
			if cb != nil {
				cb(r)
			}
		}
	default:
		return cb
	}
}

func (s *Session) beginRun(ctx context.Context, kind protocol.Kind, profileName string, data json.RawMessage) string {
	if s.cfg.Runs == nil {
		return ""
	}
	model, _ := profile.DeclaredModel(kind, data)
	run, err := s.cfg.Runs.Begin(ctx, runlog.BeginRequest{
		Kind:    string(kind),
		Profile: profileName,
		Model:   model,
		Params:  data,
	})
	if err != nil {
		s.logger.Warn("failed to open run", "error", err)
		return ""
	}

	s.mu.Lock()
	prev := s.activeRun
	s.activeRun = run.ID
	s.mu.Unlock()
	if prev != "" {
		s.finishRun(ctx, prev, runlog.StatusStopped, nil, "superseded by "+run.ID)
	}

	log.WithRun(run.ID).Info("run started", "kind", kind, "profile", profileName, "model", model)
	if s.cfg.Hub != nil {
		s.cfg.Hub.Publish(events.TypeRunStarted, run)
	}
	return run.ID
}

func (s *Session) activeRunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRun
}

func (s *Session) finishActive(ctx context.Context, status runlog.Status, result json.RawMessage, reason string) {
	s.mu.Lock()
	id := s.activeRun
	s.activeRun = ""
	s.mu.Unlock()
	if id != "" {
		s.finishRun(ctx, id, status, result, reason)
	}
}

func (s *Session) finishRun(ctx context.Context, id string, status runlog.Status, result json.RawMessage, reason string) {
	s.mu.Lock()
	if s.activeRun == id {
		s.activeRun = ""
	}
	s.mu.Unlock()

	if s.cfg.Runs == nil {
		return
	}
	err := s.cfg.Runs.Finish(ctx, id, status, result, reason)
	if errors.Is(err, runlog.ErrRunNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("failed to close run", "run_id", id, "error", err)
		return
	}
	log.WithRun(id).Info("run finished", "status", status, "reason", reason)
	if s.cfg.Hub != nil {
		s.cfg.Hub.Publish(events.TypeRunFinished, map[string]any{
			"id":     id,
			"status": status,
			"error":  reason,
		})
	}
}
