package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/facebridge/internal/config"
	"github.com/mattjoyce/facebridge/internal/events"
	"github.com/mattjoyce/facebridge/internal/lock"
	"github.com/mattjoyce/facebridge/internal/log"
	"github.com/mattjoyce/facebridge/internal/runlog"
	"github.com/mattjoyce/facebridge/internal/session"
	"github.com/mattjoyce/facebridge/internal/storage"
)

// runtime is everything a worker-driving command holds open.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	lock    *lock.PIDLock
	db      *sql.DB
	runs    *runlog.Store
	hub     *events.Hub
	session *session.Session
}

// openRuntime takes the instance lock, opens the state database and builds a
// session. No worker is launched yet.
func openRuntime(ctx context.Context, cfg *config.Config) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, logger: log.WithComponent("main")}
	defer func() {
		if err != nil {
			rt.release()
		}
	}()

	sessionID := uuid.NewString()
	rt.lock, err = lock.AcquirePIDLock(cfg.Lock.Path, sessionID)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, withCode(exitLocked, err)
		}
		return nil, fmt.Errorf("acquire lock %s: %w", cfg.Lock.Path, err)
	}
	rt.logger.Debug("acquired PID lock", "path", cfg.Lock.Path, "session_id", sessionID)

	rt.db, err = storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open state database %s: %w", cfg.State.Path, err)
	}
	rt.runs = runlog.New(rt.db, sessionID)
	rt.hub = events.NewHub(256)

	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, withCode(exitConfig, err)
	}
	rt.session, err = session.New(session.Config{
		Catalog:         catalog,
		Hub:             rt.hub,
		Runs:            rt.runs,
		ExitGrace:       cfg.Worker.ExitGrace,
		TermGrace:       cfg.Worker.TermGrace,
		StderrTailBytes: cfg.Worker.StderrTailBytes,
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// shutdownTimeout bounds Close: one full exit escalation plus slack.
func (rt *runtime) shutdownTimeout() time.Duration {
	return rt.cfg.Worker.ExitGrace + rt.cfg.Worker.TermGrace + 5*time.Second
}

// Close stops the worker and releases the database and lock.
func (rt *runtime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), rt.shutdownTimeout())
	defer cancel()

	var err error
	if rt.session != nil {
		err = rt.session.Close(ctx)
	}
	if n, ferr := rt.runs.FailRunning(ctx, "orchestrator shut down"); ferr != nil {
		rt.logger.Warn("failed to close open runs", "error", ferr)
	} else if n > 0 {
		rt.logger.Info("closed open runs", "count", n)
	}
	rt.release()
	return err
}

func (rt *runtime) release() {
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			rt.logger.Warn("failed to close state database", "error", err)
		}
	}
	if rt.lock != nil {
		if err := rt.lock.Release(); err != nil {
			rt.logger.Warn("failed to release PID lock", "error", err)
		}
	}
}
