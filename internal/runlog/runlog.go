package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxMessageBytes = 4 * 1024

const runColumns = `id, session_id, kind, profile, model, params, status, progress, last_message,
  result, last_error, started_at, updated_at, completed_at`

// Store records workload runs and worker transitions for one session.
type Store struct {
	db        *sql.DB
	sessionID string
}

func New(db *sql.DB, sessionID string) *Store {
	return &Store{db: db, sessionID: sessionID}
}

// SessionID returns the session this store writes under.
func (s *Store) SessionID() string { return s.sessionID }

// Begin opens a running run and returns it.
func (s *Store) Begin(ctx context.Context, req BeginRequest) (*Run, error) {
	if req.Kind == "" {
		return nil, fmt.Errorf("kind is empty")
	}
	if req.Profile == "" {
		return nil, fmt.Errorf("profile is empty")
	}

	now := time.Now().UTC()
	run := &Run{
		ID:        uuid.NewString(),
		SessionID: s.sessionID,
		Kind:      req.Kind,
		Profile:   req.Profile,
		Model:     req.Model,
		Params:    req.Params,
		Status:    StatusRunning,
		StartedAt: now,
		UpdatedAt: now,
	}

	nowS := now.Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs(id, session_id, kind, profile, model, params, status, progress, started_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, 0, ?, ?);
`, run.ID, run.SessionID, run.Kind, run.Profile, nullString(req.Model), rawOrNull(req.Params), StatusRunning, nowS, nowS)
	if err != nil {
		return nil, fmt.Errorf("begin run: %w", err)
	}
	return run, nil
}

// Progress increments the progress count of a running run and records the
// event's message.
func (s *Store) Progress(ctx context.Context, id string, data json.RawMessage) error {
	msg := ProgressMessage(data)
	res, err := s.db.ExecContext(ctx, `
UPDATE runs
SET progress = progress + 1, last_message = COALESCE(?, last_message), updated_at = ?
WHERE id = ? AND status = ?;
`, nullString(msg), time.Now().UTC().Format(time.RFC3339Nano), id, StatusRunning)
	if err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	return expectRow(res)
}

// Finish closes a running run with a terminal status. Finishing a run that is
// already closed returns ErrRunNotFound.
func (s *Store) Finish(ctx context.Context, id string, status Status, result json.RawMessage, lastError string) error {
	if !status.Terminal() {
		return fmt.Errorf("invalid terminal status: %q", status)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE runs
SET status = ?, result = ?, last_error = ?, updated_at = ?, completed_at = ?
WHERE id = ? AND status = ?;
`, status, rawOrNull(result), nullString(lastError), now, now, id, StatusRunning)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return expectRow(res)
}

// FailRunning closes every running run of this session as failed and
// returns how many were closed.
func (s *Store) FailRunning(ctx context.Context, reason string) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE runs
SET status = ?, last_error = ?, updated_at = ?, completed_at = ?
WHERE session_id = ? AND status = ?;
`, StatusFailed, nullString(reason), now, now, s.sessionID, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("fail running runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// Active returns the most recent running run of this session, or (nil, nil).
func (s *Store) Active(ctx context.Context) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+runColumns+`
FROM runs
WHERE session_id = ? AND status = ?
ORDER BY rowid DESC
LIMIT 1;
`, s.sessionID, StatusRunning)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// Get returns a run by id from any session.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?;`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// List returns the most recent runs across sessions, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+runColumns+`
FROM runs
ORDER BY rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

// LogTransition appends a worker state change to worker_log.
func (s *Store) LogTransition(ctx context.Context, profile, from, to, detail string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO worker_log(session_id, profile, from_state, to_state, detail, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, s.sessionID, profile, from, to, nullString(detail), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("log transition: %w", err)
	}
	return nil
}

// Transitions returns this session's recorded worker state changes, oldest first.
func (s *Store) Transitions(ctx context.Context) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, profile, from_state, to_state, detail, created_at
FROM worker_log
WHERE session_id = ?
ORDER BY id ASC;
`, s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			tr       Transition
			detail   sql.NullString
			createdS string
		)
		if err := rows.Scan(&tr.ID, &tr.SessionID, &tr.Profile, &tr.From, &tr.To, &detail, &createdS); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.Detail = detail.String
		if t, err := time.Parse(time.RFC3339Nano, createdS); err == nil {
			tr.CreatedAt = t
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		r            Run
		model        sql.NullString
		params       sql.NullString
		statusS      string
		lastMessage  sql.NullString
		result       sql.NullString
		lastError    sql.NullString
		startedAtS   string
		updatedAtS   string
		completedAtS sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.SessionID, &r.Kind, &r.Profile, &model, &params, &statusS, &r.Progress, &lastMessage,
		&result, &lastError, &startedAtS, &updatedAtS, &completedAtS,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}

	r.Status = Status(statusS)
	r.Model = model.String
	r.LastMessage = lastMessage.String
	r.LastError = lastError.String
	if params.Valid {
		r.Params = json.RawMessage(params.String)
	}
	if result.Valid {
		r.Result = json.RawMessage(result.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
		r.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAtS); err == nil {
		r.UpdatedAt = t
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			r.CompletedAt = &t
		}
	}
	return &r, nil
}

// ProgressMessage extracts a human-readable message from a progress payload:
// either a bare JSON string or an object with a "message" field.
func ProgressMessage(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return truncate(s)
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		return truncate(obj.Message)
	}
	return ""
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxMessageBytes {
		return s[:maxMessageBytes]
	}
	return s
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNull(b json.RawMessage) any {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return string(b)
}
