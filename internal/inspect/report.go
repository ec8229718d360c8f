// Package inspect renders offline reports of recorded runs from the state
// database.
package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/facebridge/internal/runlog"
)

// Report is the structured JSON representation of a run report.
type Report struct {
	Run      runlog.Run `json:"run"`
	Duration string     `json:"duration,omitempty"`
	Timeline []Step     `json:"timeline"`
}

// Step is one worker state change around the run.
type Step struct {
	At      time.Time `json:"at"`
	Profile string    `json:"profile"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Detail  string    `json:"detail,omitempty"`
}

// BuildReport renders a terminal-friendly report for a run.
func BuildReport(ctx context.Context, db *sql.DB, runID string) (string, error) {
	report, err := gatherReportData(ctx, db, runID)
	if err != nil {
		return "", err
	}
	run := report.Run

	var out strings.Builder
	fmt.Fprintf(&out, "Run Report\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", run.ID)
	fmt.Fprintf(&out, "Session     : %s\n", run.SessionID)
	fmt.Fprintf(&out, "Kind        : %s\n", run.Kind)
	fmt.Fprintf(&out, "Profile     : %s\n", run.Profile)
	fmt.Fprintf(&out, "Model       : %s\n", renderUnset(run.Model, "<none>"))
	fmt.Fprintf(&out, "Status      : %s\n", run.Status)
	fmt.Fprintf(&out, "Progress    : %d\n", run.Progress)
	fmt.Fprintf(&out, "Started     : %s\n", run.StartedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Fprintf(&out, "Completed   : %s (%s)\n", run.CompletedAt.Format(time.RFC3339), report.Duration)
	} else {
		fmt.Fprintf(&out, "Completed   : <running>\n")
	}
	if run.LastMessage != "" {
		fmt.Fprintf(&out, "Last message: %s\n", run.LastMessage)
	}
	if run.LastError != "" {
		fmt.Fprintf(&out, "Error       : %s\n", run.LastError)
	}
	fmt.Fprintf(&out, "\n")

	writeJSONBlock(&out, "params", run.Params)
	writeJSONBlock(&out, "result", run.Result)

	fmt.Fprintf(&out, "worker timeline:\n")
	if len(report.Timeline) == 0 {
		fmt.Fprintf(&out, "  <none>\n")
	}
	for _, step := range report.Timeline {
		line := fmt.Sprintf("  %s  %-12s %s -> %s", step.At.Format("15:04:05.000"), step.Profile, step.From, step.To)
		if step.Detail != "" {
			line += "  (" + step.Detail + ")"
		}
		fmt.Fprintln(&out, line)
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON run report.
func BuildJSONReport(ctx context.Context, db *sql.DB, runID string) (string, error) {
	report, err := gatherReportData(ctx, db, runID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, db *sql.DB, runID string) (*Report, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	run, err := runlog.New(db, "").Get(ctx, runID)
	if errors.Is(err, runlog.ErrRunNotFound) {
		return nil, fmt.Errorf("run %q not found: %w", runID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("query run %q: %w", runID, err)
	}

	report := &Report{Run: *run, Timeline: make([]Step, 0)}
	end := time.Now().UTC()
	if run.CompletedAt != nil {
		end = *run.CompletedAt
		report.Duration = run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
	}

	steps, err := lookupTransitions(ctx, db, run.SessionID)
	if err != nil {
		return nil, err
	}
	report.Timeline = window(steps, run.StartedAt, end)
	return report, nil
}

// window keeps the last step at or before start, which shows the worker the
// run was handed to, plus every step up to end.
func window(steps []Step, start, end time.Time) []Step {
	out := make([]Step, 0)
	var before *Step
	for i := range steps {
		s := steps[i]
		switch {
		case !s.At.After(start):
			before = &steps[i]
		case !s.At.After(end):
			out = append(out, s)
		}
	}
	if before != nil {
		out = append([]Step{*before}, out...)
	}
	return out
}

func lookupTransitions(ctx context.Context, db *sql.DB, sessionID string) ([]Step, error) {
	rows, err := db.QueryContext(ctx, `
SELECT profile, from_state, to_state, detail, created_at
FROM worker_log
WHERE session_id = ?
ORDER BY id ASC;
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query worker log for session %q: %w", sessionID, err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var (
			step    Step
			detail  sql.NullString
			created string
		)
		if err := rows.Scan(&step.Profile, &step.From, &step.To, &detail, &created); err != nil {
			return nil, fmt.Errorf("scan worker log: %w", err)
		}
		step.Detail = detail.String
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			step.At = t
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func writeJSONBlock(out *strings.Builder, label string, raw json.RawMessage) {
	fmt.Fprintf(out, "%s:\n", label)
	for _, line := range strings.Split(strings.TrimSpace(prettyJSON(raw)), "\n") {
		fmt.Fprintf(out, "  %s\n", line)
	}
	fmt.Fprintf(out, "\n")
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
