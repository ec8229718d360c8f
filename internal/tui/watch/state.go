package watch

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/mattjoyce/facebridge/internal/events"
)

// WorkerState tracks the supervised worker as reported by worker.* events.
type WorkerState struct {
	Profile     string
	State       string
	Since       time.Time
	Restarts    int
	LastFailure string
	ExitCode    int
}

// RunState tracks one workload run discovered from run.* events.
type RunState struct {
	ID          string
	Profile     string
	Model       string
	Status      string
	Progress    int
	LastMessage string
	StartTime   time.Time
	EndTime     time.Time
}

const maxTrackedRuns = 20

// apply folds one hub event into the worker and run views.
func apply(w *WorkerState, runs map[string]*RunState, e events.Event) {
	data := make(map[string]json.RawMessage)
	_ = json.Unmarshal(e.Data, &data)
	str := func(key string) string {
		var s string
		_ = json.Unmarshal(data[key], &s)
		return s
	}

	switch e.Type {
	case events.TypeWorkerState:
		to := str("to")
		if p := str("profile"); p != "" {
			if to == "starting" && w.State != "" {
				w.Restarts++
			}
			w.Profile = p
		}
		w.State = to
		w.Since = e.At
		if to == "starting" {
			w.LastFailure = ""
			w.ExitCode = 0
		}

	case events.TypeWorkerFailure:
		w.LastFailure = str("error")
		var code int
		if json.Unmarshal(data["exit_code"], &code) == nil {
			w.ExitCode = code
		}

	case events.TypeRunStarted:
		id := str("id")
		if id == "" {
			return
		}
		runs[id] = &RunState{
			ID:        id,
			Profile:   str("profile"),
			Model:     str("model"),
			Status:    "running",
			StartTime: e.At,
		}
		pruneRuns(runs)

	case events.TypeRunFinished:
		if r, ok := runs[str("id")]; ok {
			r.Status = str("status")
			r.EndTime = e.At
			if msg := str("error"); msg != "" {
				r.LastMessage = msg
			}
		}

	case events.TypeWorkerProgress:
		if r := activeRun(runs); r != nil {
			r.Progress++
			if msg := progressText(data["data"]); msg != "" {
				r.LastMessage = msg
			}
		}
	}
}

// progressText extracts a printable message from a progress payload, which
// is either a bare string or an object with a message field.
func progressText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.Message
	}
	return ""
}

func activeRun(runs map[string]*RunState) *RunState {
	var best *RunState
	for _, r := range runs {
		if r.Status != "running" {
			continue
		}
		if best == nil || r.StartTime.After(best.StartTime) {
			best = r
		}
	}
	return best
}

// sortedRuns returns runs newest first.
func sortedRuns(runs map[string]*RunState) []*RunState {
	out := make([]*RunState, 0, len(runs))
	for _, r := range runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

func pruneRuns(runs map[string]*RunState) {
	if len(runs) <= maxTrackedRuns {
		return
	}
	for _, r := range sortedRuns(runs)[maxTrackedRuns:] {
		delete(runs, r.ID)
	}
}
