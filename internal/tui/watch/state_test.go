package watch

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/facebridge/internal/events"
)

func ev(id int64, typ, data string) events.Event {
	return events.Event{ID: id, Type: typ, At: time.Unix(1700000000+id, 0), Data: json.RawMessage(data)}
}

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"",
		"id: 4",
		"event: worker.state",
		`data: {"profile":"yolo","from":"starting","to":"ready"}`,
		"",
		"id: 5",
		"event: worker.progress",
		`data: {"data":"Found 2 face(s)"}`,
		"",
		"id: 6",
		"event: partial",
	}, "\n")

	var got []events.Event
	last := readSSE(strings.NewReader(stream), func(e events.Event) { got = append(got, e) })

	require.Len(t, got, 2)
	assert.Equal(t, int64(5), last)
	assert.Equal(t, events.TypeWorkerState, got[0].Type)
	assert.JSONEq(t, `{"profile":"yolo","from":"starting","to":"ready"}`, string(got[0].Data))
	assert.Equal(t, int64(5), got[1].ID)
	assert.False(t, got[1].At.IsZero())
}

func TestApplyWorkerLifecycle(t *testing.T) {
	var w WorkerState
	runs := map[string]*RunState{}

	apply(&w, runs, ev(1, events.TypeWorkerState, `{"profile":"yolo","from":"not_started","to":"starting"}`))
	apply(&w, runs, ev(2, events.TypeWorkerState, `{"profile":"yolo","from":"starting","to":"ready"}`))
	assert.Equal(t, "yolo", w.Profile)
	assert.Equal(t, "ready", w.State)
	assert.Equal(t, 0, w.Restarts)

	apply(&w, runs, ev(3, events.TypeWorkerFailure, `{"profile":"yolo","error":"worker exited with status 3","exit_code":3}`))
	assert.Equal(t, "worker exited with status 3", w.LastFailure)
	assert.Equal(t, 3, w.ExitCode)

	apply(&w, runs, ev(4, events.TypeWorkerState, `{"profile":"retinaface","from":"not_started","to":"starting"}`))
	assert.Equal(t, "retinaface", w.Profile)
	assert.Equal(t, 1, w.Restarts)
	assert.Empty(t, w.LastFailure)
}

func TestApplyRuns(t *testing.T) {
	var w WorkerState
	runs := map[string]*RunState{}

	apply(&w, runs, ev(1, events.TypeRunStarted, `{"id":"run-aaaaaaaaaa","profile":"retinaface","model":"retinaface"}`))
	apply(&w, runs, ev(2, events.TypeWorkerProgress, `{"profile":"retinaface","data":"Found 1 face(s) in a.jpg"}`))
	apply(&w, runs, ev(3, events.TypeWorkerProgress, `{"profile":"retinaface","data":{"message":"Found 3 face(s) in b.jpg"}}`))

	r := runs["run-aaaaaaaaaa"]
	require.NotNil(t, r)
	assert.Equal(t, 2, r.Progress)
	assert.Equal(t, "Found 3 face(s) in b.jpg", r.LastMessage)
	assert.Equal(t, "running", r.Status)

	apply(&w, runs, ev(4, events.TypeRunFinished, `{"id":"run-aaaaaaaaaa","status":"succeeded","error":""}`))
	assert.Equal(t, "succeeded", r.Status)
	assert.False(t, r.EndTime.IsZero())

	// No active run: progress is ignored.
	apply(&w, runs, ev(5, events.TypeWorkerProgress, `{"data":"stray"}`))
	assert.Equal(t, 2, r.Progress)
}

func TestPruneRunsKeepsNewest(t *testing.T) {
	var w WorkerState
	runs := map[string]*RunState{}
	for i := 1; i <= maxTrackedRuns+5; i++ {
		apply(&w, runs, ev(int64(i), events.TypeRunStarted, `{"id":"run-`+string(rune('A'+i))+`"}`))
	}
	assert.Len(t, runs, maxTrackedRuns)
	_, oldest := runs["run-B"]
	assert.False(t, oldest)
}

func TestHandleEventSkipsReplays(t *testing.T) {
	m := *New("http://127.0.0.1:8765", "")
	m = m.handleEvent(ev(3, events.TypeWorkerState, `{"profile":"yolo","to":"starting"}`))
	m = m.handleEvent(ev(3, events.TypeWorkerState, `{"profile":"yolo","to":"starting"}`))
	m = m.handleEvent(ev(2, events.TypeWorkerState, `{"profile":"yolo","to":"ready"}`))

	assert.Len(t, m.eventLog, 1)
	assert.Equal(t, int64(3), m.lastID)
	assert.Equal(t, "starting", m.worker.State)
}

func TestDescribeEvent(t *testing.T) {
	assert.Equal(t, "yolo starting → ready",
		describeEvent(ev(1, events.TypeWorkerState, `{"profile":"yolo","from":"starting","to":"ready"}`)))
	assert.Equal(t, "[12345678] retinaface retinaface",
		describeEvent(ev(1, events.TypeRunStarted, `{"id":"1234567890","profile":"retinaface","model":"retinaface"}`)))
	assert.Equal(t, "Found 2 face(s)",
		describeEvent(ev(1, events.TypeWorkerProgress, `{"data":"Found 2 face(s)"}`)))
	assert.Equal(t, `{"x":1}`, describeEvent(ev(1, "other", `{"x":1}`)))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
