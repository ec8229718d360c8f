package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/facebridge/internal/log"
	"github.com/mattjoyce/facebridge/internal/protocol"
)

func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeWorkerEnv); mode != "" {
		os.Exit(runFakeWorker(mode))
	}
	log.Setup("ERROR", "text") // Suppress logs in tests
	os.Exit(m.Run())
}

// lineRecorder captures written command lines.
type lineRecorder struct {
	mu  sync.Mutex
	buf bytes.Buffer
	err error
}

func (r *lineRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	return r.buf.Write(p)
}

func (r *lineRecorder) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *lineRecorder) commands(t *testing.T) []protocol.Command {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Command
	sc := bufio.NewScanner(bytes.NewReader(r.buf.Bytes()))
	for sc.Scan() {
		var cmd protocol.Command
		require.NoError(t, json.Unmarshal(sc.Bytes(), &cmd), "line %q", sc.Text())
		out = append(out, cmd)
	}
	return out
}

func response(id int64, body string) protocol.Message {
	return protocol.Message{Type: protocol.TypeResponse, ID: &id, Response: json.RawMessage(body)}
}

func TestDispatcherAssignsUniqueIDs(t *testing.T) {
	d := NewDispatcher()
	rec := &lineRecorder{}
	d.Open(rec)

	for i := 0; i < 20; i++ {
		d.Send(protocol.KindPing, nil, func(Result) {})
	}

	cmds := rec.commands(t)
	require.Len(t, cmds, 20)
	seen := make(map[int64]bool)
	for _, c := range cmds {
		assert.False(t, seen[c.ID], "id %d reused", c.ID)
		seen[c.ID] = true
	}
	assert.Equal(t, 20, d.Pending())
}

func TestDispatcherFireAndForgetNotPending(t *testing.T) {
	d := NewDispatcher()
	rec := &lineRecorder{}
	d.Open(rec)

	d.Send(protocol.KindStopProcessing, nil, nil)

	assert.Len(t, rec.commands(t), 1)
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcherQueueThenFlushOrder(t *testing.T) {
	d := NewDispatcher()
	rec := &lineRecorder{}

	d.Send(protocol.KindGetModels, nil, nil)
	d.Send(protocol.KindLoadModel, map[string]string{"model_path": "m1"}, nil)
	d.Send(protocol.KindGetStatus, nil, nil)

	assert.Empty(t, rec.commands(t))
	assert.Equal(t, 3, d.Queued())

	d.Open(rec)

	cmds := rec.commands(t)
	require.Len(t, cmds, 3)
	assert.Equal(t, protocol.KindGetModels, cmds[0].Type)
	assert.Equal(t, protocol.KindLoadModel, cmds[1].Type)
	assert.Equal(t, protocol.KindGetStatus, cmds[2].Type)
	assert.Less(t, cmds[0].ID, cmds[1].ID)
	assert.Less(t, cmds[1].ID, cmds[2].ID)
	assert.Equal(t, 0, d.Queued())
	assert.True(t, d.IsOpen())
}

func TestDispatcherReentrantSendDuringDrain(t *testing.T) {
	d := NewDispatcher()
	rec := &lineRecorder{}

	// Write failure fires the callback inside the drain; its send joins the
	// tail and is consumed in the same pass.
	failing := &lineRecorder{err: errors.New("broken pipe")}
	var once sync.Once
	d.Send(protocol.KindPing, nil, func(Result) {
		once.Do(func() { d.Send(protocol.KindEcho, nil, nil) })
	})
	d.Send(protocol.KindGetStatus, nil, nil)

	d.Open(failing)
	assert.Equal(t, 0, d.Queued())
	assert.Empty(t, failing.commands(t))

	// A send from a response callback after the drain goes straight out.
	d.Suspend()
	d.Send(protocol.KindPing, nil, func(Result) {
		d.Send(protocol.KindEcho, nil, nil)
	})
	d.Send(protocol.KindGetStatus, nil, nil)
	d.Open(rec)
	d.HandleResponse(response(rec.commands(t)[0].ID, `{"status":"success"}`))

	cmds := rec.commands(t)
	require.Len(t, cmds, 3)
	assert.Equal(t, protocol.KindPing, cmds[0].Type)
	assert.Equal(t, protocol.KindGetStatus, cmds[1].Type)
	assert.Equal(t, protocol.KindEcho, cmds[2].Type)
}

func TestDispatcherResponseResolvesCallback(t *testing.T) {
	d := NewDispatcher()
	rec := &lineRecorder{}
	d.Open(rec)

	var got Result
	calls := 0
	d.Send(protocol.KindGetModels, nil, func(r Result) {
		calls++
		got = r
	})
	id := rec.commands(t)[0].ID

	d.HandleResponse(response(id, `{"status":"success","models":["a"]}`))
	d.HandleResponse(response(id, `{"status":"success"}`))

	assert.Equal(t, 1, calls)
	assert.NoError(t, got.Err)
	assert.Equal(t, id, got.ID)
	assert.JSONEq(t, `{"status":"success","models":["a"]}`, string(got.Data))
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcherRemoteErrorStatus(t *testing.T) {
	d := NewDispatcher()
	rec := &lineRecorder{}
	d.Open(rec)

	var got Result
	d.Send(protocol.KindLoadModel, nil, func(r Result) { got = r })
	d.HandleResponse(response(rec.commands(t)[0].ID, `{"status":"error","message":"no such model"}`))

	var remote *RemoteError
	require.ErrorAs(t, got.Err, &remote)
	assert.Equal(t, "no such model", remote.Message)
}

func TestDispatcherDropsUnmatchedResponse(t *testing.T) {
	d := NewDispatcher()
	rec := &lineRecorder{}
	d.Open(rec)

	d.Send(protocol.KindPing, nil, func(Result) {})
	d.Send(protocol.KindPing, nil, func(Result) {})

	assert.NotPanics(t, func() {
		d.HandleResponse(response(9999, `{"status":"success"}`))
		d.HandleResponse(protocol.Message{Type: protocol.TypeResponse})
	})
	assert.Equal(t, 2, d.Pending())
}

func TestDispatcherWriteFailure(t *testing.T) {
	d := NewDispatcher()
	rec := &lineRecorder{}
	rec.fail(errors.New("broken pipe"))
	d.Open(rec)

	var got Result
	calls := 0
	d.Send(protocol.KindPing, nil, func(r Result) {
		calls++
		got = r
	})

	assert.Equal(t, 1, calls)
	assert.ErrorContains(t, got.Err, "broken pipe")
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcherUnencodableData(t *testing.T) {
	d := NewDispatcher()
	d.Open(&lineRecorder{})

	var got Result
	d.Send(protocol.KindEcho, func() {}, func(r Result) { got = r })
	assert.Error(t, got.Err)
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcherFailPendingExactlyOnce(t *testing.T) {
	d := NewDispatcher()
	rec := &lineRecorder{}
	d.Open(rec)

	const n = 5
	counts := make([]int, n)
	for i := 0; i < n; i++ {
		i := i
		d.Send(protocol.KindGetProgress, nil, func(r Result) {
			counts[i]++
			assert.ErrorIs(t, r.Err, ErrWorkerStopped)
		})
	}

	assert.Equal(t, n, d.FailPending(ErrWorkerStopped))
	assert.Equal(t, 0, d.FailPending(ErrWorkerStopped))
	for i := range counts {
		assert.Equal(t, 1, counts[i])
	}
	assert.Equal(t, 0, d.Pending())

	// Late responses for failed commands are dropped.
	for _, c := range rec.commands(t) {
		d.HandleResponse(response(c.ID, `{"status":"success"}`))
	}
	for i := range counts {
		assert.Equal(t, 1, counts[i])
	}
}

func TestDispatcherSuspendQueues(t *testing.T) {
	d := NewDispatcher()
	rec := &lineRecorder{}
	d.Open(rec)
	d.Suspend()

	var got Result
	d.Send(protocol.KindPing, nil, func(r Result) { got = r })
	assert.Empty(t, rec.commands(t))
	assert.Equal(t, 1, d.Queued())

	assert.Equal(t, 1, d.FailQueued(ErrNotRunning))
	assert.ErrorIs(t, got.Err, ErrNotRunning)
	assert.Equal(t, 0, d.Queued())
}

func TestDispatcherCallbackPanicRecovered(t *testing.T) {
	d := NewDispatcher()
	rec := &lineRecorder{}
	d.Open(rec)

	d.Send(protocol.KindPing, nil, func(Result) { panic("boom") })
	assert.NotPanics(t, func() {
		d.HandleResponse(response(rec.commands(t)[0].ID, `{"status":"success"}`))
	})
}

func TestDispatcherRequest(t *testing.T) {
	d := NewDispatcher()
	rec := &lineRecorder{}
	d.Open(rec)

	go func() {
		for {
			if cmds := rec.commands(t); len(cmds) == 1 {
				d.HandleResponse(response(cmds[0].ID, `{"status":"success","pong":true}`))
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := d.Request(ctx, protocol.KindPing, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"success","pong":true}`, string(res.Data))
}

func TestDispatcherRequestContextCancel(t *testing.T) {
	d := NewDispatcher()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Request(ctx, protocol.KindPing, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, d.Queued())
}

func TestDispatcherWriteDirectBypassesGate(t *testing.T) {
	d := NewDispatcher()
	rec := &lineRecorder{}

	require.NoError(t, d.WriteDirect(rec, protocol.KindExit))
	cmds := rec.commands(t)
	require.Len(t, cmds, 1)
	assert.Equal(t, protocol.KindExit, cmds[0].Type)
	assert.Equal(t, 0, d.Queued())
}
