package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mattjoyce/facebridge/internal/log"
	"github.com/mattjoyce/facebridge/internal/protocol"
)

// Result is the outcome of one command. Err is set when the worker reported
// an error, the command could not be written, or the worker went away.
type Result struct {
	ID   int64
	Data json.RawMessage
	Err  error
}

// Callback receives a command's Result exactly once.
type Callback func(Result)

type queuedCommand struct {
	cmd protocol.Command
	cb  Callback
}

// Dispatcher correlates commands with responses. Commands sent while the
// gate is closed are queued and transmitted in order once Open is called.
//
// mu guards the tables and is never held during a pipe write; wmu serializes
// writes so lines never interleave.
type Dispatcher struct {
	logger *slog.Logger

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]Callback
	queue    []queuedCommand
	w        io.Writer
	open     bool
	draining bool
	gen      uint64

	wmu sync.Mutex
}

// NewDispatcher creates a dispatcher with its gate closed.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		logger:  log.WithComponent("dispatcher"),
		pending: make(map[int64]Callback),
	}
}

// Send issues a command. It never blocks on the worker: the command is
// either written now or queued until the gate opens. cb may be nil for
// fire-and-forget commands. If the write fails, cb runs synchronously with
// the error and no pending entry remains.
func (d *Dispatcher) Send(kind protocol.Kind, data any, cb Callback) {
	payload, err := protocol.EncodeData(data)
	if err != nil {
		d.invoke(cb, Result{Err: err})
		return
	}
	cmd := protocol.Command{Type: kind, Data: payload}

	d.mu.Lock()
	if !d.open || d.draining {
		d.queue = append(d.queue, queuedCommand{cmd: cmd, cb: cb})
		d.mu.Unlock()
		d.logger.Debug("command queued", "type", kind)
		return
	}
	d.mu.Unlock()

	d.transmit(cmd, cb)
}

// Request sends a command and waits for its result or ctx. The data of a
// successful response is returned; a worker-reported error comes back as
// *RemoteError.
func (d *Dispatcher) Request(ctx context.Context, kind protocol.Kind, data any) (Result, error) {
	done := make(chan Result, 1)
	d.Send(kind, data, func(r Result) { done <- r })

	select {
	case r := <-done:
		return r, r.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// transmit writes one command, or queues it at the tail if the gate closed
// since the caller looked.
func (d *Dispatcher) transmit(cmd protocol.Command, cb Callback) {
	d.wmu.Lock()
	d.mu.Lock()
	if !d.open || d.w == nil {
		d.queue = append(d.queue, queuedCommand{cmd: cmd, cb: cb})
		d.mu.Unlock()
		d.wmu.Unlock()
		return
	}
	d.write(cmd, cb)
}

// write assigns the next id and writes cmd. It must be called with wmu and
// mu held and releases both.
func (d *Dispatcher) write(cmd protocol.Command, cb Callback) {
	d.nextID++
	id := d.nextID
	cmd.ID = id
	line, err := protocol.MarshalCommand(&cmd)
	if err != nil {
		d.mu.Unlock()
		d.wmu.Unlock()
		d.invoke(cb, Result{ID: id, Err: err})
		return
	}
	if cb != nil {
		d.pending[id] = cb
	}
	w := d.w
	d.mu.Unlock()

	_, werr := w.Write(line)
	d.wmu.Unlock()

	if werr == nil {
		d.logger.Debug("command sent", "type", cmd.Type, "id", id)
		return
	}

	d.logger.Warn("failed to write command", "type", cmd.Type, "id", id, "error", werr)
	if cb == nil {
		return
	}
	d.mu.Lock()
	_, stillPending := d.pending[id]
	delete(d.pending, id)
	d.mu.Unlock()
	// A concurrent FailPending may already have delivered a result.
	if stillPending {
		d.invoke(cb, Result{ID: id, Err: fmt.Errorf("transmit %s: %w", cmd.Type, werr)})
	}
}

// WriteDirect writes a command to w bypassing the gate and without a
// callback. It is used for the exit command during shutdown.
func (d *Dispatcher) WriteDirect(w io.Writer, kind protocol.Kind) error {
	d.wmu.Lock()
	defer d.wmu.Unlock()

	d.mu.Lock()
	d.nextID++
	cmd := protocol.Command{Type: kind, ID: d.nextID}
	d.mu.Unlock()

	return protocol.EncodeCommand(w, &cmd)
}

// HandleResponse resolves the pending callback for msg. Responses without an
// ID or with an unknown ID are dropped.
func (d *Dispatcher) HandleResponse(msg protocol.Message) {
	if msg.ID == nil {
		d.logger.Debug("dropping response without id")
		return
	}
	id := *msg.ID

	d.mu.Lock()
	cb, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Debug("dropping unmatched response", "id", id)
		return
	}

	res := Result{ID: id, Data: msg.Response}
	body, err := protocol.DecodeResponseBody(msg.Response)
	switch {
	case err != nil:
		res.Err = err
	case body.Status == protocol.StatusError:
		res.Err = &RemoteError{Message: body.Message}
	}
	d.invoke(cb, res)
}

// Open attaches the worker's stdin, opens the gate and drains the queue in
// FIFO order. Commands sent during the drain join the tail and go out in the
// same pass.
func (d *Dispatcher) Open(w io.Writer) {
	d.drain(d.openGate(w))
}

// openGate attaches w and opens the gate without draining. The returned
// generation identifies this opening for drain.
func (d *Dispatcher) openGate(w io.Writer) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	d.w = w
	d.open = true
	d.draining = true
	return d.gen
}

// drain transmits queued commands until the queue is empty or the gate is
// closed or reopened under another generation. Each pop happens under wmu so
// Suspend never returns with a popped command unwritten.
func (d *Dispatcher) drain(gen uint64) {
	drained := 0
	for {
		d.wmu.Lock()
		d.mu.Lock()
		if d.gen != gen || !d.open || len(d.queue) == 0 {
			if d.gen == gen {
				d.draining = false
			}
			d.mu.Unlock()
			d.wmu.Unlock()
			break
		}
		next := d.queue[0]
		d.queue = d.queue[1:]
		d.write(next.cmd, next.cb)
		drained++
	}
	if drained > 0 {
		d.logger.Debug("queue drained", "count", drained)
	}
}

// Suspend closes the gate. When it returns no write is in flight and later
// commands are queued.
func (d *Dispatcher) Suspend() {
	d.closeGate()
	d.wmu.Lock()
	d.wmu.Unlock() //nolint:staticcheck // barrier for in-flight writes
}

func (d *Dispatcher) closeGate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.draining = false
	d.w = nil
}

// FailPending resolves every pending callback with err and returns how many
// were failed.
func (d *Dispatcher) FailPending(err error) int {
	d.mu.Lock()
	cbs := make([]Callback, 0, len(d.pending))
	ids := make([]int64, 0, len(d.pending))
	for id, cb := range d.pending {
		ids = append(ids, id)
		cbs = append(cbs, cb)
	}
	d.pending = make(map[int64]Callback)
	d.mu.Unlock()

	for i, cb := range cbs {
		d.invoke(cb, Result{ID: ids[i], Err: err})
	}
	return len(cbs)
}

// FailQueued drops every queued command, failing its callback with err.
func (d *Dispatcher) FailQueued(err error) int {
	d.mu.Lock()
	queued := d.queue
	d.queue = nil
	d.mu.Unlock()

	for _, q := range queued {
		d.invoke(q.cb, Result{Err: err})
	}
	return len(queued)
}

// Pending returns the number of commands awaiting a response.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Queued returns the number of commands waiting for the gate.
func (d *Dispatcher) Queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// IsOpen reports whether commands are currently transmitted immediately.
func (d *Dispatcher) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open && !d.draining
}

func (d *Dispatcher) invoke(cb Callback, r Result) {
	if cb == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("command callback panicked", "id", r.ID, "panic", p)
		}
	}()
	cb(r)
}
