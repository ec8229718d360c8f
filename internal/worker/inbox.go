package worker

import (
	"sync"

	"github.com/mattjoyce/facebridge/internal/protocol"
)

// inbox hands worker messages from the stdout reader to the handler
// goroutine. It is unbounded so the reader never waits on a handler that is
// itself blocked writing to the worker's stdin.
type inbox struct {
	mu     sync.Mutex
	msgs   []protocol.Message
	closed bool
	wake   chan struct{}
}

func newInbox() *inbox {
	return &inbox{wake: make(chan struct{}, 1)}
}

func (b *inbox) put(msg protocol.Message) {
	b.mu.Lock()
	b.msgs = append(b.msgs, msg)
	b.mu.Unlock()
	b.signal()
}

// close marks the end of input. Messages already put are still delivered.
func (b *inbox) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

func (b *inbox) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// take blocks until messages are available and returns them in arrival
// order. ok is false once the inbox is closed and empty.
func (b *inbox) take() (msgs []protocol.Message, ok bool) {
	for {
		b.mu.Lock()
		if len(b.msgs) > 0 {
			msgs, b.msgs = b.msgs, nil
			b.mu.Unlock()
			return msgs, true
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return nil, false
		}
		<-b.wake
	}
}

// serve runs handle for every message until the inbox is closed and empty.
func (b *inbox) serve(handle func(protocol.Message)) {
	for {
		msgs, ok := b.take()
		if !ok {
			return
		}
		for _, msg := range msgs {
			handle(msg)
		}
	}
}
