package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the orchestrator. Worker events are published
// under their own type prefixed with "worker.".
const (
	TypeWorkerState    = "worker.state"
	TypeWorkerReady    = "worker.ready"
	TypeWorkerFailure  = "worker.failure"
	TypeWorkerProgress = "worker.progress"
	TypeWorkerComplete = "worker.completion"
	TypeRunStarted     = "run.started"
	TypeRunFinished    = "run.finished"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Subscription is one listener. Close it when done; the hub drops it on the
// next publish and then closes C.
type Subscription struct {
	C <-chan Event

	ch     chan Event
	closed atomic.Bool
}

// Close marks the subscription closed. It is safe to call more than once.
func (s *Subscription) Close() { s.closed.Store(true) }

// Closed reports whether Close was called.
func (s *Subscription) Closed() bool { return s.closed.Load() }

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs    []*Subscription
	dropped atomic.Int64
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
	}
}

// Publish records an event and hands it to every live subscriber in publish
// order. Closed subscribers are pruned here.
func (h *Hub) Publish(eventType string, data any) Event {
	payload := json.RawMessage("{}")
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		if len(v) > 0 && json.Valid(v) {
			payload = v
		}
	default:
		if b, err := json.Marshal(v); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	ev := Event{
		ID:   h.nextID,
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
	h.pushLocked(ev)

	live := h.subs[:0]
	for _, s := range h.subs {
		if s.Closed() {
			close(s.ch)
			continue
		}
		// Don't let slow clients block producers.
		select {
		case s.ch <- ev:
		default:
			h.dropped.Add(1)
		}
		live = append(live, s)
	}
	for i := len(live); i < len(h.subs); i++ {
		h.subs[i] = nil
	}
	h.subs = live
	return ev
}

// Subscribe registers a listener with a buffer of the given size.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 128
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch}

	h.mu.Lock()
	h.subs = append(h.subs, sub)
	h.mu.Unlock()
	return sub
}

// Subscribers returns the number of registered subscriptions, including
// closed ones not yet pruned.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
