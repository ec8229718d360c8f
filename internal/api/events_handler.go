package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/facebridge/internal/events"
)

const streamKeepAlive = 15 * time.Second

// handleEvents streams worker and run activity as server-sent events.
//
// A reconnecting client sends Last-Event-ID and gets whatever the hub still
// holds after it before the live tail. ?type=worker.,run. limits the stream
// to event types with one of the given prefixes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := &eventStream{
		w:       w,
		flusher: flusher,
		cursor:  parseLastEventID(r.Header.Get("Last-Event-ID")),
		types:   parseTypeFilter(r.URL.Query().Get("type")),
	}

	// Subscribed ahead of the replay; the cursor drops the overlap.
	sub := s.events.Subscribe(0)
	defer sub.Close()

	if err := stream.replay(s.events.SnapshotSince(stream.cursor)); err != nil {
		return
	}
	s.logger.Debug("event stream opened", "cursor", stream.cursor, "types", stream.types)

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := stream.send(ev); err != nil {
				return
			}
			stream.flusher.Flush()
		case <-keepAlive.C:
			if err := stream.ping(); err != nil {
				return
			}
		}
	}
}

// eventStream writes hub events to one client, never repeating an id.
type eventStream struct {
	w       io.Writer
	flusher http.Flusher
	cursor  int64
	types   []string
}

func (st *eventStream) replay(backlog []events.Event) error {
	for _, ev := range backlog {
		if err := st.send(ev); err != nil {
			return err
		}
	}
	st.flusher.Flush()
	return nil
}

// send writes ev unless the client has already seen it or filtered it out.
// Filtered events still advance the cursor.
func (st *eventStream) send(ev events.Event) error {
	if ev.ID <= st.cursor {
		return nil
	}
	st.cursor = ev.ID
	if !st.wants(ev.Type) {
		return nil
	}
	return writeSSE(st.w, ev)
}

func (st *eventStream) wants(eventType string) bool {
	if len(st.types) == 0 {
		return true
	}
	for _, prefix := range st.types {
		if strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

func (st *eventStream) ping() error {
	if _, err := io.WriteString(st.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	st.flusher.Flush()
	return nil
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// parseTypeFilter splits a comma-separated list of event type prefixes.
func parseTypeFilter(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// writeSSE frames one event. Payload lines each get their own data field so
// indented JSON survives the trip.
func writeSSE(w io.Writer, ev events.Event) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "id: %d\n", ev.ID)
	if ev.Type != "" {
		fmt.Fprintf(&buf, "event: %s\n", ev.Type)
	}
	for _, line := range bytes.Split(bytes.TrimRight(ev.Data, "\r\n"), []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimSuffix(line, []byte("\r")))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}
