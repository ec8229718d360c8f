package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/facebridge/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	WorkerState   string `json:"worker_state"`
	Profile       string `json:"profile"`
}

type tickMsg time.Time

type errMsg error

// sseDisconnectedMsg carries the last event ID seen so the reconnect can
// resume from it.
type sseDisconnectedMsg struct{ lastID int64 }
type reconnectMsg struct{ lastID int64 }

// --- Commands ---

// subscribeToEvents connects to the SSE /events endpoint and feeds events
// into ch until the connection drops.
func subscribeToEvents(apiURL, apiKey string, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, apiURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{lastID: lastID}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("events stream: %s", resp.Status))
		}

		last := readSSE(resp.Body, func(ev events.Event) { ch <- ev })
		return sseDisconnectedMsg{lastID: max(last, lastID)}
	}
}

// readSSE parses an event stream, calling emit for each complete event.
// It returns the highest event ID seen.
func readSSE(r io.Reader, emit func(events.Event)) int64 {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		last    int64
		current events.Event
		data    strings.Builder
	)
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data.Len() > 0 {
				current.Data = json.RawMessage(data.String())
				if current.At.IsZero() {
					current.At = time.Now()
				}
				emit(current)
				last = max(last, current.ID)
			}
			current = events.Event{}
			data.Reset()
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// Comment or keep-alive.
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(line[6:])
		}
	}
	return last
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchHealth queries the /healthz endpoint.
func fetchHealth(apiURL string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(apiURL + "/healthz")
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return h
}
