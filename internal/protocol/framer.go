package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
)

const readChunkSize = 32 * 1024

// Framer turns the worker's stdout byte stream into JSON messages. Chunks may
// end anywhere; partial lines are buffered until their newline arrives. Lines
// whose first non-blank byte is not '{' or '[' are diagnostic noise and are
// dropped. A candidate that fails to parse is logged and skipped.
//
// A Framer belongs to one worker process and is not safe for concurrent use.
type Framer struct {
	buf    []byte
	logger *slog.Logger
}

// NewFramer creates a framer. A nil logger discards diagnostics.
func NewFramer(logger *slog.Logger) *Framer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Framer{logger: logger}
}

// Feed appends a chunk and returns the messages completed by it, in order.
func (f *Framer) Feed(chunk []byte) []Message {
	f.buf = append(f.buf, chunk...)

	var out []Message
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		line := f.buf[:i]
		if msg, ok := f.parseLine(line); ok {
			out = append(out, msg)
		}
		f.buf = f.buf[i+1:]
	}

	// Compact so the retained partial line does not pin a large backing array.
	if len(f.buf) == 0 {
		f.buf = nil
	} else if cap(f.buf) > 4*len(f.buf) && cap(f.buf) > readChunkSize {
		f.buf = append([]byte(nil), f.buf...)
	}
	return out
}

// Flush parses whatever partial line remains, as happens when the stream
// ends without a trailing newline.
func (f *Framer) Flush() []Message {
	if len(f.buf) == 0 {
		return nil
	}
	line := f.buf
	f.buf = nil
	if msg, ok := f.parseLine(line); ok {
		return []Message{msg}
	}
	return nil
}

// Buffered reports how many bytes of an incomplete line are held.
func (f *Framer) Buffered() int { return len(f.buf) }

// Scan reads r until EOF or error, calling handle for each message. It
// returns nil on a clean EOF.
func (f *Framer) Scan(r io.Reader, handle func(Message)) error {
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			for _, msg := range f.Feed(chunk[:n]) {
				handle(msg)
			}
		}
		if err != nil {
			for _, msg := range f.Flush() {
				handle(msg)
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
	}
}

func (f *Framer) parseLine(line []byte) (Message, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return Message{}, false
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		f.logger.Debug("discarding non-JSON worker output", "line", string(trimmed))
		return Message{}, false
	}
	if !json.Valid(trimmed) {
		f.logger.Warn("skipping malformed JSON from worker", "line", string(trimmed))
		return Message{}, false
	}

	raw := append(json.RawMessage(nil), trimmed...)
	if trimmed[0] == '[' {
		// Arrays are valid JSON but carry no envelope; keep them for the caller to ignore.
		return Message{Raw: raw}, true
	}

	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		f.logger.Warn("skipping message with unexpected shape", "error", err, "line", string(trimmed))
		return Message{}, false
	}
	msg.Raw = raw
	return msg, true
}
