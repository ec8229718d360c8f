package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// MarshalCommand serializes a command as a single newline-terminated JSON line.
func MarshalCommand(cmd *Command) ([]byte, error) {
	if cmd.Type == "" {
		return nil, fmt.Errorf("command type is empty")
	}
	line, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}
	return append(line, '\n'), nil
}

// EncodeCommand writes cmd to w as one line of JSON. The whole line is passed
// to a single Write call so concurrent writers serialized by the caller never
// interleave partial lines.
func EncodeCommand(w io.Writer, cmd *Command) error {
	line, err := MarshalCommand(cmd)
	if err != nil {
		return err
	}
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}
	return nil
}

// EncodeData marshals a command payload. nil yields an empty payload.
func EncodeData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("command data is not valid JSON")
		}
		return json.RawMessage(v), nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command data: %w", err)
	}
	return b, nil
}

// DecodeResponseBody extracts the status fields of a response object.
func DecodeResponseBody(raw json.RawMessage) (*ResponseBody, error) {
	if len(raw) == 0 {
		return &ResponseBody{}, nil
	}
	var body ResponseBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	if body.Status != "" && body.Status != StatusSuccess && body.Status != StatusError {
		return nil, fmt.Errorf("invalid status value: %q (must be 'success' or 'error')", body.Status)
	}
	return &body, nil
}
