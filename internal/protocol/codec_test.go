package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEncodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		cmd     *Command
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "command with data",
			cmd: &Command{
				Type: KindStartProcessing,
				Data: json.RawMessage(`{"folder_path":"/faces","model":"yolov8n-face.pt"}`),
				ID:   3,
			},
			checkFn: func(t *testing.T, output string) {
				if !strings.HasSuffix(output, "\n") {
					t.Error("command must be newline terminated")
				}
				if strings.Count(output, "\n") != 1 {
					t.Errorf("command must be a single line, got %q", output)
				}
				if !strings.Contains(output, `"type":"start_processing"`) {
					t.Error("missing type field")
				}
				if !strings.Contains(output, `"id":3`) {
					t.Error("missing id field")
				}
				if !strings.Contains(output, `"folder_path":"/faces"`) {
					t.Error("missing data field")
				}
			},
		},
		{
			name: "command without data omits it",
			cmd:  &Command{Type: KindPing, ID: 1},
			checkFn: func(t *testing.T, output string) {
				if strings.Contains(output, `"data"`) {
					t.Errorf("expected data to be omitted, got %q", output)
				}
			},
		},
		{
			name:    "empty type",
			cmd:     &Command{ID: 1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeCommand(&buf, tt.cmd)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodeCommand() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestEncodeCommandWriteFailure(t *testing.T) {
	err := EncodeCommand(failingWriter{}, &Command{Type: KindPing, ID: 1})
	if err == nil || !strings.Contains(err.Error(), "broken pipe") {
		t.Fatalf("expected wrapped write error, got %v", err)
	}
}

func TestEncodeData(t *testing.T) {
	raw, err := EncodeData(map[string]any{"confidence": 0.5})
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}
	if string(raw) != `{"confidence":0.5}` {
		t.Errorf("unexpected payload %s", raw)
	}

	raw, err = EncodeData(nil)
	if err != nil || raw != nil {
		t.Errorf("expected nil payload, got %s (%v)", raw, err)
	}

	if _, err := EncodeData([]byte("{oops")); err == nil {
		t.Error("expected error for invalid JSON bytes")
	}
}

func TestDecodeResponseBody(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantStatus string
		wantErr    bool
	}{
		{"success", `{"status":"success","models":["yolov8n.pt"]}`, StatusSuccess, false},
		{"error", `{"status":"error","message":"no model"}`, StatusError, false},
		{"missing status", `{"message":"pong"}`, "", false},
		{"bad status", `{"status":"maybe"}`, "", true},
		{"not an object", `[1]`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := DecodeResponseBody(json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeResponseBody() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
		})
	}
}

func TestKindValid(t *testing.T) {
	if !KindStartProcessing.Valid() || !KindExit.Valid() {
		t.Error("expected known kinds to be valid")
	}
	if Kind("format_disk").Valid() {
		t.Error("expected unknown kind to be invalid")
	}
}
