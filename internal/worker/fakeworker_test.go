package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/facebridge/internal/protocol"
)

// fakeWorkerEnv switches the test binary into a fake worker process.
const fakeWorkerEnv = "FACEBRIDGE_FAKE_WORKER"

// Fake worker modes.
const (
	modeEcho     = "echo"
	modeStubborn = "stubborn"
	modeCrash    = "crash"
	modeSilent   = "silent"
	modeError    = "error"

	// modeFlood answers start_processing with a burst of progress events
	// larger than a pipe buffer, without reading stdin meanwhile.
	modeFlood = "flood"

	// modeFailLater becomes ready, then reports a fatal error on the first
	// start_processing instead of answering it.
	modeFailLater = "fail-later"
)

// floodEvents * floodPadding exceeds any pipe buffer.
const (
	floodEvents  = 256
	floodPadding = 2048
)

type fakeReply struct {
	Status     string          `json:"status"`
	Type       protocol.Kind   `json:"type"`
	ID         int64           `json:"id"`
	ModelType  string          `json:"model_type"`
	PythonPath string          `json:"pythonpath"`
	VirtualEnv string          `json:"virtual_env"`
	NoUserSite string          `json:"no_user_site"`
	Data       json.RawMessage `json:"data,omitempty"`
}

func emit(v any) {
	line, _ := json.Marshal(v)
	fmt.Fprintf(os.Stdout, "%s\n", line)
}

// runFakeWorker plays the worker side of the protocol.
func runFakeWorker(mode string) int {
	if mode == modeStubborn {
		signal.Ignore(syscall.SIGTERM)
	}

	fmt.Fprintln(os.Stdout, "Loading model weights...")
	fmt.Fprintln(os.Stderr, "worker booting")

	switch mode {
	case modeSilent:
		// Never ready; leaves on EOF.
		_, _ = bufio.NewReader(os.Stdin).ReadString(0)
		return 0
	case modeError:
		emit(map[string]string{"type": protocol.TypeError, "message": "cuda unavailable"})
	default:
		emit(map[string]string{"type": protocol.TypeReady})
	}

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		var cmd protocol.Command
		if err := json.Unmarshal(sc.Bytes(), &cmd); err != nil {
			fmt.Fprintf(os.Stderr, "bad command: %v\n", err)
			continue
		}

		switch {
		case mode == modeCrash:
			fmt.Fprintln(os.Stderr, "fatal: boom")
			return 3
		case cmd.Type == protocol.KindExit && mode != modeStubborn:
			return 0
		case cmd.Type == protocol.KindExit:
			continue
		}

		if cmd.Type == protocol.KindStartProcessing && mode == modeFailLater {
			emit(map[string]string{"type": protocol.TypeError, "message": "model crashed"})
			continue
		}
		if cmd.Type == protocol.KindStartProcessing && mode == modeFlood {
			pad := strings.Repeat("x", floodPadding)
			for i := 0; i < floodEvents; i++ {
				emit(map[string]any{
					"type":  protocol.TypeEvent,
					"event": map[string]any{"type": protocol.EventProgress, "data": map[string]any{"processed": i + 1, "pad": pad}},
				})
			}
		}

		if cmd.Type == protocol.KindStartProcessing && mode != modeFlood {
			emit(map[string]any{
				"type":  protocol.TypeEvent,
				"event": map[string]any{"type": protocol.EventProgress, "data": map[string]int{"processed": 1, "total": 2}},
			})
			emit(map[string]any{
				"type":  protocol.TypeEvent,
				"event": map[string]any{"type": protocol.EventCompletion, "data": map[string]int{"faces": 7}},
			})
		}

		emit(map[string]any{
			"type": protocol.TypeResponse,
			"id":   cmd.ID,
			"response": fakeReply{
				Status:     protocol.StatusSuccess,
				Type:       cmd.Type,
				ID:         cmd.ID,
				ModelType:  os.Getenv(EnvProfile),
				PythonPath: os.Getenv("PYTHONPATH"),
				VirtualEnv: os.Getenv("VIRTUAL_ENV"),
				NoUserSite: os.Getenv("PYTHONNOUSERSITE"),
				Data:       cmd.Data,
			},
		})
	}

	if mode == modeStubborn {
		time.Sleep(time.Hour)
	}
	return 0
}
