package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/facebridge/internal/config"
	"github.com/mattjoyce/facebridge/internal/events"
	"github.com/mattjoyce/facebridge/internal/lock"
	"github.com/mattjoyce/facebridge/internal/log"
	"github.com/mattjoyce/facebridge/internal/protocol"
	"github.com/mattjoyce/facebridge/internal/runlog"
	"github.com/mattjoyce/facebridge/internal/storage"
	"github.com/mattjoyce/facebridge/internal/worker"
)

const fakeWorkerEnv = "FACEBRIDGE_CMD_FAKE_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(fakeWorkerEnv) != "" {
		os.Exit(runFakeWorker())
	}
	log.Setup("ERROR", "text")
	os.Exit(m.Run())
}

// runFakeWorker speaks the worker protocol: it lists two models and
// processes any workload as two progress events plus a completion.
func runFakeWorker() int {
	out := bufio.NewWriter(os.Stdout)
	emit := func(v any) {
		line, _ := json.Marshal(v)
		out.Write(append(line, '\n'))
		out.Flush()
	}
	respond := func(id int64, body map[string]any) {
		emit(map[string]any{"type": protocol.TypeResponse, "id": id, "response": body})
	}
	event := func(typ string, data any) {
		emit(map[string]any{"type": protocol.TypeEvent, "event": map[string]any{"type": typ, "data": data}})
	}

	emit(map[string]string{"type": protocol.TypeReady})
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		var cmd protocol.Command
		if err := json.Unmarshal(sc.Bytes(), &cmd); err != nil {
			continue
		}
		switch cmd.Type {
		case protocol.KindExit:
			return 0
		case protocol.KindGetModels:
			respond(cmd.ID, map[string]any{
				"status": protocol.StatusSuccess,
				"models": []string{"yolov8n-face.pt", "yolov8s-face.pt"},
			})
		case protocol.KindStartProcessing, protocol.KindProcessVideo:
			respond(cmd.ID, map[string]any{"status": protocol.StatusSuccess, "message": "Processing started"})
			event(protocol.EventProgress, "Found 1 face(s) in a.jpg")
			event(protocol.EventProgress, map[string]string{"message": "Found 2 face(s) in b.jpg"})
			event(protocol.EventCompletion, map[string]any{
				"status":  protocol.StatusSuccess,
				"faces":   3,
				"profile": os.Getenv(worker.EnvProfile),
			})
		default:
			respond(cmd.ID, map[string]any{"status": protocol.StatusError, "message": "unsupported"})
		}
	}
	return 0
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
state:
  path: %q
lock:
  path: %q
worker:
  exit_grace: 2s
  term_grace: 2s
profiles:
  yolo:
    interpreter: %q
    args: ["-test.run=^$"]
    env:
      %s: "1"
`, filepath.Join(dir, "facebridge.db"), filepath.Join(dir, "facebridge.lock"), os.Args[0], fakeWorkerEnv)
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.ConfigFileName), []byte(body), 0600))
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestVersionJSON(t *testing.T) {
	out, err := execute(t, "version", "--json")
	require.NoError(t, err)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "dev", info.Version)
	assert.NotEmpty(t, info.Commit)
	assert.NotEmpty(t, info.BuildTime)
}

func TestNormalizeBuildTimeUTC(t *testing.T) {
	got, ok := normalizeBuildTimeUTC("2026-03-01T10:30:00+10:00")
	require.True(t, ok)
	assert.Equal(t, "2026-03-01T00:30:00Z", got)

	_, ok = normalizeBuildTimeUTC("unknown")
	assert.False(t, ok)
	assert.Equal(t, "0123456789ab", shortenCommit("0123456789abcdef"))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitError, exitCode(errors.New("boom")))
	assert.Equal(t, exitLocked, exitCode(fmt.Errorf("wrapped: %w", withCode(exitLocked, lock.ErrLocked))))
	assert.NoError(t, withCode(exitWorker, nil))
}

func TestConfigLockAndCheck(t *testing.T) {
	dir := writeTestConfig(t)

	out, err := execute(t, "config", "lock", "--config", dir, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "dry run")
	assert.NoFileExists(t, filepath.Join(dir, config.ChecksumFileName))

	out, err = execute(t, "config", "lock", "--config", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote")
	assert.FileExists(t, filepath.Join(dir, config.ChecksumFileName))

	out, err = execute(t, "config", "check", "--config", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "default profile: yolo")

	f, err := os.OpenFile(filepath.Join(dir, config.ConfigFileName), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("\n# tampered\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = execute(t, "config", "check", "--config", dir)
	require.Error(t, err)
	assert.Equal(t, exitConfig, exitCode(err))
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestRunRequiresExactlyOneInput(t *testing.T) {
	dir := writeTestConfig(t)

	_, err := execute(t, "run", "--config", dir, "--model", "yolo")
	require.Error(t, err)
	assert.Equal(t, exitConfig, exitCode(err))

	_, err = execute(t, "run", "--config", dir, "--input", "a", "--video", "b.mp4")
	require.Error(t, err)
	assert.Equal(t, exitConfig, exitCode(err))
}

func TestRunWorkload(t *testing.T) {
	dir := writeTestConfig(t)

	out, err := execute(t, "run", "--config", dir, "--model", "yolov8n-face.pt", "--input", "./photos", "--quiet", "--json")
	require.NoError(t, err)

	var run struct {
		ID       string          `json:"id"`
		Kind     string          `json:"kind"`
		Profile  string          `json:"profile"`
		Model    string          `json:"model"`
		Status   string          `json:"status"`
		Progress int             `json:"progress"`
		Result   json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	assert.Equal(t, "start_processing", run.Kind)
	assert.Equal(t, "yolo", run.Profile)
	assert.Equal(t, "yolov8n-face.pt", run.Model)
	assert.Equal(t, "succeeded", run.Status)
	assert.Equal(t, 2, run.Progress)
	assert.JSONEq(t, `{"status":"success","faces":3,"profile":"yolo"}`, string(run.Result))

	out, err = execute(t, "runs", "list", "--config", dir, "--json")
	require.NoError(t, err)
	var listed []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, run.ID, listed[0].ID)

	out, err = execute(t, "runs", "show", "--config", dir, run.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Status      : succeeded")
	assert.Contains(t, out, "starting -> ready")

	out, err = execute(t, "runs", "list", "--config", dir)
	require.NoError(t, err)
	assert.Contains(t, out, run.ID[:8])
}

func TestConfigCheckJSON(t *testing.T) {
	dir := writeTestConfig(t)

	out, err := execute(t, "config", "check", "--config", dir, "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"valid": true`)

	require.NoError(t, appendFile(filepath.Join(dir, config.ConfigFileName), "api:\n  enabled: true\n  listen: 0.0.0.0:8765\n"))
	out, err = execute(t, "config", "check", "--config", dir)
	require.Error(t, err)
	assert.Equal(t, exitConfig, exitCode(err))
	assert.Contains(t, out, "without an api_key")
}

func TestModels(t *testing.T) {
	dir := writeTestConfig(t)

	out, err := execute(t, "models", "--config", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "yolo (2 models)")
	assert.Contains(t, out, "yolov8n-face.pt")
}

func TestModelsFailsWhenLocked(t *testing.T) {
	dir := writeTestConfig(t)
	held, err := lock.AcquirePIDLock(filepath.Join(dir, "facebridge.lock"), "other-session")
	require.NoError(t, err)
	defer held.Release()

	_, err = execute(t, "models", "--config", dir)
	require.Error(t, err)
	assert.Equal(t, exitLocked, exitCode(err))
	assert.ErrorIs(t, err, lock.ErrLocked)
}

func TestPrintModelsAcceptsObjects(t *testing.T) {
	var out bytes.Buffer
	res := worker.Result{Data: json.RawMessage(`{"status":"success","models":["a.pt",{"id":"b"},{"name":"c"}]}`)}
	require.NoError(t, printModels(&out, "yolo", res, false))
	assert.Equal(t, "yolo (3 models)\n  a.pt\n  b\n  c\n", out.String())
}

func TestResolveWatchTarget(t *testing.T) {
	dir := writeTestConfig(t)
	cfgPath := filepath.Join(dir, config.ConfigFileName)
	require.NoError(t, appendFile(cfgPath, "api:\n  listen: 127.0.0.1:9999\n  auth:\n    api_key: from-config\n"))

	url, key := resolveWatchTarget(dir, "", "")
	assert.Equal(t, "http://127.0.0.1:9999", url)
	assert.Equal(t, "from-config", key)

	url, key = resolveWatchTarget(dir, "http://example:1/", "flag-key")
	assert.Equal(t, "http://example:1", url)
	assert.Equal(t, "flag-key", key)

	url, key = resolveWatchTarget(filepath.Join(dir, "missing"), "", "")
	assert.Equal(t, "http://"+config.Defaults().API.Listen, url)
	assert.Empty(t, key)
}

func TestWorkloadPayload(t *testing.T) {
	ro := &runOptions{model: "mediapipe", video: "clip.mp4", params: map[string]string{"frame_skip": "5"}}
	kind, data := ro.workload()
	assert.Equal(t, protocol.KindProcessVideo, kind)
	assert.Equal(t, map[string]any{"model": "mediapipe", "video_path": "clip.mp4", "frame_skip": "5"}, data)

	ro = &runOptions{input: "photos"}
	kind, data = ro.workload()
	assert.Equal(t, protocol.KindStartProcessing, kind)
	assert.Equal(t, map[string]any{"folder_path": "photos"}, data)
}

func appendFile(path, text string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func TestRootHelpListsCommands(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	for _, name := range []string{"serve", "run", "models", "runs", "watch", "config", "version"} {
		assert.True(t, strings.Contains(out, name), "help should list %s", name)
	}
}

func TestFollowRunFallsBackToRunRow(t *testing.T) {
	prev := runPollInterval
	runPollInterval = 20 * time.Millisecond
	t.Cleanup(func() { runPollInterval = prev })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "facebridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	runs := runlog.New(db, "cmd-test")

	hub := events.NewHub(8)
	sub := hub.Subscribe(8)
	defer sub.Close()

	run, err := runs.Begin(ctx, runlog.BeginRequest{Kind: "start_processing", Profile: "yolo"})
	require.NoError(t, err)
	hub.Publish(events.TypeRunStarted, run)
	// Finished without a run.finished event, as when the subscriber fell
	// behind and the hub dropped it.
	require.NoError(t, runs.Finish(ctx, run.ID, runlog.StatusSucceeded, json.RawMessage(`{"faces":3}`), ""))

	bar := progressbar.NewOptions(-1, progressbar.OptionSetWriter(io.Discard))
	got, err := followRun(ctx, sub, runs, bar)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, runlog.StatusSucceeded, got.Status)
}
