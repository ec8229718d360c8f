package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/facebridge/internal/config"
)

// fakeInterpreter writes an executable file and returns its path.
func fakeInterpreter(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "python")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write interpreter: %v", err)
	}
	return path
}

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Worker.DefaultProfile = "yolo"
	cfg.Profiles = map[string]config.ProfileConf{
		"yolo":       {Interpreter: fakeInterpreter(t, dir)},
		"retinaface": {Interpreter: "python3"},
	}
	cfg.Classify = []config.ClassifyRule{{Marker: "retinaface", Profile: "retinaface"}}
	return cfg
}

func newDoctor(cfg *config.Config) *Doctor {
	d := New(cfg)
	d.lookPath = func(name string) (string, error) {
		if name == "python3" {
			return "/usr/bin/python3", nil
		}
		return "", errors.New("not found")
	}
	return d
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := newDoctor(validConfig(t)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_InterpreterMissing(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Profiles["yolo"] = config.ProfileConf{Interpreter: filepath.Join(t.TempDir(), "missing", "python")}
	r := newDoctor(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "profiles", "not found")
}

func TestValidate_InterpreterNotOnPath(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Profiles["retinaface"] = config.ProfileConf{Interpreter: "python2"}
	r := newDoctor(cfg).Validate()
	assertHasError(t, r, "profiles", `"python2" not found on PATH`)
}

func TestValidate_InterpreterNotExecutable(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	path := filepath.Join(t.TempDir(), "python")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Profiles["yolo"] = config.ProfileConf{Interpreter: path}
	r := newDoctor(cfg).Validate()
	assertHasError(t, r, "profiles", "not executable")
}

func TestValidate_RootAndLauncher(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	root := t.TempDir()
	yolo := cfg.Profiles["yolo"]
	yolo.Root = root
	yolo.Module = "launcher.py"
	cfg.Profiles["yolo"] = yolo

	r := newDoctor(cfg).Validate()
	assertHasError(t, r, "profiles", "launcher script")
	assertHasWarning(t, r, "profiles", "site-packages")

	if err := os.WriteFile(filepath.Join(root, "launcher.py"), []byte("print()\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "lib", "python3.11", "site-packages"), 0o755); err != nil {
		t.Fatal(err)
	}
	r = newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_RootMissing(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	yolo := cfg.Profiles["yolo"]
	yolo.Root = filepath.Join(t.TempDir(), "nope")
	cfg.Profiles["yolo"] = yolo
	r := newDoctor(cfg).Validate()
	assertHasError(t, r, "profiles", "is not a directory")
}

func TestValidate_ModuleFlagIsNotAFile(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	yolo := cfg.Profiles["yolo"]
	yolo.Module = "-u"
	cfg.Profiles["yolo"] = yolo
	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
}

func TestValidate_ProfileEnv(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	yolo := cfg.Profiles["yolo"]
	yolo.Env = map[string]string{
		"MODEL_TYPE": "retinaface",
		"PYTHONPATH": "/opt/extra",
		"HF_TOKEN":   "",
	}
	yolo.SearchPath = []string{filepath.Join(t.TempDir(), "absent")}
	cfg.Profiles["yolo"] = yolo

	r := newDoctor(cfg).Validate()
	assertHasError(t, r, "profiles", "MODEL_TYPE is set by facebridge")
	assertHasWarning(t, r, "profiles", "replaces the search path")
	assertHasWarning(t, r, "env_vars", "possibly unresolved")
	assertHasWarning(t, r, "profiles", "does not exist")
}

func TestValidate_ShadowedClassifyRule(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Classify = []config.ClassifyRule{
		{Marker: "Face", Profile: "retinaface"},
		{Marker: "retinaface", Profile: "retinaface"},
	}
	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("shadowing is a warning, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "classify", `marker "retinaface" never matches`)
}

func TestValidate_UnreachableProfile(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Classify = nil
	r := newDoctor(cfg).Validate()
	assertHasWarning(t, r, "classify", `profile "retinaface" is not the default`)
}

func TestValidate_APIAuth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		listen  string
		key     string
		wantErr string
		wantWrn string
	}{
		{name: "loopback without key", listen: "127.0.0.1:8765", wantWrn: "no authentication"},
		{name: "localhost without key", listen: "localhost:8765", wantWrn: "no authentication"},
		{name: "public without key", listen: "0.0.0.0:8765", wantErr: "without an api_key"},
		{name: "public with key", listen: ":8765", key: "secret"},
		{name: "bad listen", listen: "8765", wantErr: "invalid listen address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			cfg.API.Enabled = true
			cfg.API.Listen = tt.listen
			cfg.API.Auth.APIKey = tt.key
			r := newDoctor(cfg).Validate()
			switch {
			case tt.wantErr != "":
				assertHasError(t, r, "api", tt.wantErr)
			case tt.wantWrn != "":
				assertHasWarning(t, r, "api", tt.wantWrn)
			default:
				if !r.Valid || len(r.Warnings) != 0 {
					t.Fatalf("expected clean result, got: %+v", r)
				}
			}
		})
	}
}

func TestValidate_ZeroTimings(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Worker.ExitGrace = 0
	cfg.Worker.TermGrace = 0
	cfg.Worker.RequestTimeout = 0
	r := newDoctor(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got: %v", r.Errors)
	}
	assertHasWarning(t, r, "worker", "exit_grace")
	assertHasWarning(t, r, "worker", "term_grace")
	assertHasWarning(t, r, "worker", "request_timeout")

	cfg.Worker.ExitGrace = time.Second
	r = newDoctor(cfg).Validate()
	if len(r.Warnings) != 2 {
		t.Fatalf("expected 2 warnings, got: %v", r.Warnings)
	}
}

func TestFormatHuman_Valid(t *testing.T) {
	t.Parallel()
	out := FormatHuman(&Result{Valid: true})
	if !strings.Contains(out, "valid") {
		t.Fatalf("expected 'valid' in output, got: %s", out)
	}
}

func TestFormatHuman_Errors(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Field: "x.y", Message: "broken"}},
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "ERROR") || !strings.Contains(out, "broken") {
		t.Fatalf("expected error in output, got: %s", out)
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	out, err := FormatJSON(&Result{Valid: true, Warnings: []Issue{{Category: "api", Message: "m"}}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"valid": true`) || !strings.Contains(out, `"category": "api"`) {
		t.Fatalf("unexpected JSON: %s", out)
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
