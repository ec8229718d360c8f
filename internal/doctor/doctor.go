// Package doctor checks a loaded facebridge configuration against the host:
// that each profile's interpreter and environment actually exist, and that
// classification rules and API settings make sense together.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattjoyce/facebridge/internal/config"
	"github.com/mattjoyce/facebridge/internal/worker"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a configuration against the local filesystem.
type Doctor struct {
	cfg *config.Config

	// lookPath resolves bare interpreter names.
	lookPath func(string) (string, error)
}

// New creates a Doctor for a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	for _, name := range d.profileNames() {
		d.validateProfile(r, name, d.cfg.Profiles[name])
	}
	d.validateClassify(r)
	d.validateAPIConfig(r)
	d.validateWorkerTimings(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) profileNames() []string {
	names := make([]string, 0, len(d.cfg.Profiles))
	for name := range d.cfg.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validateProfile checks that a profile can actually be launched.
func (d *Doctor) validateProfile(r *Result, name string, pc config.ProfileConf) {
	field := "profiles." + name

	d.checkInterpreter(r, field+".interpreter", pc.Interpreter)

	if pc.Root != "" {
		if info, err := os.Stat(pc.Root); err != nil || !info.IsDir() {
			d.addError(r, "profiles", field+".root",
				fmt.Sprintf("profile %q: root %s is not a directory", name, pc.Root))
		} else if len(pc.SearchPath) == 0 {
			matches, _ := filepath.Glob(filepath.Join(pc.Root, "lib", "python3.*", "site-packages"))
			if len(matches) == 0 {
				d.addWarning(r, "profiles", field+".root",
					fmt.Sprintf("profile %q: no lib/python3.*/site-packages under root; only the root is searched", name))
			}
		}
	}

	if script := moduleScript(pc.Module); script != "" {
		if !filepath.IsAbs(script) && pc.Root != "" {
			script = filepath.Join(pc.Root, script)
		}
		if _, err := os.Stat(script); err != nil {
			d.addError(r, "profiles", field+".module",
				fmt.Sprintf("profile %q: launcher script %s not found", name, script))
		}
	}

	for i, dir := range pc.SearchPath {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			d.addWarning(r, "profiles", fmt.Sprintf("%s.search_path[%d]", field, i),
				fmt.Sprintf("profile %q: search path %s does not exist", name, dir))
		}
	}

	for key, value := range pc.Env {
		envField := fmt.Sprintf("%s.env.%s", field, key)
		switch {
		case key == worker.EnvProfile:
			d.addError(r, "profiles", envField,
				fmt.Sprintf("profile %q: %s is set by facebridge and must not be overridden", name, key))
		case key == "PYTHONPATH":
			d.addWarning(r, "profiles", envField,
				fmt.Sprintf("profile %q: env PYTHONPATH replaces the search path derived from root", name))
		case value == "":
			d.addWarning(r, "env_vars", envField,
				"value is empty (possibly unresolved environment variable)")
		}
	}
}

func (d *Doctor) checkInterpreter(r *Result, field, interpreter string) {
	if interpreter == "" {
		return
	}
	if !strings.ContainsRune(interpreter, filepath.Separator) {
		if _, err := d.lookPath(interpreter); err != nil {
			d.addError(r, "profiles", field,
				fmt.Sprintf("interpreter %q not found on PATH", interpreter))
		}
		return
	}
	info, err := os.Stat(interpreter)
	if err != nil {
		d.addError(r, "profiles", field, fmt.Sprintf("interpreter %s not found", interpreter))
		return
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		d.addError(r, "profiles", field, fmt.Sprintf("interpreter %s is not executable", interpreter))
	}
}

// moduleScript returns the launcher file named by module, or "" when module
// is empty or an interpreter flag.
func moduleScript(module string) string {
	if module == "" || strings.HasPrefix(module, "-") {
		return ""
	}
	return module
}

// validateClassify flags rules that can never match and profiles no rule
// selects. Rules match case-insensitively by substring, first match wins.
func (d *Doctor) validateClassify(r *Result) {
	targeted := make(map[string]bool)
	for j, rule := range d.cfg.Classify {
		targeted[rule.Profile] = true
		marker := strings.ToLower(rule.Marker)
		for i := 0; i < j; i++ {
			earlier := strings.ToLower(d.cfg.Classify[i].Marker)
			if earlier != "" && strings.Contains(marker, earlier) {
				d.addWarning(r, "classify", fmt.Sprintf("classify[%d]", j),
					fmt.Sprintf("marker %q never matches; classify[%d] marker %q matches first", rule.Marker, i, d.cfg.Classify[i].Marker))
				break
			}
		}
	}

	for _, name := range d.profileNames() {
		if name == d.cfg.Worker.DefaultProfile || targeted[name] {
			continue
		}
		d.addWarning(r, "classify", "profiles."+name,
			fmt.Sprintf("profile %q is not the default and no classify rule selects it", name))
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if d.cfg.API.Auth.APIKey != "" {
		return
	}
	if isLoopback(host) {
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured")
		return
	}
	d.addError(r, "api", "api.auth",
		fmt.Sprintf("API listens on %s without an api_key", d.cfg.API.Listen))
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// validateWorkerTimings warns about settings that make shutdown abrupt.
func (d *Doctor) validateWorkerTimings(r *Result) {
	w := d.cfg.Worker
	if w.ExitGrace == 0 {
		d.addWarning(r, "worker", "worker.exit_grace",
			"exit_grace is 0; workers are signalled without a chance to exit cleanly")
	}
	if w.TermGrace == 0 {
		d.addWarning(r, "worker", "worker.term_grace",
			"term_grace is 0; workers are killed immediately after SIGTERM")
	}
	if w.RequestTimeout == 0 {
		d.addWarning(r, "worker", "worker.request_timeout",
			"request_timeout is 0; API commands use the built-in default")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
