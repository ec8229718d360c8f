package worker

import (
	"os"
	"sort"
	"strings"

	"github.com/mattjoyce/facebridge/internal/profile"
)

// EnvProfile names the variable telling the worker launcher which profile to activate.
const EnvProfile = "MODEL_TYPE"

// clearedEnv lists inherited variables that would leak the host's Python or
// conda configuration into the worker.
var clearedEnv = map[string]struct{}{
	"PYTHONPATH":            {},
	"PYTHONHOME":            {},
	"PYTHONSTARTUP":         {},
	"PYTHONUSERBASE":        {},
	"PYTHONEXECUTABLE":      {},
	"VIRTUAL_ENV":           {},
	"VIRTUAL_ENV_PROMPT":    {},
	"CONDA_PREFIX":          {},
	"CONDA_DEFAULT_ENV":     {},
	"CONDA_PROMPT_MODIFIER": {},
	"CONDA_SHLVL":           {},
	"CONDA_PYTHON_EXE":      {},
	"CONDA_EXE":             {},
	"__PYVENV_LAUNCHER__":   {},
	EnvProfile:              {},
}

// BuildEnv derives the worker environment from base (usually os.Environ()).
// Interpreter search paths and nested-environment markers are removed, then
// the profile, its own search path and its extra variables are set.
func BuildEnv(base []string, desc profile.Descriptor) []string {
	out := make([]string, 0, len(base)+4+len(desc.Env))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, drop := clearedEnv[key]; drop {
			continue
		}
		if strings.HasPrefix(key, "CONDA_PREFIX_") {
			continue
		}
		if _, overridden := desc.Env[key]; overridden {
			continue
		}
		out = append(out, kv)
	}

	out = append(out,
		EnvProfile+"="+desc.Name,
		"PYTHONNOUSERSITE=1",
		"PYTHONUNBUFFERED=1",
	)
	if sp := desc.ResolveSearchPath(); len(sp) > 0 {
		out = append(out, "PYTHONPATH="+strings.Join(sp, string(os.PathListSeparator)))
	}

	keys := make([]string, 0, len(desc.Env))
	for k := range desc.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+desc.Env[k])
	}
	return out
}
