// Package profile describes the isolated runtime environments a worker can be
// launched in and classifies workloads onto them.
//
// Each profile is an interpreter plus its own dependency tree. Two profiles
// never share a process: the native stacks they load (torch/ultralytics vs
// tensorflow/retinaface) are mutually incompatible, so switching profile
// means restarting the worker.
package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattjoyce/facebridge/internal/protocol"
)

// Descriptor is the resolved launch recipe for one profile. It is treated
// as immutable once returned by a Catalog.
type Descriptor struct {
	Name        string
	Interpreter string
	Module      string
	Args        []string
	Root        string
	SearchPath  []string
	Env         map[string]string
}

// Argv returns the arguments passed to the interpreter.
func (d Descriptor) Argv() []string {
	args := make([]string, 0, len(d.Args)+1)
	if d.Module != "" {
		args = append(args, d.Module)
	}
	return append(args, d.Args...)
}

// Rule maps identifiers containing Marker (case-insensitive) to Profile.
type Rule struct {
	Marker  string
	Profile string
}

// Catalog is the closed set of known profiles plus the ordered
// classification rules.
type Catalog struct {
	profiles map[string]Descriptor
	rules    []Rule
	def      string
}

// NewCatalog validates and builds a catalog. The default profile is used for
// model identifiers no rule matches.
func NewCatalog(profiles []Descriptor, rules []Rule, defaultProfile string) (*Catalog, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("at least one profile is required")
	}
	c := &Catalog{
		profiles: make(map[string]Descriptor, len(profiles)),
		def:      defaultProfile,
	}
	for _, p := range profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("profile name is empty")
		}
		if p.Interpreter == "" {
			return nil, fmt.Errorf("profile %q: interpreter is required", p.Name)
		}
		if _, dup := c.profiles[p.Name]; dup {
			return nil, fmt.Errorf("profile %q defined twice", p.Name)
		}
		c.profiles[p.Name] = p
	}
	if _, ok := c.profiles[defaultProfile]; !ok {
		return nil, fmt.Errorf("default profile %q is not defined", defaultProfile)
	}
	for i, r := range rules {
		if strings.TrimSpace(r.Marker) == "" {
			return nil, fmt.Errorf("classify[%d]: marker is required", i)
		}
		if _, ok := c.profiles[r.Profile]; !ok {
			return nil, fmt.Errorf("classify[%d]: unknown profile %q", i, r.Profile)
		}
		c.rules = append(c.rules, Rule{Marker: strings.ToLower(r.Marker), Profile: r.Profile})
	}
	return c, nil
}

// Default returns the name of the default profile.
func (c *Catalog) Default() string { return c.def }

// Names returns all profile names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.profiles))
	for n := range c.profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns the descriptor for name.
func (c *Catalog) Get(name string) (Descriptor, bool) {
	d, ok := c.profiles[name]
	return d, ok
}

// Classify maps a model identifier to a profile name. The first rule whose
// marker occurs in the identifier wins; otherwise the default profile.
func (c *Catalog) Classify(modelID string) string {
	id := strings.ToLower(modelID)
	for _, r := range c.rules {
		if strings.Contains(id, r.Marker) {
			return r.Profile
		}
	}
	return c.def
}

// Resolve returns the profile a command requires, or current when the
// command declares no model.
func (c *Catalog) Resolve(kind protocol.Kind, data json.RawMessage, current string) string {
	model, ok := DeclaredModel(kind, data)
	if !ok {
		return current
	}
	return c.Classify(model)
}

// DeclaredModel extracts the model identifier carried by workload commands.
func DeclaredModel(kind protocol.Kind, data json.RawMessage) (string, bool) {
	var field string
	switch kind {
	case protocol.KindStartProcessing:
		field = "model"
	case protocol.KindLoadModel:
		field = "model_path"
	default:
		return "", false
	}
	if len(data) == 0 {
		return "", false
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", false
	}
	raw, ok := payload[field]
	if !ok {
		return "", false
	}
	var model string
	if err := json.Unmarshal(raw, &model); err != nil || strings.TrimSpace(model) == "" {
		return "", false
	}
	return model, true
}

// ResolveSearchPath returns the dependency search path for d. An explicit
// SearchPath wins; otherwise it is derived from Root as
// <root>/lib/python3.*/site-packages (first match) followed by <root>.
func (d Descriptor) ResolveSearchPath() []string {
	if len(d.SearchPath) > 0 {
		return d.SearchPath
	}
	if d.Root == "" {
		return nil
	}
	var out []string
	matches, _ := filepath.Glob(filepath.Join(d.Root, "lib", "python3.*", "site-packages"))
	sort.Strings(matches)
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.IsDir() {
			out = append(out, m)
			break
		}
	}
	return append(out, d.Root)
}
