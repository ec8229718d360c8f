package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/facebridge/internal/profile"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ConfigFileName is looked up when Load is given a directory.
const ConfigFileName = "config.yaml"

// EnvFileName is the optional dotenv file loaded from the config directory.
const EnvFileName = ".env"

// ResolvePath maps a --config argument to the config file it names. A
// directory resolves to its config.yaml.
func ResolvePath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, ConfigFileName)
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but %s not found: %s", ConfigFileName, absPath)
		}
	}
	return absPath, nil
}

// Load reads, verifies and validates configuration from a file or a
// directory containing config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(absPath)

	// Hash-verify before anything from the directory is trusted.
	if err := verifyConfigHashes(dir); err != nil {
		return nil, err
	}

	if err := loadDotEnv(dir); err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	cfg = applyConfigDefaults(cfg)
	resolveProfilePaths(cfg, dir)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads dir/.env into the process environment. Variables that
// are already set keep their values.
func loadDotEnv(dir string) error {
	path := filepath.Join(dir, EnvFileName)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// loadConfigFile loads and parses a single config file.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.Lock.Path == "" {
		cfg.Lock.Path = defaults.Lock.Path
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	if cfg.Worker.ExitGrace == 0 {
		cfg.Worker.ExitGrace = defaults.Worker.ExitGrace
	}
	if cfg.Worker.TermGrace == 0 {
		cfg.Worker.TermGrace = defaults.Worker.TermGrace
	}
	if cfg.Worker.StderrTailBytes == 0 {
		cfg.Worker.StderrTailBytes = defaults.Worker.StderrTailBytes
	}
	if cfg.Worker.RequestTimeout == 0 {
		cfg.Worker.RequestTimeout = defaults.Worker.RequestTimeout
	}

	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]ProfileConf)
	}
	// A single profile is the obvious default.
	if cfg.Worker.DefaultProfile == "" && len(cfg.Profiles) == 1 {
		for name := range cfg.Profiles {
			cfg.Worker.DefaultProfile = name
		}
	}
	return cfg
}

// resolveProfilePaths makes relative profile paths relative to the config
// directory. Bare interpreter names ("python3") are left for PATH lookup.
func resolveProfilePaths(cfg *Config, dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	for name, p := range cfg.Profiles {
		if strings.ContainsRune(p.Interpreter, filepath.Separator) {
			p.Interpreter = abs(p.Interpreter)
		}
		p.Root = abs(p.Root)
		for i := range p.SearchPath {
			p.SearchPath[i] = abs(p.SearchPath[i])
		}
		cfg.Profiles[name] = p
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; validate reports it where it matters.
		return match
	})
}

func unresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	switch strings.ToLower(cfg.Service.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.Lock.Path == "" {
		return fmt.Errorf("lock.path is required")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
	}

	if cfg.Worker.ExitGrace < 0 || cfg.Worker.TermGrace < 0 {
		return fmt.Errorf("worker grace windows must not be negative")
	}
	if cfg.Worker.StderrTailBytes < 0 {
		return fmt.Errorf("worker.stderr_tail_bytes must not be negative")
	}
	if cfg.Worker.RequestTimeout < 0 {
		return fmt.Errorf("worker.request_timeout must not be negative")
	}

	if len(cfg.Profiles) == 0 {
		return fmt.Errorf("at least one profile is required")
	}
	for _, name := range sortedProfileNames(cfg) {
		p := cfg.Profiles[name]
		if p.Interpreter == "" {
			return fmt.Errorf("profile %q: interpreter is required", name)
		}
		if err := unresolved(fmt.Sprintf("profile %q: interpreter", name), p.Interpreter); err != nil {
			return err
		}
		if err := unresolved(fmt.Sprintf("profile %q: root", name), p.Root); err != nil {
			return err
		}
		for k, v := range p.Env {
			if err := unresolved(fmt.Sprintf("profile %q: env.%s", name, k), v); err != nil {
				return err
			}
		}
	}

	if cfg.Worker.DefaultProfile == "" {
		return fmt.Errorf("worker.default_profile is required when more than one profile is defined")
	}
	if _, ok := cfg.Profiles[cfg.Worker.DefaultProfile]; !ok {
		return fmt.Errorf("worker.default_profile %q is not a defined profile", cfg.Worker.DefaultProfile)
	}

	for i, r := range cfg.Classify {
		if strings.TrimSpace(r.Marker) == "" {
			return fmt.Errorf("classify[%d]: marker is required", i)
		}
		if _, ok := cfg.Profiles[r.Profile]; !ok {
			return fmt.Errorf("classify[%d]: unknown profile %q", i, r.Profile)
		}
	}
	return nil
}

func sortedProfileNames(cfg *Config) []string {
	names := make([]string, 0, len(cfg.Profiles))
	for name := range cfg.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalog builds the profile catalog the session selects runtimes from.
func (c *Config) Catalog() (*profile.Catalog, error) {
	descs := make([]profile.Descriptor, 0, len(c.Profiles))
	for _, name := range sortedProfileNames(c) {
		p := c.Profiles[name]
		descs = append(descs, profile.Descriptor{
			Name:        name,
			Interpreter: p.Interpreter,
			Module:      p.Module,
			Args:        append([]string(nil), p.Args...),
			Root:        p.Root,
			SearchPath:  append([]string(nil), p.SearchPath...),
			Env:         p.Env,
		})
	}
	rules := make([]profile.Rule, 0, len(c.Classify))
	for _, r := range c.Classify {
		rules = append(rules, profile.Rule{Marker: r.Marker, Profile: r.Profile})
	}
	return profile.NewCatalog(descs, rules, c.Worker.DefaultProfile)
}
