package config

import "time"

// Config represents the complete facebridge configuration.
type Config struct {
	Service  ServiceConfig          `yaml:"service"`
	State    StateConfig            `yaml:"state"`
	Lock     LockConfig             `yaml:"lock"`
	API      APIConfig              `yaml:"api,omitempty"`
	Worker   WorkerConfig           `yaml:"worker"`
	Profiles map[string]ProfileConf `yaml:"profiles"`
	Classify []ClassifyRule         `yaml:"classify,omitempty"`

	// SourcePath is the absolute path of the loaded config file.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// LockConfig defines where the single-instance lock lives.
type LockConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings. An empty APIKey
// disables authentication.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// WorkerConfig defines supervisor timings and the profile used when no
// classification rule matches.
type WorkerConfig struct {
	DefaultProfile  string        `yaml:"default_profile"`
	ExitGrace       time.Duration `yaml:"exit_grace"`
	TermGrace       time.Duration `yaml:"term_grace"`
	StderrTailBytes int           `yaml:"stderr_tail_bytes"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// ProfileConf is one isolated worker runtime.
type ProfileConf struct {
	Interpreter string            `yaml:"interpreter"`
	Module      string            `yaml:"module,omitempty"`
	Args        []string          `yaml:"args,omitempty"`
	Root        string            `yaml:"root,omitempty"`
	SearchPath  []string          `yaml:"search_path,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
}

// ClassifyRule routes model identifiers containing Marker to Profile.
type ClassifyRule struct {
	Marker  string `yaml:"marker"`
	Profile string `yaml:"profile"`
}

// Defaults returns a Config with sensible defaults. Profiles are never
// defaulted; every deployment declares its own runtimes.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "facebridge",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/facebridge.db",
		},
		Lock: LockConfig{
			Path: "./data/facebridge.lock",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8765",
		},
		Worker: WorkerConfig{
			ExitGrace:       2 * time.Second,
			TermGrace:       5 * time.Second,
			StderrTailBytes: 64 << 10,
			RequestTimeout:  30 * time.Second,
		},
		Profiles: make(map[string]ProfileConf),
	}
}
