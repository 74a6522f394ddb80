// Package config provides YAML configuration loading and validation for the
// dirsentry agent.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dirsentry/agent/internal/watch"
)

// Duration wraps time.Duration so that YAML values like "100ms" or "2s"
// can be used directly in the configuration file.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the top-level configuration structure for the dirsentry agent.
type Config struct {
	// Root is the absolute base directory that relative watch paths are
	// resolved against. Required.
	Root string `yaml:"root"`

	// Watches is the list of directories to watch at startup. Paths are
	// relative to Root (or absolute).
	Watches []WatchEntry `yaml:"watches"`

	// PumpInterval is the cadence at which buffered events are drained
	// into the log sink. Defaults to 100ms.
	PumpInterval Duration `yaml:"pump_interval"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// StatusAddr is the listen address for the status HTTP server
	// (e.g. "127.0.0.1:9000"). Defaults to "127.0.0.1:9000".
	StatusAddr string `yaml:"status_addr"`

	// AuthSecret, when non-empty, enables HS256 bearer-token
	// authentication on the /api routes of the status server.
	AuthSecret string `yaml:"auth_secret"`

	// StatsDB is the path of the SQLite session-statistics database. An
	// empty value disables the store. ":memory:" is accepted for tests.
	StatsDB string `yaml:"stats_db"`
}

// WatchEntry describes a single directory watch.
type WatchEntry struct {
	// Path is the directory to watch, relative to Config.Root unless
	// absolute. Required.
	Path string `yaml:"path"`

	// Subtree includes all nested directories recursively.
	Subtree bool `yaml:"subtree"`

	// Symlinks, together with Subtree, follows directory symbolic links
	// into their targets.
	Symlinks bool `yaml:"symlinks"`

	// Notify lists the delivered event kinds: "created", "deleted",
	// "modified", "renamed", or "all". An empty list delivers all.
	Notify []string `yaml:"notify"`

	// BufferSize is the per-worker kernel-readback buffer in bytes. Zero
	// uses the engine default.
	BufferSize int `yaml:"buffer_size"`
}

// Options converts the entry into engine watch options.
func (e WatchEntry) Options() (watch.WatchOptions, error) {
	filter, err := watch.ParseNotifyFlags(e.Notify)
	if err != nil {
		return watch.WatchOptions{}, err
	}
	return watch.WatchOptions{
		Subtree:        e.Subtree,
		FollowSymlinks: e.Symlinks,
		NotifyFilter:   filter,
		BufferSize:     e.BufferSize,
	}, nil
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config,
// applies defaults, and validates all required fields. It returns an error
// describing the first validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StatusAddr == "" {
		cfg.StatusAddr = "127.0.0.1:9000"
	}
	if cfg.PumpInterval == 0 {
		cfg.PumpInterval = Duration(100 * time.Millisecond)
	}
}

// validate checks all required fields and value constraints.
func validate(cfg *Config) error {
	if cfg.Root == "" {
		return errors.New("root is required")
	}
	if !filepath.IsAbs(cfg.Root) {
		return fmt.Errorf("root %q must be an absolute path", cfg.Root)
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("log_level %q is not one of debug, info, warn, error", cfg.LogLevel)
	}
	if cfg.PumpInterval < 0 {
		return errors.New("pump_interval must be positive")
	}
	for i, w := range cfg.Watches {
		if w.Path == "" {
			return fmt.Errorf("watches[%d]: path is required", i)
		}
		if w.BufferSize < 0 {
			return fmt.Errorf("watches[%d]: buffer_size must not be negative", i)
		}
		if _, err := w.Options(); err != nil {
			return fmt.Errorf("watches[%d]: %w", i, err)
		}
	}
	return nil
}
