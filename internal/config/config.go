// Package config loads session-wide defaults from ~/.tach/config.toml and a
// project-level .tachrc discovered by walking up from a start directory
// (the project root, when called from internal/cmd).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Config is the ~/.tach/config.toml file.
type Config struct {
	Workers        int    `toml:"workers,omitempty" json:"workers"`
	Allocator      string `toml:"allocator,omitempty" json:"allocator"`
	IsolationFree  bool   `toml:"isolation_bypass,omitempty" json:"isolation_bypass"`
	StaleThreshold string `toml:"stale_threshold,omitempty" json:"stale_threshold"`
	ShutdownGrace  string `toml:"shutdown_grace,omitempty" json:"shutdown_grace"`
}

// configDirOverride is set by the --config-dir flag or TACH_HOME env var.
var configDirOverride string

// SetConfigDir allows the CLI to pass in the --config-dir / TACH_HOME value.
func SetConfigDir(dir string) {
	configDirOverride = dir
}

// Home returns the config directory path. Precedence: --config-dir flag /
// SetConfigDir > TACH_HOME env > ~/.tach.
func Home() string {
	if configDirOverride != "" {
		return configDirOverride
	}
	if v := os.Getenv("TACH_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".tach")
	}
	return filepath.Join(home, ".tach")
}

// Path returns the full path to config.toml.
func Path() string {
	return filepath.Join(Home(), "config.toml")
}

// Load reads config.toml and returns a Config. A missing file yields a
// zero-value Config (all defaults).
func Load() (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(Path())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", Path(), err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", Path(), err)
	}
	return cfg, nil
}

// Save writes cfg back to config.toml, creating Home() if needed.
func Save(cfg *Config) error {
	if err := os.MkdirAll(Home(), 0o755); err != nil {
		return fmt.Errorf("config: creating %s: %w", Home(), err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	return os.WriteFile(Path(), data, 0o644)
}

const rcFile = ".tachrc"

// FindProjectRC walks up from startDir looking for a .tachrc file, the
// project-level escape hatch for per-repo defaults (allocator override,
// worker count). Returns "" if none is found.
func FindProjectRC(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("config: resolving %s: %w", startDir, err)
	}
	for {
		candidate := filepath.Join(dir, rcFile)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

// LoadProjectRC reads a project-level .tachrc (same TOML shape as the home
// config) if one is found by walking up from startDir; otherwise it
// returns a zero-value Config.
func LoadProjectRC(startDir string) (*Config, error) {
	path, err := FindProjectRC(startDir)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Merge overlays non-zero fields of override onto base, returning a new
// Config. Used to layer project .tachrc on top of ~/.tach/config.toml.
func Merge(base, override *Config) *Config {
	out := *base
	if override.Workers != 0 {
		out.Workers = override.Workers
	}
	if override.Allocator != "" {
		out.Allocator = override.Allocator
	}
	if override.IsolationFree {
		out.IsolationFree = true
	}
	if override.StaleThreshold != "" {
		out.StaleThreshold = override.StaleThreshold
	}
	if override.ShutdownGrace != "" {
		out.ShutdownGrace = override.ShutdownGrace
	}
	return &out
}
