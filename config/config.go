// Package config loads and persists the bridge's settings file.
//
// Settings live in config.yaml under the config directory (see the paths
// package). Everything has a working default so a missing file is not an
// error — the bridge is usable with zero configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/plural-acp/paths"
)

// DefaultPermissionTimeout bounds how long a permission prompt may sit
// unanswered on the client side before it resolves as cancelled.
const DefaultPermissionTimeout = 5 * time.Minute

// Config holds the bridge configuration.
type Config struct {
	// ClaudeBinary is the subprocess executable. Defaults to "claude" on PATH.
	ClaudeBinary string `yaml:"claude_binary,omitempty"`

	// DefaultMode is the permission mode new sessions start in.
	// One of: default, plan, acceptEdits, bypassPermissions.
	DefaultMode string `yaml:"default_mode,omitempty"`

	// PermissionTimeoutSec caps client permission round-trips. 0 means the
	// built-in default (5 minutes).
	PermissionTimeoutSec int `yaml:"permission_timeout_sec,omitempty"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug,omitempty"`

	// RulesPath overrides the permission rules file location.
	RulesPath string `yaml:"rules_path,omitempty"`

	// AllowedTools are pre-approved via --allowedTools on the subprocess.
	AllowedTools []string `yaml:"allowed_tools,omitempty"`

	filePath string
}

// validModes are the permission modes a session can be configured to start in.
var validModes = map[string]bool{
	"default":           true,
	"plan":              true,
	"acceptEdits":       true,
	"bypassPermissions": true,
}

// Load reads the config from disk, or returns defaults if no file exists.
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config from an explicit path. Used by tests and by the
// --config flag.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{filePath: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.applyDefaults()
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values with working defaults.
func (c *Config) applyDefaults() {
	if c.ClaudeBinary == "" {
		c.ClaudeBinary = "claude"
	}
	if c.DefaultMode == "" {
		c.DefaultMode = "default"
	}
}

// Validate checks the loaded config for values the bridge cannot run with.
func (c *Config) Validate() error {
	if !validModes[c.DefaultMode] {
		return fmt.Errorf("invalid default_mode %q", c.DefaultMode)
	}
	if c.PermissionTimeoutSec < 0 {
		return fmt.Errorf("permission_timeout_sec must be >= 0, got %d", c.PermissionTimeoutSec)
	}
	return nil
}

// PermissionTimeout returns the configured permission round-trip cap.
func (c *Config) PermissionTimeout() time.Duration {
	if c.PermissionTimeoutSec > 0 {
		return time.Duration(c.PermissionTimeoutSec) * time.Second
	}
	return DefaultPermissionTimeout
}

// RulesFilePath returns the permission rules file location, honoring the
// rules_path override.
func (c *Config) RulesFilePath() (string, error) {
	if c.RulesPath != "" {
		return c.RulesPath, nil
	}
	return paths.RulesFilePath()
}

// Save writes the config back to its file, creating the directory if needed.
func (c *Config) Save() error {
	if c.filePath == "" {
		path, err := paths.ConfigFilePath()
		if err != nil {
			return err
		}
		c.filePath = path
	}

	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.filePath, data, 0644)
}
