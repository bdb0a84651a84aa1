package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	defaultDir = ".perfstream"
	configFile = "config.yaml"
)

// Loader handles loading and saving the configuration file.
type Loader struct {
	homeDir string
}

// NewLoader creates a config loader. The base directory is resolved in
// this order:
//  1. PERFSTREAM_CONFIG environment variable.
//  2. User home directory.
//  3. /tmp/perfstream-fallback (containerized environments without a
//     home dir).
//
// The loader never fails: when no config file exists, Load returns
// defaults with env overrides applied.
func NewLoader() *Loader {
	if baseDir := os.Getenv("PERFSTREAM_CONFIG"); baseDir != "" {
		return &Loader{homeDir: baseDir}
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return &Loader{homeDir: homeDir}
	}
	return &Loader{homeDir: "/tmp/perfstream-fallback"}
}

// ConfigPath returns the path of the configuration file.
func (l *Loader) ConfigPath() string {
	return filepath.Join(l.homeDir, defaultDir, configFile)
}

// Load reads the configuration: defaults, then the file if present, then
// environment variable overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	path := l.ConfigPath()
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := MergeFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration file, creating the config directory if
// needed.
func (l *Loader) Save(cfg *Config) error {
	path := l.ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
