// Package config provides configuration loading for the perfstream
// binaries: defaults, an optional YAML file, and environment variable
// overrides, in that order of precedence (lowest to highest).
package config

import (
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Config is the perfstream configuration shared by the frontend and the
// aggregation service.
type Config struct {
	// PerfPath is the sampling tool binary external profilers are
	// launched from.
	PerfPath string `yaml:"perf_path" env:"PERFSTREAM_PERF_PATH"`

	// ServerBuffer is the framing buffer capacity for control and
	// profiler stream connections.
	ServerBuffer int `yaml:"server_buffer" env:"PERFSTREAM_SERVER_BUFFER"`

	// FileTimeout bounds each raw read during a result file transfer.
	FileTimeout time.Duration `yaml:"file_timeout" env:"PERFSTREAM_FILE_TIMEOUT"`

	// SessionTimeout bounds a whole profiling session. Zero leaves
	// sessions unbounded.
	SessionTimeout time.Duration `yaml:"session_timeout" env:"PERFSTREAM_SESSION_TIMEOUT"`

	// LogLevel sets the logging level (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level" env:"PERFSTREAM_LOG_LEVEL"`

	// LogFormat selects "pretty" console output or "json".
	LogFormat string `yaml:"log_format" env:"PERFSTREAM_LOG_FORMAT"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		PerfPath:     "perf",
		ServerBuffer: 1024,
		FileTimeout:  30 * time.Second,
		LogLevel:     "info",
		LogFormat:    "pretty",
	}
}

// Validate checks values any perfstream binary needs.
func (c *Config) Validate() error {
	if c.ServerBuffer < 1 {
		return fmt.Errorf("server_buffer must be at least 1, got %d", c.ServerBuffer)
	}
	if c.FileTimeout < 0 {
		return fmt.Errorf("file_timeout must not be negative, got %s", c.FileTimeout)
	}
	if c.SessionTimeout < 0 {
		return fmt.Errorf("session_timeout must not be negative, got %s", c.SessionTimeout)
	}
	switch c.LogFormat {
	case "pretty", "json":
	default:
		return fmt.Errorf("log_format must be \"pretty\" or \"json\", got %q", c.LogFormat)
	}
	return nil
}

// ResolvePerfPath checks that the configured sampling tool exists and
// returns its resolved path. Bare names are looked up on PATH.
func (c *Config) ResolvePerfPath() (string, error) {
	if c.PerfPath == "" {
		return "", fmt.Errorf("perf_path is required")
	}
	path, err := exec.LookPath(c.PerfPath)
	if err == nil {
		return path, nil
	}
	if _, serr := os.Stat(c.PerfPath); serr == nil {
		return c.PerfPath, nil
	}
	return "", fmt.Errorf("sampling tool %q not found: %w", c.PerfPath, err)
}
