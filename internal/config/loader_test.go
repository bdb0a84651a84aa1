package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PERFSTREAM_CONFIG", t.TempDir())

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromFile(t *testing.T) {
	base := t.TempDir()
	t.Setenv("PERFSTREAM_CONFIG", base)

	dir := filepath.Join(base, defaultDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFile), []byte(
		"perf_path: /opt/perf/bin/perf\nserver_buffer: 4096\nfile_timeout: 10s\nlog_format: json\n",
	), 0o644))

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, "/opt/perf/bin/perf", cfg.PerfPath)
	assert.Equal(t, 4096, cfg.ServerBuffer)
	assert.Equal(t, 10*time.Second, cfg.FileTimeout)
	assert.Equal(t, "json", cfg.LogFormat)
	// Untouched keys keep their defaults.
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	base := t.TempDir()
	t.Setenv("PERFSTREAM_CONFIG", base)

	dir := filepath.Join(base, defaultDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFile), []byte(
		"server_buffer: 4096\nlog_level: warn\n",
	), 0o644))

	t.Setenv("PERFSTREAM_SERVER_BUFFER", "512")
	t.Setenv("PERFSTREAM_SESSION_TIMEOUT", "2m")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 512, cfg.ServerBuffer)
	assert.Equal(t, 2*time.Minute, cfg.SessionTimeout)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("PERFSTREAM_CONFIG", t.TempDir())

	t.Setenv("PERFSTREAM_SERVER_BUFFER", "0")
	_, err := NewLoader().Load()
	require.Error(t, err)

	t.Setenv("PERFSTREAM_SERVER_BUFFER", "1024")
	t.Setenv("PERFSTREAM_LOG_FORMAT", "xml")
	_, err = NewLoader().Load()
	require.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv("PERFSTREAM_CONFIG", t.TempDir())

	loader := NewLoader()
	want := Default()
	want.PerfPath = "/usr/bin/perf"
	want.SessionTimeout = time.Minute
	require.NoError(t, loader.Save(want))

	got, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResolvePerfPath(t *testing.T) {
	cfg := Default()
	cfg.PerfPath = ""
	_, err := cfg.ResolvePerfPath()
	require.Error(t, err)

	cfg.PerfPath = filepath.Join(t.TempDir(), "no-such-perf")
	_, err = cfg.ResolvePerfPath()
	require.Error(t, err)

	tool := filepath.Join(t.TempDir(), "perf")
	require.NoError(t, os.WriteFile(tool, []byte("#!/bin/sh\n"), 0o755))
	cfg.PerfPath = tool
	path, err := cfg.ResolvePerfPath()
	require.NoError(t, err)
	assert.Equal(t, tool, path)
}
