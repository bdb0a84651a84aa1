package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeFromEnv(t *testing.T) {
	t.Setenv("PERFSTREAM_PERF_PATH", "/opt/perf")
	t.Setenv("PERFSTREAM_FILE_TIMEOUT", "45s")

	cfg := Default()
	require.NoError(t, MergeFromEnv(cfg))
	assert.Equal(t, "/opt/perf", cfg.PerfPath)
	assert.Equal(t, 45*time.Second, cfg.FileTimeout)
	// Unset variables leave the existing values alone.
	assert.Equal(t, 1024, cfg.ServerBuffer)
}

func TestMergeFromEnvInvalidValues(t *testing.T) {
	t.Setenv("PERFSTREAM_FILE_TIMEOUT", "not-a-duration")
	require.Error(t, MergeFromEnv(Default()))

	t.Setenv("PERFSTREAM_FILE_TIMEOUT", "1s")
	t.Setenv("PERFSTREAM_SERVER_BUFFER", "many")
	require.Error(t, MergeFromEnv(Default()))
}
