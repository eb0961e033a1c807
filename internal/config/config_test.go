package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 1024, cfg.Pool.NumFrames)
	require.Equal(t, uint32(256), cfg.IOEngine.QueueDepth)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bpm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pool:
  num_frames: 256
  backing_file_path: /tmp/custom.dat
log:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 256, cfg.Pool.NumFrames)
	require.Equal(t, "/tmp/custom.dat", cfg.Pool.BackingFilePath)
	require.Equal(t, "debug", cfg.Log.Level)
	// Unset keys still fall back to defaults.
	require.Equal(t, uint32(256), cfg.IOEngine.QueueDepth)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BPM_POOL_NUM_FRAMES", "512")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 512, cfg.Pool.NumFrames)
}

func TestBufferPoolConfigProjection(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	bpc := cfg.BufferPoolConfig()
	require.Equal(t, cfg.Pool.NumFrames, bpc.NumFrames)
	require.Equal(t, cfg.Pool.BackingFilePath, bpc.BackingFilePath)
	require.Equal(t, cfg.IOEngine.QueueDepth, bpc.IOQueueDepth)
}
