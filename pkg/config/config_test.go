package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	size, err := cfg.MaxShardSizeBytes()
	require.NoError(t, err)
	assert.EqualValues(t, 10<<30, size)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 4, cfg.ShardCount)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"listen_addr: \":9090\"\nshard_count: 8\nmax_shard_size: 2GB\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 8, cfg.ShardCount)

	size, err := cfg.MaxShardSizeBytes()
	require.NoError(t, err)
	assert.EqualValues(t, 2<<30, size)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("shard_count: 8\n"), 0o644))

	t.Setenv("SHARD_COUNT", "16")
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("LOG_JSON", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.ShardCount)
	assert.Equal(t, "from-env", cfg.JWTSecret)
	assert.True(t, cfg.LogJSON)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [unclosed"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	cfg := Default()
	cfg.ShardCount = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MaxShardSize = "lots"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.DefaultCacheTTL = "soon"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MaxConnectionsPerShard = 0
	require.Error(t, cfg.Validate())
}
