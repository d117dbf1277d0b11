package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfigValidates(t *testing.T) {
	assert.NoError(t, NewDefaultConfig().Validate())
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Contexts = 0 },
		func(c *Config) { c.BufferSize = -1 },
		func(c *Config) { c.Replay.Workers = 0 },
		func(c *Config) { c.Redo.Durability = "eventually" },
	}
	for _, mutate := range cases {
		c := NewDefaultConfig()
		mutate(c)
		assert.Error(t, c.Validate())
	}
}

func TestLoadOverridesDefaultsPartially(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log-level = "debug"

[redo]
path = "/tmp/other.log"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/other.log", cfg.Redo.Path)
	// Untouched fields keep their defaults.
	assert.Equal(t, "sync", cfg.Redo.Durability)
	assert.Equal(t, 4, cfg.Contexts)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
