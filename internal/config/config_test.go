package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, 10, int(cfg.Upstream.PollInterval.Seconds()))
	assert.Equal(t, 60, int(cfg.Upstream.MaxBackoff.Seconds()))
	assert.Equal(t, 1000, cfg.Delta.MaxLogSize)
	assert.Equal(t, ModePlain, cfg.Mode)
	assert.False(t, cfg.StreamingMode())
}

func TestLoadWithoutFileUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("EDGE_PORT", "9999")
	t.Setenv("EDGE_MODE", "streaming")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.True(t, cfg.StreamingMode())
}

func TestNormalizeBasePath(t *testing.T) {
	assert.Equal(t, "", normalizeBasePath(""))
	assert.Equal(t, "/edge", normalizeBasePath("edge/"))
	assert.Equal(t, "/edge", normalizeBasePath("/edge"))
}
