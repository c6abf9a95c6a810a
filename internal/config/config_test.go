package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CACHE_DIR", dir)
	t.Setenv("MODEL_DIR", filepath.Join(dir, "models"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, ":9449", cfg.HTTPAddr)
	assert.Equal(t, 1, cfg.ModelLoadLimit)
	assert.Equal(t, 300, cfg.IdleMinutes)
	assert.True(t, cfg.CacheEnabled)
	assert.Equal(t, filepath.Join(dir, "gpu.flag"), cfg.GPUFlagPath)
	assert.Equal(t, filepath.Join(dir, "store.portalCache"), cfg.CacheFile())
	assert.Equal(t, 24*time.Hour, cfg.RedisTTL)
	assert.Equal(t, "@every 1m", cfg.IdleCheckSpec)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CACHE_DIR", t.TempDir())
	t.Setenv("MODEL_DIR", t.TempDir())
	t.Setenv("MODEL_LOAD_LIMIT", "3")
	t.Setenv("CACHE_OPTION", "false")
	t.Setenv("PORTAL_METRICS_ADDR", "")
	t.Setenv("ENDPOINT_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.ModelLoadLimit)
	assert.False(t, cfg.CacheEnabled)
	assert.Equal(t, "", cfg.MetricsAddr, "an empty address disables the metrics listener")
	assert.Equal(t, 5*time.Second, cfg.EndpointTimeout)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		env, value, want string
	}{
		{"MODEL_LOAD_LIMIT", "many", "invalid MODEL_LOAD_LIMIT"},
		{"MODEL_LOAD_LIMIT", "0", "invalid MODEL_LOAD_LIMIT"},
		{"IDLE_MINUTES", "soon", "invalid IDLE_MINUTES"},
		{"REDIS_TTL", "forever", "invalid REDIS_TTL"},
		{"CACHE_OPTION", "maybe", "invalid CACHE_OPTION"},
	}
	for _, tt := range tests {
		t.Run(tt.env+"="+tt.value, func(t *testing.T) {
			t.Setenv("CACHE_DIR", t.TempDir())
			t.Setenv("MODEL_DIR", t.TempDir())
			t.Setenv(tt.env, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
