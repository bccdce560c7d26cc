package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("loads default configuration", func(t *testing.T) {
		cfg, err := Load("")

		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.Server.Addr)
		assert.Equal(t, "release", cfg.Server.Mode)
		assert.Equal(t, "/opt/ml/model", cfg.Model.Dir)
		assert.Equal(t, 8, cfg.Batch.MaxBatchSize)
		assert.Equal(t, 5*time.Millisecond, cfg.Batch.Window)
		assert.Equal(t, 256, cfg.Batch.QueueSize)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.Equal(t, "json", cfg.Log.Format)
		assert.False(t, cfg.Cache.Enabled)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "runtime.yaml")
		content := []byte(`
server:
  addr: ":9000"
model:
  dir: /models/sentiment
  max_length: 128
batch:
  window: 20ms
  max_batch_size: 4
cache:
  enabled: true
  addr: redis:6379
`)
		require.NoError(t, os.WriteFile(path, content, 0o644))

		cfg, err := Load(path)

		require.NoError(t, err)
		assert.Equal(t, ":9000", cfg.Server.Addr)
		assert.Equal(t, "/models/sentiment", cfg.Model.Dir)
		assert.Equal(t, 128, cfg.Model.MaxLength)
		assert.Equal(t, 20*time.Millisecond, cfg.Batch.Window)
		assert.Equal(t, 4, cfg.Batch.MaxBatchSize)
		assert.Equal(t, 256, cfg.Batch.QueueSize)
		assert.True(t, cfg.Cache.Enabled)
		assert.Equal(t, "redis:6379", cfg.Cache.Addr)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "runtime.yaml")
		require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o644))
		t.Setenv("TEXTCLS_LOG_LEVEL", "debug")
		t.Setenv("TEXTCLS_BATCH_WINDOW", "15")
		t.Setenv("TEXTCLS_MAX_BATCH_SIZE", "16")
		t.Setenv("TEXTCLS_CACHE_ENABLED", "yes")

		cfg, err := Load(path)

		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, 15*time.Millisecond, cfg.Batch.Window)
		assert.Equal(t, 16, cfg.Batch.MaxBatchSize)
		assert.True(t, cfg.Cache.Enabled)
	})

	t.Run("malformed environment values keep the fallback", func(t *testing.T) {
		t.Setenv("TEXTCLS_QUEUE_SIZE", "many")
		t.Setenv("TEXTCLS_PREDICT_TIMEOUT", "soon")

		cfg, err := Load("")

		require.NoError(t, err)
		assert.Equal(t, 256, cfg.Batch.QueueSize)
		assert.Equal(t, time.Duration(0), cfg.Batch.PredictTimeout)
	})

	t.Run("missing file fails", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid yaml fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o644))

		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"bad mode", func(c *Config) { c.Server.Mode = "fast" }},
		{"empty model dir", func(c *Config) { c.Model.Dir = " " }},
		{"negative max length", func(c *Config) { c.Model.MaxLength = -1 }},
		{"zero batch size", func(c *Config) { c.Batch.MaxBatchSize = 0 }},
		{"zero window", func(c *Config) { c.Batch.Window = 0 }},
		{"zero queue", func(c *Config) { c.Batch.QueueSize = 0 }},
		{"negative timeout", func(c *Config) { c.Batch.PredictTimeout = -time.Second }},
		{"zero input bytes", func(c *Config) { c.Limits.MaxInputBytes = 0 }},
		{"zero max texts", func(c *Config) { c.Limits.MaxTexts = 0 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"cache without addr", func(c *Config) { c.Cache.Enabled = true; c.Cache.Addr = "" }},
		{"store without dsn", func(c *Config) { c.Store.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
