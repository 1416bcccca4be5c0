package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalDoc = `{
  "archive_root": "/data/archive",
  "symbols": [
    {
      "identifier": "ESU25",
      "role": "primary",
      "asset_class": "index-future",
      "expiration": "2025-09-19",
      "rollover": "2025-09-11",
      "priority": 1,
      "timeframes": ["tick", "daily"],
      "is_primary": true
    }
  ]
}`

func writeDoc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "symbols.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeDoc(t, minimalDoc))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/data/archive", cfg.ArchiveRoot)
	assert.Equal(t, ":8787", cfg.Listen)
	assert.Equal(t, 150*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 128, cfg.QueueDepth)
	assert.Equal(t, PolicyDropOldest, cfg.Policy)
	assert.Equal(t, 25*time.Second, cfg.KeepaliveEvery)
	assert.Equal(t, 30*time.Second, cfg.KeepaliveTimeout)
	assert.Equal(t, int64(4<<20), cfg.ReadMaxBytes)
	assert.Equal(t, "info", cfg.LogLevel)
	require.Len(t, cfg.Symbols, 1)
	assert.Equal(t, "ESU25", cfg.Symbols[0].Identifier)
}

func TestEnvOverridesDocument(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeDoc(t, minimalDoc))
	t.Setenv("BRIDGE_LISTEN", ":9999")
	t.Setenv("BRIDGE_DEBOUNCE_MS", "300")
	t.Setenv("BRIDGE_BACKPRESSURE_POLICY", "evict")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, 300*time.Millisecond, cfg.Debounce)
	assert.Equal(t, PolicyEvict, cfg.Policy)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMissingDocument(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.json"))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config-invalid")
}

func TestLoadMalformedDocument(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeDoc(t, "{not json"))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config-invalid")
}

func TestValidateRejections(t *testing.T) {
	base := func(t *testing.T) *Config {
		t.Setenv("CONFIG_PATH", writeDoc(t, minimalDoc))
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	t.Run("missing archive root", func(t *testing.T) {
		cfg := base(t)
		cfg.ArchiveRoot = ""
		assert.ErrorContains(t, cfg.Validate(), "archive_root")
	})

	t.Run("debounce too small", func(t *testing.T) {
		cfg := base(t)
		cfg.Debounce = time.Millisecond
		assert.ErrorContains(t, cfg.Validate(), "watcher_debounce_ms")
	})

	t.Run("debounce too large", func(t *testing.T) {
		cfg := base(t)
		cfg.Debounce = time.Minute
		assert.ErrorContains(t, cfg.Validate(), "watcher_debounce_ms")
	})

	t.Run("unknown policy", func(t *testing.T) {
		cfg := base(t)
		cfg.Policy = "drop-newest"
		assert.ErrorContains(t, cfg.Validate(), "backpressure_policy")
	})

	t.Run("keepalive timeout below interval", func(t *testing.T) {
		cfg := base(t)
		cfg.KeepaliveTimeout = cfg.KeepaliveEvery - time.Second
		assert.ErrorContains(t, cfg.Validate(), "keepalive_timeout_sec")
	})

	t.Run("no symbols", func(t *testing.T) {
		cfg := base(t)
		cfg.Symbols = nil
		assert.ErrorContains(t, cfg.Validate(), "symbol record")
	})

	t.Run("bad log level", func(t *testing.T) {
		cfg := base(t)
		cfg.LogLevel = "verbose"
		assert.ErrorContains(t, cfg.Validate(), "LOG_LEVEL")
	})
}
