package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "/api/v1/ws", cfg.WebsocketPath)
	assert.Equal(t, int64(100*1024*1024), cfg.BufferThreshold)
	assert.Equal(t, 24*time.Hour, cfg.StalenessWindow)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, time.Second, cfg.Retry.Backoff)
	assert.Equal(t, time.Second, cfg.Reconnect.Backoff)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.MaxBackoff)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
base_url: https://vault.example.com
buffer_threshold: 52428800
staleness_window: 12h
heartbeat_interval: 45s
retry:
  attempts: 5
  backoff: 2s
reconnect:
  backoff: 500ms
  max_backoff: 1m
  max_attempts: 10
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "https://vault.example.com", cfg.BaseURL)
	assert.Equal(t, int64(52428800), cfg.BufferThreshold)
	assert.Equal(t, 12*time.Hour, cfg.StalenessWindow)
	assert.Equal(t, 45*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5, cfg.Retry.Attempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.Backoff)
	assert.Equal(t, 500*time.Millisecond, cfg.Reconnect.Backoff)
	assert.Equal(t, time.Minute, cfg.Reconnect.MaxBackoff)
	assert.Equal(t, 10, cfg.Reconnect.MaxAttempts)

	// Unset fields keep their defaults.
	assert.Equal(t, "/api/v1/ws", cfg.WebsocketPath)
	assert.Equal(t, 15*time.Second, cfg.ConnectTimeout)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "heartbeat_interval: soon\n")

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_interval")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.BaseURL = "https://vault.example.com"
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing_base_url", mutate: func(c *Config) { c.BaseURL = "" }},
		{name: "bad_scheme", mutate: func(c *Config) { c.BaseURL = "ftp://host" }},
		{name: "zero_threshold", mutate: func(c *Config) { c.BufferThreshold = 0 }},
		{name: "zero_staleness", mutate: func(c *Config) { c.StalenessWindow = 0 }},
		{name: "zero_heartbeat", mutate: func(c *Config) { c.HeartbeatInterval = 0 }},
		{name: "zero_connect_timeout", mutate: func(c *Config) { c.ConnectTimeout = 0 }},
		{name: "zero_retry_attempts", mutate: func(c *Config) { c.Retry.Attempts = 0 }},
		{name: "inverted_reconnect_bounds", mutate: func(c *Config) { c.Reconnect.MaxBackoff = c.Reconnect.Backoff / 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
