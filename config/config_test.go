package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"falconlink/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "127.0.0.1:5100", cfg.ControlAddr)
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 4096, cfg.ControlReadBuffer)
	assert.Equal(t, 65536, cfg.MediaBufferSize)
	assert.Equal(t, ":", cfg.MediaSeparator)
	assert.Equal(t, []models.CameraID{models.CameraA, models.CameraB}, cfg.Cameras())
	assert.Equal(t, "./data/journal.db", cfg.JournalPath)
	assert.NoError(t, cfg.Validate())

	policy := cfg.ReconnectPolicy()
	assert.Equal(t, 3*time.Second, policy.Interval)
	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, 1.0, policy.BackoffFactor)
	assert.True(t, policy.OnRemoteClose)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CONTROL_ADDR", "10.0.0.5:9000")
	t.Setenv("RECONNECT_INTERVAL", "500ms")
	t.Setenv("MAX_RECONNECT_ATTEMPTS", "7")
	t.Setenv("RECONNECT_BACKOFF_FACTOR", "2.5")
	t.Setenv("RECONNECT_ON_REMOTE_CLOSE", "false")
	t.Setenv("CAMERAS", " a, c ,,")
	t.Setenv("JOURNAL_PATH", "")
	t.Setenv("MEDIA_BUFFER_SIZE", "not a number")

	cfg := Load()
	assert.Equal(t, "10.0.0.5:9000", cfg.ControlAddr)
	assert.Equal(t, []models.CameraID{"A", "C"}, cfg.Cameras())
	assert.Empty(t, cfg.JournalPath)
	assert.Equal(t, 65536, cfg.MediaBufferSize)

	policy := cfg.ReconnectPolicy()
	assert.Equal(t, 500*time.Millisecond, policy.Interval)
	assert.Equal(t, 7, policy.MaxAttempts)
	assert.Equal(t, 2.5, policy.BackoffFactor)
	assert.False(t, policy.OnRemoteClose)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty control addr", func(c *Config) { c.ControlAddr = "" }},
		{"zero media buffer", func(c *Config) { c.MediaBufferSize = 0 }},
		{"empty separator", func(c *Config) { c.MediaSeparator = "" }},
		{"separator with camera letter", func(c *Config) { c.MediaSeparator = "|A|" }},
		{"negative attempts", func(c *Config) { c.MaxReconnectAttempts = -1 }},
		{"no cameras", func(c *Config) { c.CameraList = nil }},
		{"bad camera", func(c *Config) { c.CameraList = []string{"AB"} }},
		{"unknown storage", func(c *Config) { c.StorageType = "s3" }},
		{"gcs without bucket", func(c *Config) { c.StorageType = "gcs"; c.GCSProjectID = "p" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "falcon.env")
	require.NoError(t, os.WriteFile(path, []byte("HTTP_ADDR=:9999\n"), 0o644))
	t.Setenv("HTTP_ADDR", "")
	os.Unsetenv("HTTP_ADDR")

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, ":9999", Load().HTTPAddr)

	assert.Error(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}
