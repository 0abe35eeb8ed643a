package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Equal(t, "medium", cfg.License.FingerprintTolerance)
	assert.Equal(t, 1, cfg.License.FingerprintMaxDrift)
	assert.Equal(t, 7, cfg.License.RevocationRetentionDays)
	assert.Equal(t, 50, cfg.License.SessionRetentionCount)
	assert.Equal(t, 24*time.Hour, cfg.License.GraceDuration())
	assert.Equal(t, 5*time.Second, cfg.License.ValidationTimeout())
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.RevocationCleanupInterval)
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
license:
  grace_duration_hours: 12
  fingerprint_tolerance: strict
store:
  backend: db
  driver: sqlite
  dsn: /tmp/test.db
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 12*time.Hour, cfg.License.GraceDuration())
	assert.Equal(t, "strict", cfg.License.FingerprintTolerance)
	assert.Equal(t, "db", cfg.Store.Backend)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0600))

	t.Setenv("UW_SERVER_PORT", "7070")
	t.Setenv("UW_LICENSE_FINGERPRINT_TOLERANCE", "loose")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "loose", cfg.License.FingerprintTolerance)
}

func TestGraceDurationIsCapped(t *testing.T) {
	cfg := LicenseConfig{GraceDurationHours: 48}
	assert.Equal(t, 48*time.Hour, cfg.GraceDuration())

	cfg.GraceDurationHours = 0
	assert.Equal(t, 24*time.Hour, cfg.GraceDuration())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad tolerance", func(c *Config) { c.License.FingerprintTolerance = "fuzzy" }},
		{"bad backend", func(c *Config) { c.Store.Backend = "s3" }},
		{"grace over cap", func(c *Config) { c.License.GraceDurationHours = 72 }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
