package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warden-labs/warden/pkg/config"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
// Invariant: the kernel must boot fully offline with safe defaults.
func TestLoad_Defaults(t *testing.T) {
	// Ensure clean env
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("NETWORK_MODE", "")
	t.Setenv("TOKEN_TTL_SECONDS", "")
	t.Setenv("MIRROR_BASE_URL", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Contains(t, cfg.DatabaseURL, "warden.db")
	assert.Equal(t, "enterpriseAllowlist", cfg.NetworkMode)
	assert.Equal(t, 120*time.Second, cfg.TokenTTL)
	assert.Empty(t, cfg.MirrorBaseURL)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://production:5432/warden")
	t.Setenv("NETWORK_MODE", "offlineOnly")
	t.Setenv("TOKEN_TTL_SECONDS", "30")
	t.Setenv("MIRROR_BASE_URL", "https://evidence.corp.example.com")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://production:5432/warden", cfg.DatabaseURL)
	assert.Equal(t, "offlineOnly", cfg.NetworkMode)
	assert.Equal(t, 30*time.Second, cfg.TokenTTL)
	assert.Equal(t, "https://evidence.corp.example.com", cfg.MirrorBaseURL)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
}

// TestLoad_InvalidDuration falls back to the default TTL when the env
// value is not a positive integer.
func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("TOKEN_TTL_SECONDS", "not-a-number")

	cfg := config.Load()
	assert.Equal(t, 120*time.Second, cfg.TokenTTL)

	t.Setenv("TOKEN_TTL_SECONDS", "-5")
	cfg = config.Load()
	assert.Equal(t, 120*time.Second, cfg.TokenTTL)
}
