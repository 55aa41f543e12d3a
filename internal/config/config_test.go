package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_ENV", "PORT", "BATCH_SIZE", "AUTO_ANALYZE", "DATA_DIR",
		"ENABLE_ENCRYPTION", "JWT_SECRET", "JWT_EXPIRATION",
		"ADMIN_USERNAME", "ADMIN_PASSWORD", "AUTH_RATE_LIMIT",
		"AUTH_RATE_WINDOW", "REQUEST_TIMEOUT", "SHUTDOWN_TIMEOUT",
		"LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDevelopmentDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, Development, cfg.Env)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.True(t, cfg.AutoAnalyze)
	assert.True(t, cfg.EnableEncryption)
	assert.Equal(t, 24*time.Hour, cfg.JWTExpiration)
	assert.Equal(t, "admin", cfg.AdminUsername)
	assert.NotEmpty(t, cfg.JWTSecret)
	assert.Equal(t, 5, cfg.AuthRateLimit)
	assert.Equal(t, 15*time.Minute, cfg.AuthRateWindow)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

func TestLoadProductionRequiresSecret(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("ADMIN_PASSWORD", "a-strong-password")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoadProductionRejectsShortSecret(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "too-short")
	t.Setenv("ADMIN_PASSWORD", "a-strong-password")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 bytes")
}

func TestLoadProductionRequiresAdminPassword(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "a-production-secret-of-sufficient-length")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_PASSWORD")
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "testing")
	t.Setenv("PORT", "9090")
	t.Setenv("BATCH_SIZE", "25")
	t.Setenv("AUTO_ANALYZE", "off")
	t.Setenv("ENABLE_ENCRYPTION", "false")
	t.Setenv("JWT_SECRET", "a-testing-secret-of-sufficient-length!!")
	t.Setenv("JWT_EXPIRATION", "2h")
	t.Setenv("ADMIN_PASSWORD", "hunter2hunter2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, Testing, cfg.Env)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.False(t, cfg.AutoAnalyze)
	assert.False(t, cfg.EnableEncryption)
	assert.Equal(t, 2*time.Hour, cfg.JWTExpiration)
}

func TestLoadRejectsUnknownEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "staging")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsNonPositiveBatchSize(t *testing.T) {
	clearEnv(t)
	t.Setenv("BATCH_SIZE", "-1")

	_, err := Load()
	require.Error(t, err)
}
