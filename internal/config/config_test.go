package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"FG_DB_PATH", "FG_PORT", "FG_ADMIN_TOKEN", "FG_BOUNCE_WINDOW", "FG_WEBHOOK_RPS"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, "./fgt.db", cfg.DBPath)
	assert.Equal(t, 8080, cfg.Port)
	assert.Empty(t, cfg.AdminToken)
	assert.Equal(t, 30*time.Minute, cfg.BounceWindow)
	assert.Equal(t, 5.0, cfg.WebhookRPS)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("FG_PORT", "9090")
	t.Setenv("FG_BOUNCE_WINDOW", "10m")
	t.Setenv("FG_ROLLUP_PERIOD", "day")
	t.Setenv("FG_WEBHOOK_RPS", "0.5")

	cfg := Load()
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 10*time.Minute, cfg.BounceWindow)
	assert.Equal(t, "day", cfg.RollupPeriod)
	assert.Equal(t, 0.5, cfg.WebhookRPS)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("FG_PORT", "eighty")
	t.Setenv("FG_ABANDON_TIMEOUT", "-5m")

	cfg := Load()
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Minute, cfg.AbandonTimeout)
}

func TestDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("FG_TENANT=from-file\nFG_LOG_LEVEL=debug\n"), 0o600))

	t.Setenv("FG_TENANT", "from-env")
	t.Setenv("FG_LOG_LEVEL", "")
	os.Unsetenv("FG_LOG_LEVEL")
	require.NoError(t, godotenv.Load(path))
	t.Cleanup(func() { os.Unsetenv("FG_LOG_LEVEL") })

	cfg := Load()
	assert.Equal(t, "from-env", cfg.Tenant)
	assert.Equal(t, "debug", cfg.LogLevel)
}
