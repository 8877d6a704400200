package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerDefaults(t *testing.T) {
	cfg, err := LoadServer()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "./tenants", cfg.RulesDir)
	assert.Empty(t, cfg.DatabaseURL)
	assert.True(t, cfg.WatchRules)
	assert.Equal(t, 250*time.Millisecond, cfg.ReloadDebounce)
	assert.False(t, cfg.AllowUndefinedFacts)
	assert.Equal(t, 100, cfg.ErrorSampleRate)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestLoadServerFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("RULES_DIR", "/etc/rules")
	t.Setenv("DATABASE_URL", "postgres://localhost/facts")
	t.Setenv("WATCH_RULES", "false")
	t.Setenv("ALLOW_UNDEFINED_FACTS", "true")
	t.Setenv("ALLOW_UNDEFINED_CONDITIONS", "true")
	t.Setenv("REQUEST_TIMEOUT", "5s")

	cfg, err := LoadServer()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "/etc/rules", cfg.RulesDir)
	assert.Equal(t, "postgres://localhost/facts", cfg.DatabaseURL)
	assert.False(t, cfg.WatchRules)
	assert.True(t, cfg.AllowUndefinedFacts)
	assert.True(t, cfg.AllowUndefinedConditions)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
}

func TestLoadServerParseError(t *testing.T) {
	t.Setenv("WATCH_RULES", "sometimes")

	_, err := LoadServer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestLoadServerValidation(t *testing.T) {
	t.Setenv("ERROR_SAMPLE_RATE", "0")
	t.Setenv("RELOAD_DEBOUNCE", "-1s")

	_, err := LoadServer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERROR_SAMPLE_RATE")
	assert.Contains(t, err.Error(), "RELOAD_DEBOUNCE")
}
