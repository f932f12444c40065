package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 10, cfg.Limit)
	assert.Equal(t, 60*time.Second, cfg.Window)
	assert.Equal(t, 3, cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Cooldown)
	assert.Equal(t, 500*time.Millisecond, cfg.BackendTimeout)
	assert.Equal(t, 5, cfg.HistorySize)
	assert.True(t, cfg.FallbackOnly())
	assert.Contains(t, cfg.AISystemPrompt, "Vyapari")
	assert.Contains(t, cfg.AISystemPrompt, "EXACT same language")
	assert.Contains(t, cfg.AISystemPrompt, "/start")
	assert.True(t, cfg.LedgerEnabled)
	assert.Equal(t, "INR", cfg.Currency)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("RATE_LIMIT", "5")
	t.Setenv("RATE_WINDOW", "90")
	t.Setenv("BACKEND_COOLDOWN", "1m")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load(New())
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Limit)
	assert.Equal(t, 90*time.Second, cfg.Window, "plain integers are seconds")
	assert.Equal(t, time.Minute, cfg.Cooldown)
	assert.False(t, cfg.FallbackOnly())
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rate_limit: 7\nbackend_failure_threshold: 5\n"), 0o600))

	v := New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Limit)
	assert.Equal(t, 5, cfg.FailureThreshold)
}

func TestLoad_InvalidValuesAreConfigurationErrors(t *testing.T) {
	cases := map[string]struct {
		env, value, key string
	}{
		"zero limit":       {"RATE_LIMIT", "0", "rate_limit"},
		"not a number":     {"RATE_LIMIT", "ten", "rate_limit"},
		"bad duration":     {"BACKEND_COOLDOWN", "soon", "backend_cooldown"},
		"tiny window":      {"RATE_WINDOW", "10ms", "rate_window"},
		"zero threshold":   {"BACKEND_FAILURE_THRESHOLD", "0", "backend_failure_threshold"},
		"negative workers": {"CONCURRENCY_MAX", "-1", "concurrency_max"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(tc.env, tc.value)

			_, err := Load(New())
			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tc.key, cfgErr.Key)
		})
	}
}

func TestRequireRelay(t *testing.T) {
	cfg, err := Load(New())
	require.NoError(t, err)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, cfg.RequireRelay(), &cfgErr)
	assert.Equal(t, "telegram_bot_token", cfgErr.Key)

	cfg.TelegramToken = "t"
	require.ErrorAs(t, cfg.RequireRelay(), &cfgErr)
	assert.Equal(t, "ai_api_key", cfgErr.Key)

	cfg.AIAPIKey = "k"
	assert.NoError(t, cfg.RequireRelay())
}

func TestRequireWebhook(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "t")
	cfg, err := Load(New())
	require.NoError(t, err)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, cfg.RequireWebhook(), &cfgErr)
	assert.Equal(t, "public_url", cfgErr.Key)
	assert.Contains(t, cfgErr.Error(), "PUBLIC_URL")
}
