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
	t.Setenv("CLIENT_ID", "client-a")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "client-a", cfg.ClientID)
	assert.Equal(t, "paper", cfg.BrokerMode)
	assert.Equal(t, "broker", cfg.PriceSource)
	assert.Equal(t, "2000", cfg.Risk.MaxDailyLoss)
	assert.Equal(t, 15*time.Minute, cfg.Risk.CooldownBase)
	assert.Equal(t, "Asia/Kolkata", cfg.Risk.Timezone)
	assert.Equal(t, 2*time.Minute, cfg.UnconfirmedTimeout)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Empty(t, cfg.AlertEmailTo)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CLIENT_ID", "client-a")
	t.Setenv("BROKER_MODE", "REST")
	t.Setenv("BROKER_BASE_URL", "https://broker.local")
	t.Setenv("WATCHER_INTERVAL", "250ms")
	t.Setenv("BROKER_RATE_LIMIT", "not-a-number")
	t.Setenv("ALERT_EMAIL_TO", "ops@desk, risk@desk ,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "rest", cfg.BrokerMode)
	assert.Equal(t, 250*time.Millisecond, cfg.WatcherInterval)
	assert.Equal(t, 8.0, cfg.BrokerRateLimit, "bad values fall back to the default")
	assert.Equal(t, []string{"ops@desk", "risk@desk"}, cfg.AlertEmailTo)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing client id", map[string]string{"CLIENT_ID": ""}},
		{"unknown broker mode", map[string]string{"BROKER_MODE": "fix"}},
		{"rest without url", map[string]string{"BROKER_MODE": "rest"}},
		{"unknown price source", map[string]string{"PRICE_SOURCE": "feed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CLIENT_ID", "client-a")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestRiskConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
risk:
  max_daily_loss: "3500.50"
  cooldown_base: 30m
  cooldown_multiplier: 1.5
  timezone: UTC
`), 0o600))
	t.Setenv("CLIENT_ID", "client-a")
	t.Setenv("RISK_CONFIG_PATH", path)
	t.Setenv("RISK_TRAILING_STEP", "250")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "3500.50", cfg.Risk.MaxDailyLoss)
	assert.Equal(t, "250", cfg.Risk.TrailingStep, "unset keys keep the env value")
	assert.Equal(t, 30*time.Minute, cfg.Risk.CooldownBase)
	assert.Equal(t, 1.5, cfg.Risk.CooldownMultiplier)
	assert.Equal(t, 4*time.Hour, cfg.Risk.MaxCooldown)
	assert.Equal(t, "UTC", cfg.Risk.Timezone)

	t.Run("missing file fails", func(t *testing.T) {
		t.Setenv("RISK_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
		_, err := Load()
		assert.Error(t, err)
	})
}
