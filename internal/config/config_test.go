package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
environment:
  mode: paper
ibkr:
  host: 127.0.0.1
  port: 7497
  client_id: 1
  account: DU1234567
trading:
  default_quantity: 100
  max_position_size: 1000
  enable_pre_market: true
  enable_post_market: false
  limit_order_timeout_minutes: 5
  max_resubmissions: 3
market_hours:
  pre_market_start: "04:00"
  market_open: "09:30"
  market_close: "16:00"
  post_market_end: "20:00"
webhook:
  host: 0.0.0.0
  port: 8080
security:
  webhook_secret: topsecret
  allowed_ips:
    - 52.89.214.238
telegram:
  enabled: false
metrics:
  enabled: true
  port: 9090
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.True(t, cfg.IsPaperTrading())
	assert.Equal(t, 7497, cfg.IBKR.Port)
	assert.Equal(t, "DU1234567", cfg.IBKR.Account)
	assert.Equal(t, 5*time.Minute, cfg.LimitOrderTimeout())
	assert.True(t, cfg.Trading.EnablePreMarket)
	assert.False(t, cfg.Trading.EnablePostMarket)

	// Defaults fill in what the file leaves out.
	assert.Equal(t, "info", cfg.Environment.LogLevel)
	assert.Equal(t, "America/New_York", cfg.MarketHours.Timezone)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval())
	assert.Equal(t, 10, cfg.IBKR.MaxReconnectAttempts)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_WEBHOOK_SECRET", "from-env")
	yaml := validYAML
	cfg, err := Load(writeConfig(t, yaml+`
`))
	require.NoError(t, err)
	assert.Equal(t, "topsecret", cfg.Security.WebhookSecret)

	envYAML := `
environment:
  mode: paper
ibkr:
  host: 127.0.0.1
  port: 7497
  account: DU1
trading:
  max_position_size: 500
  limit_order_timeout_minutes: 5
market_hours:
  pre_market_start: "04:00"
  market_open: "09:30"
  market_close: "16:00"
  post_market_end: "20:00"
webhook:
  port: 8080
security:
  webhook_secret: ${TEST_WEBHOOK_SECRET}
`
	cfg, err = Load(writeConfig(t, envYAML))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Security.WebhookSecret)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, validYAML+`
bogus_section:
  key: value
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestValidateFailures(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfig(t, validYAML))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad mode", func(c *Config) { c.Environment.Mode = "demo" }, "environment.mode"},
		{"missing host", func(c *Config) { c.IBKR.Host = "" }, "ibkr.host"},
		{"bad port", func(c *Config) { c.IBKR.Port = 70000 }, "ibkr.port"},
		{"missing account", func(c *Config) { c.IBKR.Account = "" }, "ibkr.account"},
		{"zero max size", func(c *Config) { c.Trading.MaxPositionSize = 0 }, "max_position_size"},
		{"zero timeout", func(c *Config) { c.Trading.LimitOrderTimeoutMinutes = 0 }, "limit_order_timeout_minutes"},
		{"negative resubmissions", func(c *Config) { c.Trading.MaxResubmissions = -1 }, "max_resubmissions"},
		{"bad sweep interval", func(c *Config) { c.Trading.SweepInterval = "soon" }, "sweep_interval"},
		{"bad allowed ip", func(c *Config) { c.Security.AllowedIPs = []string{"not-an-ip"} }, "allowed_ips"},
		{"unordered hours", func(c *Config) { c.MarketHours.MarketOpen = "17:00" }, "strictly increasing"},
		{"bad clock", func(c *Config) { c.MarketHours.MarketClose = "25:99" }, "market_hours.market_close"},
		{"telegram without token", func(c *Config) { c.Telegram.Enabled = true }, "telegram.bot_token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseClock(t *testing.T) {
	m, err := ParseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, 9*60+30, m)

	m, err = ParseClock("00:00")
	require.NoError(t, err)
	assert.Equal(t, 0, m)

	_, err = ParseClock("9:30am")
	require.Error(t, err)
}

func TestLocationFallback(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	loc := cfg.Location()
	require.NotNil(t, loc)
}
