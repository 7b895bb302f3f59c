// Package config provides configuration management for the trading bridge.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	defaultTimezone        = "America/New_York"
	defaultSweepInterval   = "5m"
	defaultDefaultQuantity = 100
	defaultMaxReconnects   = 10
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	IBKR        IBKRConfig        `yaml:"ibkr"`
	Trading     TradingConfig     `yaml:"trading"`
	MarketHours MarketHoursConfig `yaml:"market_hours"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Security    SecurityConfig    `yaml:"security"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// EnvironmentConfig defines the runtime environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// IBKRConfig defines the broker gateway endpoint and session identity.
type IBKRConfig struct {
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	ClientID             int    `yaml:"client_id"`
	Account              string `yaml:"account"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
}

// TradingConfig defines order sizing and the pending-order policy.
type TradingConfig struct {
	DefaultQuantity          int    `yaml:"default_quantity"`
	MaxPositionSize          int    `yaml:"max_position_size"`
	EnablePreMarket          bool   `yaml:"enable_pre_market"`
	EnablePostMarket         bool   `yaml:"enable_post_market"`
	LimitOrderTimeoutMinutes int    `yaml:"limit_order_timeout_minutes"`
	MaxResubmissions         int    `yaml:"max_resubmissions"`
	SweepInterval            string `yaml:"sweep_interval"`
}

// MarketHoursConfig defines the session boundaries in the exchange timezone.
type MarketHoursConfig struct {
	PreMarketStart string `yaml:"pre_market_start"` // "HH:MM"
	MarketOpen     string `yaml:"market_open"`
	MarketClose    string `yaml:"market_close"`
	PostMarketEnd  string `yaml:"post_market_end"`
	Timezone       string `yaml:"timezone"`
}

// WebhookConfig defines the signal-intake listener.
type WebhookConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// SecurityConfig defines signal-intake authentication.
type SecurityConfig struct {
	WebhookSecret string   `yaml:"webhook_secret"`
	AllowedIPs    []string `yaml:"allowed_ips"`
}

// TelegramConfig defines the outbound notification channel.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// MetricsConfig defines the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.MarketHours.Timezone == "" {
		c.MarketHours.Timezone = defaultTimezone
	}
	if c.Trading.SweepInterval == "" {
		c.Trading.SweepInterval = defaultSweepInterval
	}
	if c.Trading.DefaultQuantity == 0 {
		c.Trading.DefaultQuantity = defaultDefaultQuantity
	}
	if c.IBKR.MaxReconnectAttempts == 0 {
		c.IBKR.MaxReconnectAttempts = defaultMaxReconnects
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.IBKR.Host == "" {
		return fmt.Errorf("ibkr.host is required")
	}
	if c.IBKR.Port <= 0 || c.IBKR.Port > 65535 {
		return fmt.Errorf("ibkr.port must be in (0,65535]")
	}
	if c.IBKR.ClientID < 0 {
		return fmt.Errorf("ibkr.client_id must be >= 0")
	}
	if c.IBKR.Account == "" {
		return fmt.Errorf("ibkr.account is required")
	}

	if c.Trading.DefaultQuantity <= 0 {
		return fmt.Errorf("trading.default_quantity must be > 0")
	}
	if c.Trading.MaxPositionSize <= 0 {
		return fmt.Errorf("trading.max_position_size must be > 0")
	}
	if c.Trading.LimitOrderTimeoutMinutes <= 0 {
		return fmt.Errorf("trading.limit_order_timeout_minutes must be > 0")
	}
	if c.Trading.MaxResubmissions < 0 {
		return fmt.Errorf("trading.max_resubmissions must be >= 0")
	}
	if _, err := time.ParseDuration(c.Trading.SweepInterval); err != nil {
		return fmt.Errorf("trading.sweep_interval invalid: %w", err)
	}

	if c.Webhook.Port <= 0 || c.Webhook.Port > 65535 {
		return fmt.Errorf("webhook.port must be in (0,65535]")
	}
	for _, ip := range c.Security.AllowedIPs {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("security.allowed_ips contains invalid IP %q", ip)
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be in (0,65535]")
	}
	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == "") {
		return fmt.Errorf("telegram.bot_token and telegram.chat_id are required when telegram.enabled")
	}

	return c.validateMarketHours()
}

func (c *Config) validateMarketHours() error {
	if _, err := time.LoadLocation(c.MarketHours.Timezone); err != nil {
		return fmt.Errorf("market_hours.timezone invalid: %w", err)
	}

	boundaries := []struct {
		name  string
		value string
	}{
		{"pre_market_start", c.MarketHours.PreMarketStart},
		{"market_open", c.MarketHours.MarketOpen},
		{"market_close", c.MarketHours.MarketClose},
		{"post_market_end", c.MarketHours.PostMarketEnd},
	}

	minutes := make([]int, 0, len(boundaries))
	for _, b := range boundaries {
		m, err := ParseClock(b.value)
		if err != nil {
			return fmt.Errorf("market_hours.%s: %w", b.name, err)
		}
		minutes = append(minutes, m)
	}
	for i := 1; i < len(minutes); i++ {
		if minutes[i-1] >= minutes[i] {
			return fmt.Errorf("market_hours boundaries must be strictly increasing (%s >= %s)",
				boundaries[i-1].value, boundaries[i].value)
		}
	}
	return nil
}

// ParseClock parses an "HH:MM" string into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// IsPaperTrading returns true if the bridge is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// SweepInterval returns the configured pending-order sweep interval.
func (c *Config) SweepInterval() time.Duration {
	d, err := time.ParseDuration(c.Trading.SweepInterval)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// LimitOrderTimeout returns the per-order idle threshold for the sweep.
func (c *Config) LimitOrderTimeout() time.Duration {
	return time.Duration(c.Trading.LimitOrderTimeoutMinutes) * time.Minute
}

// Location returns the exchange timezone, falling back to a fixed Eastern
// offset for minimal containers without tzdata.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.MarketHours.Timezone)
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}
