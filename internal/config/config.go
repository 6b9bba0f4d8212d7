// Package config loads the daemon configuration from a YAML file with
// environment-variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"outreachd/internal/models"
)

// Config is the main configuration structure
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Transport TransportConfig `yaml:"transport"`
	Worker    WorkerConfig    `yaml:"worker"`
	RateLimit RateLimitConfig `yaml:"rate_limit"` // defaults for new campaigns
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Retention RetentionConfig `yaml:"retention"`
}

// StorageConfig contains persistence settings
type StorageConfig struct {
	Path string `yaml:"path" env:"OUTREACHD_STORAGE_PATH"`
}

// TransportConfig selects and configures the messaging provider
type TransportConfig struct {
	// Mode is "gateway" for the HTTP provider gateway or "sandbox" for
	// the in-process simulator
	Mode    string        `yaml:"mode" env:"OUTREACHD_TRANSPORT_MODE"`
	Gateway GatewayConfig `yaml:"gateway"`
	Sandbox SandboxConfig `yaml:"sandbox"`
}

// GatewayConfig contains HTTP provider gateway settings
type GatewayConfig struct {
	BaseURL             string `yaml:"base_url" env:"OUTREACHD_GATEWAY_URL"`
	Token               string `yaml:"token" env:"OUTREACHD_GATEWAY_TOKEN"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
}

// Timeout returns the per-request timeout
func (g GatewayConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

// PollInterval returns the inbound event polling interval
func (g GatewayConfig) PollInterval() time.Duration {
	return time.Duration(g.PollIntervalSeconds) * time.Second
}

// SandboxConfig contains simulator settings
type SandboxConfig struct {
	FailureRate      float64 `yaml:"failure_rate"`
	FloodEvery       int     `yaml:"flood_every"`
	FloodWaitSeconds int     `yaml:"flood_wait_seconds"`
	RatePerSec       float64 `yaml:"rate_per_sec"`
	Burst            int     `yaml:"burst"`
}

// WorkerConfig contains sweep loop settings
type WorkerConfig struct {
	PollIntervalSeconds int  `yaml:"poll_interval_seconds"`
	AutoStart           bool `yaml:"auto_start" env:"OUTREACHD_WORKER_AUTOSTART"`
}

// PollInterval returns the campaign sweep interval
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

// RateLimitConfig contains the default pacing profile applied to
// campaigns created without one
type RateLimitConfig struct {
	MessagesPerHour      int  `yaml:"messages_per_hour"`
	DelayMinSeconds      int  `yaml:"delay_min_seconds"`
	DelayMaxSeconds      int  `yaml:"delay_max_seconds"`
	PauseAfter           int  `yaml:"pause_after"`
	PauseDurationSeconds int  `yaml:"pause_duration_seconds"`
	NightStartHour       int  `yaml:"night_start_hour"`
	NightEndHour         int  `yaml:"night_end_hour"`
	NightModeEnabled     bool `yaml:"night_mode_enabled"`
}

// ToModel converts the config profile to the campaign rate limit type
func (r RateLimitConfig) ToModel() models.RateLimitConfig {
	return models.RateLimitConfig{
		MessagesPerHour:      r.MessagesPerHour,
		DelayMinSeconds:      r.DelayMinSeconds,
		DelayMaxSeconds:      r.DelayMaxSeconds,
		PauseAfter:           r.PauseAfter,
		PauseDurationSeconds: r.PauseDurationSeconds,
		NightStartHour:       r.NightStartHour,
		NightEndHour:         r.NightEndHour,
		NightModeEnabled:     r.NightModeEnabled,
	}
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr          string `yaml:"listen_addr" env:"OUTREACHD_API_ADDR"`
	AuthToken           string `yaml:"auth_token" env:"OUTREACHD_API_KEY"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds  int    `yaml:"idle_timeout_seconds"`
}

// ReadTimeout returns the server read timeout
func (a APIConfig) ReadTimeout() time.Duration {
	return time.Duration(a.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the server write timeout
func (a APIConfig) WriteTimeout() time.Duration {
	return time.Duration(a.WriteTimeoutSeconds) * time.Second
}

// IdleTimeout returns the server idle timeout
func (a APIConfig) IdleTimeout() time.Duration {
	return time.Duration(a.IdleTimeoutSeconds) * time.Second
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled              bool `yaml:"enabled"`
	FlushIntervalSeconds int  `yaml:"flush_interval_seconds"`
}

// FlushInterval returns the gauge update interval
func (m MetricsConfig) FlushInterval() time.Duration {
	return time.Duration(m.FlushIntervalSeconds) * time.Second
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" env:"OUTREACHD_LOG_LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"OUTREACHD_LOG_FORMAT"` // json, text
}

// RetentionConfig contains cleanup settings for processed inbound
// events and completed campaigns
type RetentionConfig struct {
	EventMaxAgeHours       int `yaml:"event_max_age_hours"`
	CampaignMaxAgeDays     int `yaml:"campaign_max_age_days"` // 0 = keep forever
	CleanupIntervalMinutes int `yaml:"cleanup_interval_minutes"`
}

// EventMaxAge returns how long processed event keys are kept
func (r RetentionConfig) EventMaxAge() time.Duration {
	return time.Duration(r.EventMaxAgeHours) * time.Hour
}

// CampaignMaxAge returns how long completed campaigns are kept
func (r RetentionConfig) CampaignMaxAge() time.Duration {
	return time.Duration(r.CampaignMaxAgeDays) * 24 * time.Hour
}

// CleanupInterval returns the cleanup cadence
func (r RetentionConfig) CleanupInterval() time.Duration {
	return time.Duration(r.CleanupIntervalMinutes) * time.Minute
}

// Load loads configuration from a YAML file, applies environment
// overrides, fills defaults and validates the result. An empty path
// yields a pure defaults-plus-environment configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment overrides: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/outreachd/outreachd.db"
	}

	if c.Transport.Mode == "" {
		c.Transport.Mode = "sandbox"
	}
	if c.Transport.Gateway.TimeoutSeconds == 0 {
		c.Transport.Gateway.TimeoutSeconds = 30
	}
	if c.Transport.Gateway.PollIntervalSeconds == 0 {
		c.Transport.Gateway.PollIntervalSeconds = 5
	}

	if c.Worker.PollIntervalSeconds == 0 {
		c.Worker.PollIntervalSeconds = 30
	}

	if c.RateLimit.MessagesPerHour == 0 {
		c.RateLimit.MessagesPerHour = 60
	}
	if c.RateLimit.DelayMaxSeconds == 0 {
		c.RateLimit.DelayMaxSeconds = 30
	}
	if c.RateLimit.PauseAfter == 0 {
		c.RateLimit.PauseAfter = 20
	}
	if c.RateLimit.PauseDurationSeconds == 0 {
		c.RateLimit.PauseDurationSeconds = 15 * 60
	}
	if c.RateLimit.NightStartHour == 0 && c.RateLimit.NightEndHour == 0 {
		c.RateLimit.NightStartHour = 22
		c.RateLimit.NightEndHour = 8
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeoutSeconds == 0 {
		c.API.ReadTimeoutSeconds = 30
	}
	if c.API.WriteTimeoutSeconds == 0 {
		c.API.WriteTimeoutSeconds = 30
	}
	if c.API.IdleTimeoutSeconds == 0 {
		c.API.IdleTimeoutSeconds = 60
	}

	if c.Metrics.FlushIntervalSeconds == 0 {
		c.Metrics.FlushIntervalSeconds = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Retention.EventMaxAgeHours == 0 {
		c.Retention.EventMaxAgeHours = 7 * 24
	}
	if c.Retention.CleanupIntervalMinutes == 0 {
		c.Retention.CleanupIntervalMinutes = 60
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Transport.Mode {
	case "sandbox":
	case "gateway":
		if c.Transport.Gateway.BaseURL == "" {
			return fmt.Errorf("transport.gateway.base_url is required in gateway mode")
		}
	default:
		return fmt.Errorf("unknown transport mode %q (want gateway or sandbox)", c.Transport.Mode)
	}

	if c.RateLimit.MessagesPerHour < 0 {
		return fmt.Errorf("rate_limit.messages_per_hour must not be negative")
	}
	if c.RateLimit.DelayMinSeconds > c.RateLimit.DelayMaxSeconds {
		return fmt.Errorf("rate_limit.delay_min_seconds exceeds delay_max_seconds")
	}
	if h := c.RateLimit.NightStartHour; h < 0 || h > 23 {
		return fmt.Errorf("rate_limit.night_start_hour must be 0-23")
	}
	if h := c.RateLimit.NightEndHour; h < 0 || h > 23 {
		return fmt.Errorf("rate_limit.night_end_hour must be 0-23")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown logging format %q", c.Logging.Format)
	}

	return nil
}
