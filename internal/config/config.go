// Package config loads the runner configuration from environment variables and the
// add-on options file, and the job definitions file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// DefaultOptionsPath is where the add-on supervisor persists user options.
const DefaultOptionsPath = "/data/options.json"

// Config is the process configuration. Environment variables (upper-cased keys) take
// precedence over the options file, which takes precedence over defaults.
type Config struct {
	DataDir     string `mapstructure:"data_dir"`
	DatabaseURL string `mapstructure:"database_url"`
	RedisAddr   string `mapstructure:"redis_addr"`
	Timezone    string `mapstructure:"timezone" validate:"required,timezone"`
	JobsFile    string `mapstructure:"jobs_file" validate:"required"`

	TickInterval       time.Duration `mapstructure:"tick_interval" validate:"min=1s"`
	LockTTL            time.Duration `mapstructure:"lock_ttl" validate:"min=1s"`
	EventRetentionDays int           `mapstructure:"event_retention_days" validate:"min=-1"`

	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogJSON  bool   `mapstructure:"log_json"`
	Port     int    `mapstructure:"port" validate:"min=1,max=65535"`

	GeminiAPIKey string `mapstructure:"gemini_api_key"`

	WebhookStatusURL string        `mapstructure:"webhook_status_url" validate:"omitempty,url"`
	WebhookFinalURL  string        `mapstructure:"webhook_final_url" validate:"omitempty,url"`
	WebhookAttempts  int           `mapstructure:"webhook_attempts" validate:"min=1,max=10"`
	WebhookTimeout   time.Duration `mapstructure:"webhook_timeout" validate:"min=1s"`

	RateLimitEnabled   bool   `mapstructure:"rate_limit_enabled"`
	RateLimitPerMinute int    `mapstructure:"rate_limit_per_minute" validate:"min=1"`
	RateLimitWhitelist string `mapstructure:"rate_limit_whitelist"`

	v *viper.Viper
}

// legacyKeys maps option names used by older add-on versions to current keys.
var legacyKeys = map[string]string{
	"hass_webhook_url_status": "webhook_status_url",
	"hass_webhook_url_final":  "webhook_final_url",
	"jobs_path":               "jobs_file",
	"db_url":                  "database_url",
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "/data")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("timezone", "Europe/Madrid")
	v.SetDefault("jobs_file", "/data/jobs.json")

	v.SetDefault("tick_interval", time.Minute)
	v.SetDefault("lock_ttl", 15*time.Minute)
	v.SetDefault("event_retention_days", 30)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("port", 8099)

	v.SetDefault("gemini_api_key", "")

	v.SetDefault("webhook_status_url", "")
	v.SetDefault("webhook_final_url", "")
	v.SetDefault("webhook_attempts", 3)
	v.SetDefault("webhook_timeout", 15*time.Second)

	v.SetDefault("rate_limit_enabled", true)
	v.SetDefault("rate_limit_per_minute", 600)
	v.SetDefault("rate_limit_whitelist", "")
}

// Load reads optionsPath (a missing file is not an error) and the environment.
func Load(optionsPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.AutomaticEnv()

	if optionsPath != "" {
		if _, err := os.Stat(optionsPath); err == nil {
			v.SetConfigFile(optionsPath)
			v.SetConfigType("json")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read options file %s: %w", optionsPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat options file %s: %w", optionsPath, err)
		}
	}
	applyLegacyKeys(v)

	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyLegacyKeys copies a legacy option onto its current key unless the current key
// was given explicitly in the file or the environment.
func applyLegacyKeys(v *viper.Viper) {
	for legacy, key := range legacyKeys {
		if v.InConfig(key) || os.Getenv(strings.ToUpper(key)) != "" {
			continue
		}
		if v.IsSet(legacy) {
			v.Set(key, v.Get(legacy))
		}
	}
}

// Validate checks value ranges and formats.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	return nil
}

// Setting returns a free-form option such as a job's required setting. The environment
// variable of the upper-cased key wins over the options file.
func (c *Config) Setting(key string) string {
	if c.v == nil {
		return os.Getenv(strings.ToUpper(key))
	}
	return strings.TrimSpace(c.v.GetString(key))
}

// Location returns the configured default timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}
