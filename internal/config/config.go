package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "STORYSYNC"

	defaultHTTPAddress     = "127.0.0.1:8091"
	defaultDatabasePath    = "storysync.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultAPIBaseURL      = "https://story-api.dicoding.dev/v1"
	defaultAPITimeout      = "30s"
	defaultCacheQuota      = int64(50 * 1024 * 1024)
	defaultSettleDelay     = "1s"
	defaultStartupDelay    = "1s"
	defaultMaintenanceSpec = "@every 15m"
	defaultMaxAttempts     = 0
)

// AppConfig captures runtime configuration for the sync agent.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	LogFormat       string
	APIBaseURL      string
	APITimeout      time.Duration
	CacheQuotaBytes int64
	ShellURLs       []string
	OptionalURLs    []string
	SettleDelay     time.Duration
	StartupDelay    time.Duration
	MaintenanceSpec string
	MaxAttempts     int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("api.base_url", defaultAPIBaseURL)
	configViper.SetDefault("api.timeout", defaultAPITimeout)
	configViper.SetDefault("cache.quota_bytes", defaultCacheQuota)
	configViper.SetDefault("cache.shell_urls", []string{})
	configViper.SetDefault("cache.optional_urls", []string{})
	configViper.SetDefault("sync.settle_delay", defaultSettleDelay)
	configViper.SetDefault("sync.startup_delay", defaultStartupDelay)
	configViper.SetDefault("sync.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("maintenance.schedule", defaultMaintenanceSpec)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		LogFormat:       configViper.GetString("log.format"),
		APIBaseURL:      configViper.GetString("api.base_url"),
		APITimeout:      configViper.GetDuration("api.timeout"),
		CacheQuotaBytes: configViper.GetInt64("cache.quota_bytes"),
		ShellURLs:       configViper.GetStringSlice("cache.shell_urls"),
		OptionalURLs:    configViper.GetStringSlice("cache.optional_urls"),
		SettleDelay:     configViper.GetDuration("sync.settle_delay"),
		StartupDelay:    configViper.GetDuration("sync.startup_delay"),
		MaintenanceSpec: configViper.GetString("maintenance.schedule"),
		MaxAttempts:     configViper.GetInt("sync.max_attempts"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.APITimeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if c.CacheQuotaBytes <= 0 {
		return fmt.Errorf("cache.quota_bytes must be positive")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("sync.max_attempts must not be negative")
	}
	return nil
}
