package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Engagement EngagementConfig `mapstructure:"engagement"`
	Claim      ClaimConfig      `mapstructure:"claim"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress string   `mapstructure:"bind_address"`
	APIPort     int      `mapstructure:"api_port"`
	MetricsPort int      `mapstructure:"metrics_port"`
	CORSOrigins []string `mapstructure:"cors_origins"`

	RateLimit       int    `mapstructure:"rate_limit"`
	RateLimitWindow string `mapstructure:"rate_limit_window"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type      string       `mapstructure:"type"` // "redis", "sqlite" or "memory"
	CacheSize int          `mapstructure:"cache_size"`
	CacheTTL  string       `mapstructure:"cache_ttl"`
	Redis     RedisConfig  `mapstructure:"redis"`
	SQLite    SQLiteConfig `mapstructure:"sqlite"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// SQLiteConfig defines the SQLite database location
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// EngagementConfig defines watch-time tracking settings
type EngagementConfig struct {
	DefaultThresholdSeconds int64  `mapstructure:"default_threshold_seconds"`
	TickInterval            string `mapstructure:"tick_interval"`
	InactivityTimeout       string `mapstructure:"inactivity_timeout"`
}

// ClaimConfig defines where completions are reported
type ClaimConfig struct {
	URL     string `mapstructure:"url"`
	Timeout string `mapstructure:"timeout"`
	Retries int    `mapstructure:"retries"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("ENGAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns the configuration built from defaults alone
func Default() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)

	return &cfg
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.api_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.rate_limit", 600)
	v.SetDefault("server.rate_limit_window", "1m")

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.cache_size", 10000)
	v.SetDefault("storage.cache_ttl", "30s")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 5)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.sqlite.path", "/var/lib/engage/engage.db")

	// Engagement defaults
	v.SetDefault("engagement.default_threshold_seconds", 30)
	v.SetDefault("engagement.tick_interval", "1s")
	v.SetDefault("engagement.inactivity_timeout", "10m")

	// Claim defaults
	v.SetDefault("claim.url", "")
	v.SetDefault("claim.timeout", "10s")
	v.SetDefault("claim.retries", 3)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// ValidKeys returns the set of all recognised configuration keys
func ValidKeys() map[string]bool {
	return map[string]bool{
		"server.bind_address": true,
		"server.api_port":     true,
		"server.metrics_port": true,
		"server.cors_origins": true,

		"server.rate_limit":        true,
		"server.rate_limit_window": true,

		"storage.type":                 true,
		"storage.cache_size":           true,
		"storage.cache_ttl":            true,
		"storage.redis.host":           true,
		"storage.redis.port":           true,
		"storage.redis.password":       true,
		"storage.redis.db":             true,
		"storage.redis.pool_size":      true,
		"storage.redis.min_idle_conns": true,
		"storage.redis.dial_timeout":   true,
		"storage.redis.read_timeout":   true,
		"storage.redis.write_timeout":  true,
		"storage.sqlite.path":          true,

		"engagement.default_threshold_seconds": true,
		"engagement.tick_interval":             true,
		"engagement.inactivity_timeout":        true,

		"claim.url":     true,
		"claim.timeout": true,
		"claim.retries": true,

		"logging.level":  true,
		"logging.format": true,
	}
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if cfg.Server.RateLimit <= 0 {
		return fmt.Errorf("server.rate_limit must be positive, got %d", cfg.Server.RateLimit)
	}

	if cfg.Engagement.DefaultThresholdSeconds <= 0 {
		return fmt.Errorf("engagement.default_threshold_seconds must be positive, got %d", cfg.Engagement.DefaultThresholdSeconds)
	}

	for key, value := range map[string]string{
		"engagement.tick_interval":      cfg.Engagement.TickInterval,
		"engagement.inactivity_timeout": cfg.Engagement.InactivityTimeout,
		"claim.timeout":                 cfg.Claim.Timeout,
		"server.rate_limit_window":      cfg.Server.RateLimitWindow,
		"storage.cache_ttl":             cfg.Storage.CacheTTL,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, value)
		}
	}

	if cfg.Claim.Retries < 0 {
		return fmt.Errorf("claim.retries must not be negative, got %d", cfg.Claim.Retries)
	}

	switch cfg.Storage.Type {
	case "":
		cfg.Storage.Type = "redis"
	case "redis", "memory":
	case "sqlite":
		if cfg.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required")
		}
		// Ensure storage directory exists
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLite.Path), 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	return nil
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
