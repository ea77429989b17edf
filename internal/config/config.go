package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "AVATARMINUTES"

// Config holds the complete application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	Vendor  VendorConfig  `mapstructure:"vendor"`
	Billing BillingConfig `mapstructure:"billing"`
	Auth    AuthConfig    `mapstructure:"auth"`
	API     APIConfig     `mapstructure:"api"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress     string `mapstructure:"bind_address"`
	HTTPPort        int    `mapstructure:"http_port"`
	MetricsPort     int    `mapstructure:"metrics_port"`
	ReadTimeout     string `mapstructure:"read_timeout"`
	WriteTimeout    string `mapstructure:"write_timeout"`
	ShutdownTimeout string `mapstructure:"shutdown_timeout"`
}

// StorageConfig selects and configures the datastore backend
type StorageConfig struct {
	Type     string         `mapstructure:"type"` // "redis", "postgres" or "bolt"
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Bolt     BoltConfig     `mapstructure:"bolt"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"` // 0 when Host already carries the port
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// PostgresConfig defines PostgreSQL connection settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// BoltConfig defines the embedded bbolt database location
type BoltConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// VendorConfig defines the LiveAvatar API client
type VendorConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	ChatBaseURL string `mapstructure:"chat_base_url"`
	APIKey      string `mapstructure:"api_key"`
	Language    string `mapstructure:"language"`
	Timeout     string `mapstructure:"timeout"`
	StopTimeout string `mapstructure:"stop_timeout"`
}

// BillingConfig defines pricing and sweep behavior
type BillingConfig struct {
	DefaultPricePerMinute float64 `mapstructure:"default_price_per_minute"`
	GracePeriod           string  `mapstructure:"grace_period"`
	SweepInterval         string  `mapstructure:"sweep_interval"`
	SweepEnabled          bool    `mapstructure:"sweep_enabled"`
	SettingsCacheTTL      string  `mapstructure:"settings_cache_ttl"`
}

// AuthConfig defines bearer token verification
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Audience  string `mapstructure:"audience"`
	TokenTTL  string `mapstructure:"token_ttl"`
}

// APIConfig defines HTTP API behavior
type APIConfig struct {
	RateLimit         int      `mapstructure:"rate_limit"`
	RateLimitWindow   string   `mapstructure:"rate_limit_window"`
	AllowedOrigins    []string `mapstructure:"allowed_origins"`
	LegacyPassthrough bool     `mapstructure:"legacy_passthrough"`
	WebhookSecret     string   `mapstructure:"webhook_secret"`
	CronSecret        string   `mapstructure:"cron_secret"`
}

// TracingConfig defines OpenTelemetry export
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	ServiceName string  `mapstructure:"service_name"`
}

// Load loads configuration from file and environment variables.
// A .env file in the working directory is loaded first when present.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			if !isNotFound(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
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

// isNotFound reports whether err means the config file is absent.
// viper returns an *fs.PathError rather than ConfigFileNotFoundError
// when SetConfigFile points at a missing path.
func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return os.IsNotExist(err)
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "avatarminutes")
	v.SetDefault("storage.postgres.url", "")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.bolt.path", "/var/lib/avatarminutes/avatarminutes.bolt")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Vendor defaults
	v.SetDefault("vendor.base_url", "https://api.liveavatar.com")
	v.SetDefault("vendor.chat_base_url", "https://api.us.platform.liveavatar.tech")
	v.SetDefault("vendor.api_key", "")
	v.SetDefault("vendor.language", "en")
	v.SetDefault("vendor.timeout", "15s")
	v.SetDefault("vendor.stop_timeout", "5s")

	// Billing defaults
	v.SetDefault("billing.default_price_per_minute", 1.5)
	v.SetDefault("billing.grace_period", "5m")
	v.SetDefault("billing.sweep_interval", "1m")
	v.SetDefault("billing.sweep_enabled", true)
	v.SetDefault("billing.settings_cache_ttl", "5m")

	// Auth defaults
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.audience", "authenticated")
	v.SetDefault("auth.token_ttl", "1h")

	// API defaults
	v.SetDefault("api.rate_limit", 100)
	v.SetDefault("api.rate_limit_window", "1m")
	v.SetDefault("api.allowed_origins", []string{"*"})
	v.SetDefault("api.legacy_passthrough", false)
	v.SetDefault("api.webhook_secret", "")
	v.SetDefault("api.cron_secret", "")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.service_name", "avatarminutes")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	switch cfg.Storage.Type {
	case "":
		cfg.Storage.Type = "redis"
	case "redis", "bolt":
	case "postgres":
		if cfg.Storage.Postgres.URL == "" {
			return fmt.Errorf("storage.postgres.url is required for postgres storage")
		}
	default:
		return fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}

	if cfg.Storage.Type == "bolt" && cfg.Storage.Bolt.Path == "" {
		return fmt.Errorf("storage.bolt.path is required for bolt storage")
	}

	if cfg.Billing.DefaultPricePerMinute <= 0 {
		return fmt.Errorf("billing.default_price_per_minute must be positive")
	}

	for name, value := range map[string]string{
		"billing.grace_period":   cfg.Billing.GracePeriod,
		"billing.sweep_interval": cfg.Billing.SweepInterval,
		"vendor.timeout":         cfg.Vendor.Timeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	return nil
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
