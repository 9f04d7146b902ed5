package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Providers []ProviderConfig `mapstructure:"providers"`
	Usage     UsageConfig     `mapstructure:"usage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	MetricsPort      int           `mapstructure:"metrics_port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type AuthConfig struct {
	KeyCacheTTL    time.Duration `mapstructure:"key_cache_ttl"`
	PolicyCacheTTL time.Duration `mapstructure:"policy_cache_ttl"`
}

type BillingConfig struct {
	IdempotencyTTL  time.Duration `mapstructure:"idempotency_ttl"`
	RefundDailyCap  int           `mapstructure:"refund_daily_cap"`
	PricingLocalTTL time.Duration `mapstructure:"pricing_local_ttl"`
	PricingRedisTTL time.Duration `mapstructure:"pricing_redis_ttl"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetWindow      time.Duration `mapstructure:"reset_window"`
}

type UpstreamConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	StreamTimeout  time.Duration `mapstructure:"stream_timeout"`
}

// ProviderConfig holds one upstream provider. API keys are read once at
// startup and never mutated afterwards.
type ProviderConfig struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

type UsageConfig struct {
	BufferSize        int           `mapstructure:"buffer_size"`
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
	WorkerConcurrency int           `mapstructure:"worker_concurrency"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	DeadLetterTTL     time.Duration `mapstructure:"dead_letter_ttl"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

var cfg *Config

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/omnigate")
	}

	setDefaults()

	viper.AutomaticEnv()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg = &config
	return cfg, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.metrics_port", 9090)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "300s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown", "30s")

	// Database defaults
	viper.SetDefault("database.max_connections", 100)
	viper.SetDefault("database.max_idle_connections", 10)
	viper.SetDefault("database.conn_max_lifetime", "1h")

	// Redis defaults
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 100)

	// Auth defaults
	viper.SetDefault("auth.key_cache_ttl", "5m")
	viper.SetDefault("auth.policy_cache_ttl", "5m")

	// Billing defaults
	viper.SetDefault("billing.idempotency_ttl", "24h")
	viper.SetDefault("billing.refund_daily_cap", 10)
	viper.SetDefault("billing.pricing_local_ttl", "5m")
	viper.SetDefault("billing.pricing_redis_ttl", "10m")

	// Circuit breaker defaults
	viper.SetDefault("breaker.failure_threshold", 50)
	viper.SetDefault("breaker.reset_window", "30s")

	// Upstream defaults
	viper.SetDefault("upstream.connect_timeout", "5s")
	viper.SetDefault("upstream.read_timeout", "120s")
	viper.SetDefault("upstream.stream_timeout", "300s")

	// Usage pipeline defaults
	viper.SetDefault("usage.buffer_size", 100)
	viper.SetDefault("usage.flush_interval", "5s")
	viper.SetDefault("usage.worker_concurrency", 5)
	viper.SetDefault("usage.max_retries", 3)
	viper.SetDefault("usage.retry_backoff", "1s")
	viper.SetDefault("usage.dead_letter_ttl", "168h")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output_path", "")

	// CORS defaults
	viper.SetDefault("cors.allow_credentials", true)
	viper.SetDefault("cors.max_age", 86400)
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.metrics_port", "METRICS_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")
	viper.BindEnv("server.idle_timeout", "SERVER_IDLE_TIMEOUT")

	// Database
	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.max_connections", "DATABASE_MAX_CONNECTIONS")
	viper.BindEnv("database.max_idle_connections", "DATABASE_MAX_IDLE_CONNECTIONS")

	// Redis
	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	// Billing
	viper.BindEnv("billing.refund_daily_cap", "REFUND_DAILY_CAP")

	// Breaker
	viper.BindEnv("breaker.failure_threshold", "BREAKER_FAILURE_THRESHOLD")
	viper.BindEnv("breaker.reset_window", "BREAKER_RESET_WINDOW")

	// Logging
	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("logging.format", "LOG_FORMAT")

	// CORS
	viper.BindEnv("cors.allowed_origins", "CORS_ALLOWED_ORIGINS")
}

func Get() *Config {
	return cfg
}
