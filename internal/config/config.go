package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Triage    TriageConfig    `mapstructure:"triage"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Retention RetentionConfig `mapstructure:"retention"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString builds the PostgreSQL connection string.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
	// RateLimit is the ingestion admission limit per source channel per window.
	RateLimit       int           `mapstructure:"rate_limit"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	Disabled        bool          `mapstructure:"disabled"`
}

type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	Name           string        `mapstructure:"name"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type TriageConfig struct {
	// Enabled is the global rule-evaluation kill switch. When off, every
	// evaluation passes through with reason rules_disabled.
	Enabled bool `mapstructure:"enabled"`
}

type RegistryConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// QuarantineFactor multiplies a worker's liveness TTL to form the
	// stale-to-quarantined threshold.
	QuarantineFactor int `mapstructure:"quarantine_factor"`
}

type DispatchConfig struct {
	Workers          int           `mapstructure:"workers"`
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"`
	RecoveryGrace    time.Duration `mapstructure:"recovery_grace"`
	RecoveryBatch    int           `mapstructure:"recovery_batch"`
}

type RetentionConfig struct {
	Events              time.Duration `mapstructure:"events"`
	Heartbeats          time.Duration `mapstructure:"heartbeats"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
}

type AuthConfig struct {
	// JWTSecret signs and verifies admin bearer tokens (HS256).
	JWTSecret string `mapstructure:"jwt_secret"`
	// APIKeyHash is an optional bcrypt hash of a static admin API key.
	APIKeyHash string `mapstructure:"api_key_hash"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "switchboard")
	v.SetDefault("database.postgres.sslmode", "require")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.rate_limit", 600)
	v.SetDefault("redis.rate_limit_window", "1m")
	v.SetDefault("redis.disabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "switchboard")
	v.SetDefault("nats.request_timeout", "30s")
	v.SetDefault("triage.enabled", true)
	v.SetDefault("registry.sweep_interval", "30s")
	v.SetDefault("registry.quarantine_factor", 3)
	v.SetDefault("dispatch.workers", 8)
	v.SetDefault("dispatch.recovery_interval", "1m")
	v.SetDefault("dispatch.recovery_grace", "2m")
	v.SetDefault("dispatch.recovery_batch", 100)
	v.SetDefault("retention.events", "2160h")     // 90 days
	v.SetDefault("retention.heartbeats", "720h")  // 30 days
	v.SetDefault("retention.maintenance_interval", "1h")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/switchboard")
	}

	// Environment variables override (SWITCHBOARD_SERVER_PORT, etc.)
	v.SetEnvPrefix("SWITCHBOARD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
