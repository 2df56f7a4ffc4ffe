// Package config defines the top-level configuration for the p2pmatch
// exchange and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/p2pmatch/internal/archive"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by P2PMATCH_* environment variables.
type Config struct {
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Kafka      KafkaConfig      `toml:"kafka"`
	Custodian  CustodianConfig  `toml:"custodian"`
	Engine     EngineConfig     `toml:"engine"`
	Settlement SettlementConfig `toml:"settlement"`
	Server     ServerConfig     `toml:"server"`
	Archive    ArchiveConfig    `toml:"archive"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// KafkaConfig selects the brokers and topics events are mirrored to. An
// empty broker list disables the Kafka sink.
type KafkaConfig struct {
	Brokers         []string `toml:"brokers"`
	MarketTopic     string   `toml:"market_topic"`
	SettlementTopic string   `toml:"settlement_topic"`
	BatchTimeout    duration `toml:"batch_timeout"`
}

// CustodianConfig holds the escrow custodian endpoint and credentials.
type CustodianConfig struct {
	BaseURL          string   `toml:"base_url"`
	APIKey           string   `toml:"api_key"`
	APISecret        string   `toml:"api_secret"`
	PrivateKey       string   `toml:"private_key"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password"`
	ChainID          int64    `toml:"chain_id"`
	Timeout          duration `toml:"timeout"`
	CallbackMaxSkew  duration `toml:"callback_max_skew"`
	BreakerFailures  int      `toml:"breaker_failures"`
	BreakerCooldown  duration `toml:"breaker_cooldown"`
}

// minLockTTL is the shortest pair lock TTL accepted.
const minLockTTL = time.Second

// EngineConfig tunes the matching engine and its scheduler.
type EngineConfig struct {
	Pairs         []string `toml:"pairs"`
	Workers       int      `toml:"workers"`
	QueueSize     int      `toml:"queue_size"`
	SweepInterval duration `toml:"sweep_interval"`
	SnapshotDepth int      `toml:"snapshot_depth"`
	// LockTTL enables the Redis pair lock so two processes never match the
	// same pair. 0 disables it. A pass renews the lock between fills, so the
	// TTL must outlast one fill round trip to Postgres; anything below
	// minLockTTL is rejected.
	LockTTL duration `toml:"lock_ttl"`
	// SinkBuffer is the queue length of the asynchronous event sink.
	SinkBuffer int `toml:"sink_buffer"`
}

// SettlementConfig tunes trade settlement timing.
type SettlementConfig struct {
	PaymentWindow  duration `toml:"payment_window"`
	FundingTimeout duration `toml:"funding_timeout"`
	RedriveAfter   duration `toml:"redrive_after"`
	MaxAttempts    int      `toml:"max_attempts"`
	BackoffBase    duration `toml:"backoff_base"`
	BackoffMax     duration `toml:"backoff_max"`
	SweepBatch     int      `toml:"sweep_batch"`
}

// ArchiveConfig controls cold-storage archiving.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	OperatorKey string   `toml:"operator_key"`
	JWTSecret   string   `toml:"jwt_secret"`
	// TriggerRateLimit caps manual matching triggers per pair per
	// TriggerRateWindow.
	TriggerRateLimit  int      `toml:"trigger_rate_limit"`
	TriggerRateWindow duration `toml:"trigger_rate_window"`
	// OrderRateLimit caps order submissions per user per minute.
	OrderRateLimit int `toml:"order_rate_limit"`
	// PublicRateLimit caps public market reads per client per second.
	PublicRateLimit int `toml:"public_rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "p2pmatch",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  20,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "p2pmatch-archive",
			ForcePathStyle: true,
		},
		Kafka: KafkaConfig{
			MarketTopic:     "p2pmatch.market",
			SettlementTopic: "p2pmatch.settlement",
			BatchTimeout:    duration{10 * time.Millisecond},
		},
		Custodian: CustodianConfig{
			ChainID:         1,
			Timeout:         duration{10 * time.Second},
			CallbackMaxSkew: duration{5 * time.Minute},
			BreakerFailures: 5,
			BreakerCooldown: duration{30 * time.Second},
		},
		Engine: EngineConfig{
			Pairs:         []string{"USDT-NGN"},
			Workers:       4,
			QueueSize:     1024,
			SweepInterval: duration{time.Second},
			SnapshotDepth: 50,
			LockTTL:       duration{10 * time.Second},
			SinkBuffer:    4096,
		},
		Settlement: SettlementConfig{
			PaymentWindow:  duration{30 * time.Minute},
			FundingTimeout: duration{15 * time.Minute},
			RedriveAfter:   duration{2 * time.Minute},
			MaxAttempts:    5,
			BackoffBase:    duration{time.Second},
			BackoffMax:     duration{time.Minute},
			SweepBatch:     500,
		},
		Server: ServerConfig{
			Enabled:           true,
			Port:              8000,
			CORSOrigins:       []string{"http://localhost:3000", "http://localhost:5173"},
			TriggerRateLimit:  5,
			TriggerRateWindow: duration{time.Minute},
			OrderRateLimit:    60,
			PublicRateLimit:   20,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Cron:          "0 3 * * *",
		},
		Notify: NotifyConfig{
			Events: []string{"dispute_opened", "pair_halted", "custody_failure"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":       true,
	"standalone": true,
	"archive":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, standalone, archive)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	needsInfra := mode == "full" || mode == "archive"

	// Postgres
	if needsInfra {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if mode == "full" {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if mode == "archive" || (mode == "full" && c.Archive.Enabled) {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Kafka
	if len(c.Kafka.Brokers) > 0 {
		if c.Kafka.MarketTopic == "" || c.Kafka.SettlementTopic == "" {
			errs = append(errs, "kafka: market_topic and settlement_topic must be set when brokers are configured")
		}
	}

	// Custodian
	if mode != "archive" {
		if c.Custodian.BaseURL == "" {
			errs = append(errs, "custodian: base_url must not be empty")
		}
		if c.Custodian.APIKey == "" || c.Custodian.APISecret == "" {
			errs = append(errs, "custodian: api_key and api_secret must both be set")
		}
		if c.Custodian.PrivateKey == "" && c.Custodian.EncryptedKeyPath == "" {
			errs = append(errs, "custodian: either private_key or encrypted_key_path must be set")
		}
		if c.Custodian.EncryptedKeyPath != "" && c.Custodian.KeyPassword == "" {
			errs = append(errs, "custodian: key_password is required when encrypted_key_path is set")
		}
		if c.Custodian.ChainID <= 0 {
			errs = append(errs, "custodian: chain_id must be positive")
		}
		if c.Custodian.BreakerFailures < 1 {
			errs = append(errs, "custodian: breaker_failures must be >= 1")
		}
	}

	// Engine
	if c.Engine.Workers < 1 {
		errs = append(errs, "engine: workers must be >= 1")
	}
	if c.Engine.QueueSize < 1 {
		errs = append(errs, "engine: queue_size must be >= 1")
	}
	if c.Engine.SweepInterval.Duration <= 0 {
		errs = append(errs, "engine: sweep_interval must be > 0")
	}
	if c.Engine.SnapshotDepth < 0 {
		errs = append(errs, "engine: snapshot_depth must be >= 0")
	}
	if c.Engine.SinkBuffer < 1 {
		errs = append(errs, "engine: sink_buffer must be >= 1")
	}
	if ttl := c.Engine.LockTTL.Duration; ttl < 0 || (ttl > 0 && ttl < minLockTTL) {
		errs = append(errs, fmt.Sprintf("engine: lock_ttl must be 0 (disabled) or >= %s, got %s", minLockTTL, ttl))
	}
	for _, p := range c.Engine.Pairs {
		base, quote, ok := strings.Cut(p, "-")
		if !ok || base == "" || quote == "" {
			errs = append(errs, fmt.Sprintf("engine: pair %q must look like BASE-QUOTE", p))
		}
	}

	// Settlement
	if c.Settlement.PaymentWindow.Duration <= 0 {
		errs = append(errs, "settlement: payment_window must be > 0")
	}
	if c.Settlement.FundingTimeout.Duration <= 0 {
		errs = append(errs, "settlement: funding_timeout must be > 0")
	}
	if c.Settlement.MaxAttempts < 1 {
		errs = append(errs, "settlement: max_attempts must be >= 1")
	}
	if c.Settlement.BackoffBase.Duration <= 0 || c.Settlement.BackoffMax.Duration < c.Settlement.BackoffBase.Duration {
		errs = append(errs, "settlement: backoff_base must be > 0 and <= backoff_max")
	}

	// Server
	if c.Server.Enabled && mode != "archive" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if len(c.Server.JWTSecret) < 32 {
			errs = append(errs, "server: jwt_secret must be at least 32 bytes")
		}
		if mode == "full" && c.Server.OperatorKey == "" {
			errs = append(errs, "server: operator_key is required in full mode")
		}
		if c.Server.TriggerRateLimit < 1 || c.Server.TriggerRateWindow.Duration <= 0 {
			errs = append(errs, "server: trigger_rate_limit and trigger_rate_window must be positive")
		}
	}

	// Archive
	if c.Archive.Enabled || mode == "archive" {
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.Enabled {
			if err := archive.ValidateCron(c.Archive.Cron); err != nil {
				errs = append(errs, fmt.Sprintf("archive: invalid cron %q: %v", c.Archive.Cron, err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
