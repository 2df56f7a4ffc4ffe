package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies P2PMATCH_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known P2PMATCH_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "P2PMATCH_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform convention
	setStr(&cfg.Postgres.Host, "P2PMATCH_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "P2PMATCH_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "P2PMATCH_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "P2PMATCH_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "P2PMATCH_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "P2PMATCH_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "P2PMATCH_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "P2PMATCH_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "P2PMATCH_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "P2PMATCH_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "P2PMATCH_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "P2PMATCH_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "P2PMATCH_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "P2PMATCH_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "P2PMATCH_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "P2PMATCH_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "P2PMATCH_S3_REGION")
	setStr(&cfg.S3.Bucket, "P2PMATCH_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "P2PMATCH_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "P2PMATCH_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "P2PMATCH_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "P2PMATCH_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "P2PMATCH_S3_FORCE_PATH_STYLE")

	// ── Kafka ──
	setStringSlice(&cfg.Kafka.Brokers, "P2PMATCH_KAFKA_BROKERS")
	setStr(&cfg.Kafka.MarketTopic, "P2PMATCH_KAFKA_MARKET_TOPIC")
	setStr(&cfg.Kafka.SettlementTopic, "P2PMATCH_KAFKA_SETTLEMENT_TOPIC")
	setDuration(&cfg.Kafka.BatchTimeout, "P2PMATCH_KAFKA_BATCH_TIMEOUT")

	// ── Custodian ──
	setStr(&cfg.Custodian.BaseURL, "P2PMATCH_CUSTODIAN_BASE_URL")
	setStr(&cfg.Custodian.APIKey, "P2PMATCH_CUSTODIAN_API_KEY")
	setStr(&cfg.Custodian.APISecret, "P2PMATCH_CUSTODIAN_API_SECRET")
	setStr(&cfg.Custodian.PrivateKey, "P2PMATCH_CUSTODIAN_PRIVATE_KEY")
	setStr(&cfg.Custodian.EncryptedKeyPath, "P2PMATCH_CUSTODIAN_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Custodian.KeyPassword, "P2PMATCH_CUSTODIAN_KEY_PASSWORD")
	setInt64(&cfg.Custodian.ChainID, "P2PMATCH_CUSTODIAN_CHAIN_ID")
	setDuration(&cfg.Custodian.Timeout, "P2PMATCH_CUSTODIAN_TIMEOUT")
	setDuration(&cfg.Custodian.CallbackMaxSkew, "P2PMATCH_CUSTODIAN_CALLBACK_MAX_SKEW")
	setInt(&cfg.Custodian.BreakerFailures, "P2PMATCH_CUSTODIAN_BREAKER_FAILURES")
	setDuration(&cfg.Custodian.BreakerCooldown, "P2PMATCH_CUSTODIAN_BREAKER_COOLDOWN")

	// ── Engine ──
	setStringSlice(&cfg.Engine.Pairs, "P2PMATCH_ENGINE_PAIRS")
	setInt(&cfg.Engine.Workers, "P2PMATCH_ENGINE_WORKERS")
	setInt(&cfg.Engine.QueueSize, "P2PMATCH_ENGINE_QUEUE_SIZE")
	setDuration(&cfg.Engine.SweepInterval, "P2PMATCH_ENGINE_SWEEP_INTERVAL")
	setInt(&cfg.Engine.SnapshotDepth, "P2PMATCH_ENGINE_SNAPSHOT_DEPTH")
	setDuration(&cfg.Engine.LockTTL, "P2PMATCH_ENGINE_LOCK_TTL")
	setInt(&cfg.Engine.SinkBuffer, "P2PMATCH_ENGINE_SINK_BUFFER")

	// ── Settlement ──
	setDuration(&cfg.Settlement.PaymentWindow, "P2PMATCH_SETTLEMENT_PAYMENT_WINDOW")
	setDuration(&cfg.Settlement.FundingTimeout, "P2PMATCH_SETTLEMENT_FUNDING_TIMEOUT")
	setDuration(&cfg.Settlement.RedriveAfter, "P2PMATCH_SETTLEMENT_REDRIVE_AFTER")
	setInt(&cfg.Settlement.MaxAttempts, "P2PMATCH_SETTLEMENT_MAX_ATTEMPTS")
	setDuration(&cfg.Settlement.BackoffBase, "P2PMATCH_SETTLEMENT_BACKOFF_BASE")
	setDuration(&cfg.Settlement.BackoffMax, "P2PMATCH_SETTLEMENT_BACKOFF_MAX")
	setInt(&cfg.Settlement.SweepBatch, "P2PMATCH_SETTLEMENT_SWEEP_BATCH")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "P2PMATCH_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "P2PMATCH_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "P2PMATCH_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.OperatorKey, "P2PMATCH_SERVER_OPERATOR_KEY")
	setStr(&cfg.Server.JWTSecret, "P2PMATCH_SERVER_JWT_SECRET")
	setInt(&cfg.Server.TriggerRateLimit, "P2PMATCH_SERVER_TRIGGER_RATE_LIMIT")
	setDuration(&cfg.Server.TriggerRateWindow, "P2PMATCH_SERVER_TRIGGER_RATE_WINDOW")
	setInt(&cfg.Server.OrderRateLimit, "P2PMATCH_SERVER_ORDER_RATE_LIMIT")
	setInt(&cfg.Server.PublicRateLimit, "P2PMATCH_SERVER_PUBLIC_RATE_LIMIT")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "P2PMATCH_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "P2PMATCH_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "P2PMATCH_ARCHIVE_CRON")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "P2PMATCH_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "P2PMATCH_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "P2PMATCH_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "P2PMATCH_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "P2PMATCH_MODE")
	setStr(&cfg.LogLevel, "P2PMATCH_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
