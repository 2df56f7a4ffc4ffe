package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/p2pmatch/internal/blob/s3"
	"github.com/alanyoungcy/p2pmatch/internal/cache/memory"
	"github.com/alanyoungcy/p2pmatch/internal/cache/redis"
	"github.com/alanyoungcy/p2pmatch/internal/config"
	"github.com/alanyoungcy/p2pmatch/internal/crypto"
	"github.com/alanyoungcy/p2pmatch/internal/domain"
	"github.com/alanyoungcy/p2pmatch/internal/notify"
	"github.com/alanyoungcy/p2pmatch/internal/platform/custodian"
	"github.com/alanyoungcy/p2pmatch/internal/server/handler"
	"github.com/alanyoungcy/p2pmatch/internal/sink"
	memstore "github.com/alanyoungcy/p2pmatch/internal/store/memory"
	"github.com/alanyoungcy/p2pmatch/internal/store/postgres"
	"github.com/alanyoungcy/p2pmatch/internal/stream/kafka"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	Orders   domain.OrderStore
	Trades   domain.TradeStore
	Escrows  domain.EscrowStore
	Disputes domain.DisputeStore
	Audit    domain.AuditStore
	Recorder domain.MatchRecorder

	// Caches. Locks and BookCache are nil without Redis.
	BookCache   domain.BookCache
	RateLimiter domain.RateLimiter
	Locks       domain.LockManager
	SignalBus   domain.SignalBus

	// Archiver is nil unless object storage is configured.
	Archiver domain.Archiver

	// Custody. Nil in archive mode.
	Custodian domain.Custodian
	Callbacks *custodian.CallbackParser

	// Transports are the event sinks the engine and settlement publish to.
	Transports []domain.EventSink

	Notifier *notify.Notifier

	HealthChecks []handler.HealthCheck
}

// archiveStores is the store surface the S3 archiver reads from.
type archiveStores struct {
	trades   s3blob.TradeArchiveStore
	orders   s3blob.OrderArchiveStore
	disputes s3blob.DisputeArchiveStore
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{}
	var archive archiveStores

	switch cfg.Mode {
	case "standalone":
		db := memstore.New()
		deps.Orders = db.Orders()
		deps.Trades = db.Trades()
		deps.Escrows = db.Escrows()
		deps.Disputes = db.Disputes()
		deps.Audit = db.Audit()
		deps.Recorder = db.Recorder()
		archive = archiveStores{db.Trades(), db.Orders(), db.Disputes()}

		deps.RateLimiter = memory.NewRateLimiter()
		deps.SignalBus = memory.NewSignalBus()
		logger.Warn("wire: standalone mode keeps all state in memory")

	default:
		// --- PostgreSQL ---
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		stores := pgClient.Stores()
		deps.Orders = stores.Orders
		deps.Trades = stores.Trades
		deps.Escrows = stores.Escrows
		deps.Disputes = stores.Disputes
		deps.Audit = stores.Audit
		deps.Recorder = stores.Recorder
		archive = archiveStores{stores.Trades, stores.Orders, stores.Disputes}
		deps.HealthChecks = append(deps.HealthChecks, handler.HealthCheck{Name: "postgres", Check: pgClient.Ping})
	}

	// --- Redis ---
	if cfg.Mode == "full" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.BookCache = redis.NewBookCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.HealthChecks = append(deps.HealthChecks, handler.HealthCheck{Name: "redis", Check: redisClient.Ping})
	}

	// --- S3 blob storage ---
	if cfg.Mode == "archive" || cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			archive.trades,
			archive.orders,
			archive.disputes,
			deps.Audit,
		)
		deps.HealthChecks = append(deps.HealthChecks, handler.HealthCheck{Name: "s3", Check: s3Client.Health})
	}

	if cfg.Mode == "archive" {
		return deps, cleanup, nil
	}

	// --- Custodian ---
	signer, err := crypto.LoadSigner(crypto.KeyConfig{
		RawPrivateKey:    cfg.Custodian.PrivateKey,
		EncryptedKeyPath: cfg.Custodian.EncryptedKeyPath,
		KeyPassword:      cfg.Custodian.KeyPassword,
	}, cfg.Custodian.ChainID)
	if err != nil {
		return fail(fmt.Errorf("wire: custody signer: %w", err))
	}
	auth := &crypto.HMACAuth{Key: cfg.Custodian.APIKey, Secret: cfg.Custodian.APISecret}
	client := custodian.NewClient(custodian.Config{
		BaseURL: cfg.Custodian.BaseURL,
		Timeout: cfg.Custodian.Timeout.Duration,
		ChainID: cfg.Custodian.ChainID,
		Breaker: custodian.BreakerConfig{
			FailureThreshold: cfg.Custodian.BreakerFailures,
			SuccessThreshold: 2,
			Timeout:          cfg.Custodian.BreakerCooldown.Duration,
		},
	}, signer, auth, logger)
	deps.Custodian = client
	deps.Callbacks = custodian.NewCallbackParser(auth, cfg.Custodian.CallbackMaxSkew.Duration)
	deps.HealthChecks = append(deps.HealthChecks, handler.HealthCheck{
		Name: "custodian",
		Check: func(context.Context) error {
			if st := client.Breaker().State(); st == custodian.StateOpen {
				return errors.New("circuit " + st.String())
			}
			return nil
		},
	})
	logger.Info("wire: custodian configured",
		slog.String("base_url", cfg.Custodian.BaseURL),
		slog.String("signer", signer.Address().Hex()),
	)

	// --- Event transports ---
	deps.Transports = append(deps.Transports, sink.NewBus(deps.SignalBus))
	if len(cfg.Kafka.Brokers) > 0 {
		producer := kafka.NewProducer(kafka.Config{
			Brokers:         cfg.Kafka.Brokers,
			MarketTopic:     cfg.Kafka.MarketTopic,
			SettlementTopic: cfg.Kafka.SettlementTopic,
			BatchTimeout:    cfg.Kafka.BatchTimeout.Duration,
		})
		closers = append(closers, func() { _ = producer.Close() })
		deps.Transports = append(deps.Transports, producer)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	if len(senders) > 0 {
		deps.Transports = append(deps.Transports, notify.NewEventSink(deps.Notifier))
	}

	return deps, cleanup, nil
}
