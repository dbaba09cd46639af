package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/alanyoungcy/riskpilot/internal/blob/s3"
	"github.com/alanyoungcy/riskpilot/internal/cache/local"
	"github.com/alanyoungcy/riskpilot/internal/cache/redis"
	"github.com/alanyoungcy/riskpilot/internal/config"
	"github.com/alanyoungcy/riskpilot/internal/crypto"
	"github.com/alanyoungcy/riskpilot/internal/domain"
	"github.com/alanyoungcy/riskpilot/internal/metrics"
	"github.com/alanyoungcy/riskpilot/internal/notify"
	"github.com/alanyoungcy/riskpilot/internal/platform/alpaca"
	"github.com/alanyoungcy/riskpilot/internal/platform/paper"
	"github.com/alanyoungcy/riskpilot/internal/server/handler"
	"github.com/alanyoungcy/riskpilot/internal/service"
	"github.com/alanyoungcy/riskpilot/internal/store/memory"
	"github.com/alanyoungcy/riskpilot/internal/store/postgres"
	"github.com/alanyoungcy/riskpilot/internal/store/sqlite"
)

// Dependencies bundles everything the modes need. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Positions domain.PositionStore
	Closed    domain.ClosedLister
	Audit     domain.AuditStore

	// Coordination: redis when enabled, process-local otherwise.
	Locks      domain.LockManager
	Bus        domain.SignalBus
	PriceCache domain.PriceCache
	// APILimiter backs the HTTP rate limit middleware; nil without redis.
	APILimiter domain.RateLimiter

	// Brokerage
	Market  domain.MarketDataProvider
	Gateway domain.OrderGateway

	// Archive; nil unless s3 is enabled.
	Archiver *s3blob.Archiver

	Notifier *notify.Notifier
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Service  *service.PositionService

	// Health checks keyed by dependency name.
	Health map[string]handler.HealthCheck
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

	deps := &Dependencies{Health: make(map[string]handler.HealthCheck)}

	// --- Position store ---
	switch cfg.Store.Driver {
	case "postgres":
		pg := cfg.Store.Postgres
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      pg.DSN,
			Host:     pg.Host,
			Port:     pg.Port,
			Database: pg.Database,
			User:     pg.User,
			Password: pg.Password,
			SSLMode:  pg.SSLMode,
			MaxConns: pg.PoolMaxConns,
			MinConns: pg.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)
		if pg.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		store := postgres.NewPositionStore(pgClient.Pool())
		deps.Positions, deps.Closed = store, store
		deps.Audit = postgres.NewAuditStore(pgClient.Pool())
		deps.Health["postgres"] = pgClient.Ping

	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return fail(fmt.Errorf("wire: sqlite: %w", err))
		}
		closers = append(closers, func() { _ = store.Close() })
		deps.Positions, deps.Closed = store, store
		deps.Audit = store.Audit()
		deps.Health["sqlite"] = store.Ping

	default:
		logger.WarnContext(ctx, "wire: using in-memory store; positions are lost on exit")
		store := memory.NewPositionStore()
		deps.Positions, deps.Closed = store, store
		deps.Audit = memory.NewAuditStore()
	}

	// --- Redis or process-local coordination ---
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		c, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = c.Close() })
		redisClient = c

		deps.Locks = redis.NewLockManager(c)
		deps.Bus = redis.NewSignalBus(c, cfg.Redis.StreamMaxLen)
		deps.PriceCache = redis.NewPriceCache(c, cfg.Redis.PriceTTL.Duration)
		deps.APILimiter = redis.NewRateLimiter(c, max(1, cfg.Server.RateLimit), time.Minute)
		deps.Health["redis"] = c.Ping
	} else {
		deps.Locks = local.NewKeyedLocker()
		deps.Bus = local.NewBus()
		deps.PriceCache = local.NewPriceCache()
	}

	// --- Brokerage ---
	switch cfg.Broker.Provider {
	case "alpaca":
		secret, err := crypto.LoadSecret(crypto.SecretSource{
			Raw:      cfg.Broker.SecretKey,
			File:     cfg.Broker.SecretFile,
			Password: cfg.Broker.SecretPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: broker secret: %w", err))
		}
		client := alpaca.NewClient(alpaca.Config{
			TradingURL: cfg.Broker.TradingURL,
			DataURL:    cfg.Broker.DataURL,
			KeyID:      cfg.Broker.KeyID,
			SecretKey:  secret,
			Timeout:    cfg.Broker.Timeout.Duration,
		})
		if cfg.Broker.RateLimit > 0 && redisClient != nil {
			client.WithRateLimiter(redis.NewRateLimiter(redisClient, cfg.Broker.RateLimit, cfg.Broker.RateWindow.Duration))
		}
		deps.Market = alpaca.NewMarketData(client, cfg.Broker.DataFeed)
		deps.Gateway = alpaca.NewTrading(client, cfg.Broker.FillWait.Duration, logger)

	default:
		market := alpaca.NewMarketData(alpaca.NewClient(alpaca.Config{
			DataURL:   cfg.Broker.DataURL,
			KeyID:     cfg.Broker.KeyID,
			SecretKey: cfg.Broker.SecretKey,
			Timeout:   cfg.Broker.Timeout.Duration,
		}), cfg.Broker.DataFeed)
		deps.Market = market
		deps.Gateway = paper.NewGateway(market, logger).WithSlippage(cfg.Broker.PaperSlippageBps)
	}
	if maxAge := cfg.Monitor.PriceMaxAge.Duration; maxAge > 0 {
		deps.Market = redis.NewCachedProvider(deps.Market, deps.PriceCache, maxAge, logger)
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
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
			deps.Closed,
			deps.Audit,
			logger,
		)
		deps.Health["s3"] = s3Client.Health
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

	// --- Metrics ---
	if cfg.Metrics.Enabled {
		deps.Registry = prometheus.NewRegistry()
		deps.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		deps.Metrics = metrics.New(deps.Registry)
	}

	// --- Service ---
	deps.Service = service.NewPositionService(
		deps.Positions, deps.Market, deps.Gateway, deps.Locks, deps.Bus, deps.Audit,
		MonitorConfig(cfg), logger,
	).WithNotifier(deps.Notifier).WithMetrics(deps.Metrics)

	return deps, cleanup, nil
}

// MonitorConfig maps the monitor and limits sections onto the service
// configuration.
func MonitorConfig(cfg *config.Config) service.MonitorConfig {
	m := cfg.Monitor
	return service.MonitorConfig{
		MaxStopLossPct:     cfg.Limits.MaxStopLossPct,
		MaxTakeProfitPct:   cfg.Limits.MaxTakeProfitPct,
		Concurrency:        m.Concurrency,
		LockTTL:            m.LockTTL.Duration,
		LockWait:           m.LockWait.Duration,
		ProviderTimeout:    m.ProviderTimeout.Duration,
		GatewayTimeout:     m.GatewayTimeout.Duration,
		EvaluateTimeout:    m.EvaluateTimeout.Duration,
		CloseRetries:       m.CloseRetries,
		CloseRetryInterval: m.CloseRetryInterval.Duration,
	}
}
