package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const envPrefix = "RISKPILOT_"

// Load merges the TOML file at path over Defaults and applies RISKPILOT_*
// environment overrides, reading .env first when present. An empty path
// skips the file. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides lets operators inject secrets and per-host settings at
// deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// Broker
	setStr(&cfg.Broker.Provider, "BROKER_PROVIDER")
	setStr(&cfg.Broker.TradingURL, "BROKER_TRADING_URL")
	setStr(&cfg.Broker.DataURL, "BROKER_DATA_URL")
	setStr(&cfg.Broker.DataFeed, "BROKER_DATA_FEED")
	setStr(&cfg.Broker.KeyID, "BROKER_KEY_ID")
	setStr(&cfg.Broker.SecretKey, "BROKER_SECRET_KEY")
	setStr(&cfg.Broker.SecretFile, "BROKER_SECRET_FILE")
	setStr(&cfg.Broker.SecretPassword, "BROKER_SECRET_PASSWORD")
	setDuration(&cfg.Broker.Timeout, "BROKER_TIMEOUT")
	setDuration(&cfg.Broker.FillWait, "BROKER_FILL_WAIT")
	setInt(&cfg.Broker.RateLimit, "BROKER_RATE_LIMIT")
	setDuration(&cfg.Broker.RateWindow, "BROKER_RATE_WINDOW")
	setFloat64(&cfg.Broker.PaperSlippageBps, "BROKER_PAPER_SLIPPAGE_BPS")

	// Store
	setStr(&cfg.Store.Driver, "STORE_DRIVER")
	setStr(&cfg.Store.SQLitePath, "STORE_SQLITE_PATH")
	setStr(&cfg.Store.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Store.Postgres.DSN, "STORE_POSTGRES_DSN")
	setStr(&cfg.Store.Postgres.Host, "STORE_POSTGRES_HOST")
	setInt(&cfg.Store.Postgres.Port, "STORE_POSTGRES_PORT")
	setStr(&cfg.Store.Postgres.Database, "STORE_POSTGRES_DATABASE")
	setStr(&cfg.Store.Postgres.User, "STORE_POSTGRES_USER")
	setStr(&cfg.Store.Postgres.Password, "STORE_POSTGRES_PASSWORD")
	setStr(&cfg.Store.Postgres.SSLMode, "STORE_POSTGRES_SSL_MODE")
	setInt(&cfg.Store.Postgres.PoolMaxConns, "STORE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Store.Postgres.PoolMinConns, "STORE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Store.Postgres.RunMigrations, "STORE_POSTGRES_RUN_MIGRATIONS")

	// Redis
	setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.PriceTTL, "REDIS_PRICE_TTL")

	// S3
	setBool(&cfg.S3.Enabled, "S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")
	setDuration(&cfg.S3.ArchiveAt, "S3_ARCHIVE_AT")

	// Monitor
	setDuration(&cfg.Monitor.Interval, "MONITOR_INTERVAL")
	setInt(&cfg.Monitor.Concurrency, "MONITOR_CONCURRENCY")
	setDuration(&cfg.Monitor.LockTTL, "MONITOR_LOCK_TTL")
	setDuration(&cfg.Monitor.LockWait, "MONITOR_LOCK_WAIT")
	setDuration(&cfg.Monitor.ProviderTimeout, "MONITOR_PROVIDER_TIMEOUT")
	setDuration(&cfg.Monitor.GatewayTimeout, "MONITOR_GATEWAY_TIMEOUT")
	setDuration(&cfg.Monitor.EvaluateTimeout, "MONITOR_EVALUATE_TIMEOUT")
	setInt(&cfg.Monitor.CloseRetries, "MONITOR_CLOSE_RETRIES")
	setDuration(&cfg.Monitor.CloseRetryInterval, "MONITOR_CLOSE_RETRY_INTERVAL")
	setDuration(&cfg.Monitor.PriceMaxAge, "MONITOR_PRICE_MAX_AGE")

	// Limits
	setFloat64(&cfg.Limits.MaxStopLossPct, "LIMITS_MAX_STOP_LOSS_PCT")
	setFloat64(&cfg.Limits.MaxTakeProfitPct, "LIMITS_MAX_TAKE_PROFIT_PCT")

	// Server
	setBool(&cfg.Server.Enabled, "SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "SERVER_RATE_LIMIT")

	// Notify
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	// Metrics
	setBool(&cfg.Metrics.Enabled, "METRICS_ENABLED")
	setStr(&cfg.Metrics.Path, "METRICS_PATH")

	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// Each setter mutates dst only when the variable is set and parses.

func lookup(key string) (string, bool) {
	v := os.Getenv(envPrefix + key)
	return v, v != ""
}

func setStr(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v, ok := lookup(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v, ok := lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
