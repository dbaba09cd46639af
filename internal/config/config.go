// Package config defines the riskpilot configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields are populated from a TOML file
// and then overridden by RISKPILOT_* environment variables.
type Config struct {
	Broker   BrokerConfig  `toml:"broker"`
	Store    StoreConfig   `toml:"store"`
	Redis    RedisConfig   `toml:"redis"`
	S3       S3Config      `toml:"s3"`
	Monitor  MonitorConfig `toml:"monitor"`
	Limits   LimitsConfig  `toml:"limits"`
	Server   ServerConfig  `toml:"server"`
	Notify   NotifyConfig  `toml:"notify"`
	Metrics  MetricsConfig `toml:"metrics"`
	Mode     string        `toml:"mode"`
	LogLevel string        `toml:"log_level"`
}

// BrokerConfig selects and configures the brokerage.
type BrokerConfig struct {
	// Provider is "alpaca" or "paper".
	Provider   string `toml:"provider"`
	TradingURL string `toml:"trading_url"`
	DataURL    string `toml:"data_url"`
	DataFeed   string `toml:"data_feed"`
	KeyID      string `toml:"key_id"`
	SecretKey  string `toml:"secret_key"`
	// SecretFile holds SecretKey encrypted with `riskpilot -encrypt-secret`.
	SecretFile     string   `toml:"secret_file"`
	SecretPassword string   `toml:"secret_password"`
	Timeout        Duration `toml:"timeout"`
	FillWait       Duration `toml:"fill_wait"`
	// RateLimit caps brokerage requests per RateWindow across processes.
	// It needs redis; 0 disables it.
	RateLimit        int      `toml:"rate_limit"`
	RateWindow       Duration `toml:"rate_window"`
	PaperSlippageBps float64  `toml:"paper_slippage_bps"`
}

// StoreConfig selects the position store.
type StoreConfig struct {
	// Driver is "postgres", "sqlite" or "memory".
	Driver     string         `toml:"driver"`
	Postgres   PostgresConfig `toml:"postgres"`
	SQLitePath string         `toml:"sqlite_path"`
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

// RedisConfig holds Redis connection parameters. When disabled, locks,
// events and the price cache are process-local.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	KeyPrefix    string   `toml:"key_prefix"`
	PriceTTL     Duration `toml:"price_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// S3Config holds archive storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	// ArchiveAt is the time after UTC midnight at which monitor mode
	// archives the previous day. 0 disables the daily run.
	ArchiveAt Duration `toml:"archive_at"`
}

// MonitorConfig tunes the monitoring loop.
type MonitorConfig struct {
	Interval           Duration `toml:"interval"`
	Concurrency        int      `toml:"concurrency"`
	LockTTL            Duration `toml:"lock_ttl"`
	LockWait           Duration `toml:"lock_wait"`
	ProviderTimeout    Duration `toml:"provider_timeout"`
	GatewayTimeout     Duration `toml:"gateway_timeout"`
	EvaluateTimeout    Duration `toml:"evaluate_timeout"`
	CloseRetries       int      `toml:"close_retries"`
	CloseRetryInterval Duration `toml:"close_retry_interval"`
	// PriceMaxAge lets several evaluations of one symbol share a cached
	// price. 0 always asks the provider.
	PriceMaxAge Duration `toml:"price_max_age"`
}

// CloseBudget is the longest one close may spend at the broker: every
// attempt running to gateway_timeout plus the backoff between attempts.
// The backoff grows by 1.5x per retry and is capped at 5s per wait.
func (m MonitorConfig) CloseBudget() time.Duration {
	interval := m.CloseRetryInterval.Duration
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	var wait time.Duration
	next := float64(interval)
	for i := 0; i < m.CloseRetries; i++ {
		wait += min(time.Duration(next), 5*time.Second)
		next *= 1.5
	}
	return time.Duration(m.CloseRetries+1)*m.GatewayTimeout.Duration + wait
}

// LimitsConfig bounds the rules a position may be created with.
type LimitsConfig struct {
	MaxStopLossPct   float64 `toml:"max_stop_loss_pct"`
	MaxTakeProfitPct float64 `toml:"max_take_profit_pct"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit is requests per minute per client IP; 0 disables it.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Duration decodes TOML strings such as "5s" or "250ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config with the values of config.example.toml.
func Defaults() Config {
	return Config{
		Broker: BrokerConfig{
			Provider:   "paper",
			TradingURL: "https://paper-api.alpaca.markets",
			DataURL:    "https://data.alpaca.markets",
			DataFeed:   "iex",
			Timeout:    Duration{15 * time.Second},
			FillWait:   Duration{10 * time.Second},
			RateWindow: Duration{time.Minute},
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Postgres: PostgresConfig{
				Host:          "localhost",
				Port:          5432,
				Database:      "riskpilot",
				User:          "postgres",
				SSLMode:       "disable",
				PoolMaxConns:  10,
				PoolMinConns:  2,
				RunMigrations: true,
			},
			SQLitePath: "riskpilot.db",
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "riskpilot",
			PriceTTL:     Duration{time.Minute},
			StreamMaxLen: 10_000,
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "riskpilot-archive",
			ForcePathStyle: true,
			ArchiveAt:      Duration{15 * time.Minute},
		},
		Monitor: MonitorConfig{
			Interval:           Duration{10 * time.Second},
			Concurrency:        8,
			LockTTL:            Duration{30 * time.Second},
			LockWait:           Duration{5 * time.Second},
			ProviderTimeout:    Duration{5 * time.Second},
			GatewayTimeout:     Duration{10 * time.Second},
			EvaluateTimeout:    Duration{90 * time.Second},
			CloseRetries:       2,
			CloseRetryInterval: Duration{500 * time.Millisecond},
			PriceMaxAge:        Duration{2 * time.Second},
		},
		Limits: LimitsConfig{
			MaxStopLossPct:   50,
			MaxTakeProfitPct: 500,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Notify: NotifyConfig{
			Events: []string{"position_closed", "position_close_failed", "cycle_errors"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Mode:     "monitor",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"monitor": true,
	"server":  true,
	"once":    true,
	"archive": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate returns one error listing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, server, once, archive)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	switch c.Broker.Provider {
	case "paper":
	case "alpaca":
		if c.Broker.KeyID == "" {
			errs = append(errs, "broker: key_id is required for alpaca")
		}
		if c.Broker.SecretKey == "" && c.Broker.SecretFile == "" {
			errs = append(errs, "broker: secret_key or secret_file is required for alpaca")
		}
		if c.Broker.SecretFile != "" && c.Broker.SecretPassword == "" {
			errs = append(errs, "broker: secret_password is required when secret_file is set")
		}
	default:
		errs = append(errs, fmt.Sprintf("broker: unknown provider %q (valid: alpaca, paper)", c.Broker.Provider))
	}
	if c.Broker.RateLimit < 0 {
		errs = append(errs, "broker: rate_limit must be >= 0")
	}
	if c.Broker.RateLimit > 0 && !c.Redis.Enabled {
		errs = append(errs, "broker: rate_limit requires redis.enabled")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store: sqlite_path must not be empty")
		}
	case "postgres":
		pg := c.Store.Postgres
		if strings.TrimSpace(pg.DSN) == "" {
			if pg.Host == "" {
				errs = append(errs, "store.postgres: host must not be empty (or set dsn)")
			}
			if pg.Port <= 0 || pg.Port > 65535 {
				errs = append(errs, fmt.Sprintf("store.postgres: port must be 1-65535, got %d", pg.Port))
			}
			if pg.Database == "" {
				errs = append(errs, "store.postgres: database must not be empty")
			}
		}
		if pg.PoolMaxConns < 1 {
			errs = append(errs, "store.postgres: pool_max_conns must be >= 1")
		}
		if pg.PoolMinConns > pg.PoolMaxConns {
			errs = append(errs, "store.postgres: pool_min_conns must not exceed pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: postgres, sqlite, memory)", c.Store.Driver))
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if mode == "archive" {
		if !c.S3.Enabled {
			errs = append(errs, "s3: must be enabled for archive mode")
		}
		if c.Store.Driver == "memory" {
			errs = append(errs, "store: archive mode needs a persistent driver")
		}
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}
	if at := c.S3.ArchiveAt.Duration; at < 0 || at >= 24*time.Hour {
		errs = append(errs, "s3: archive_at must be within one day")
	}

	m := c.Monitor
	if m.Interval.Duration <= 0 {
		errs = append(errs, "monitor: interval must be > 0")
	}
	if m.Concurrency < 1 {
		errs = append(errs, "monitor: concurrency must be >= 1")
	}
	if m.CloseRetries < 0 {
		errs = append(errs, "monitor: close_retries must be >= 0")
	}
	if m.GatewayTimeout.Duration <= 0 {
		errs = append(errs, "monitor: gateway_timeout must be > 0")
	}
	if m.LockTTL.Duration > 0 && m.GatewayTimeout.Duration >= m.LockTTL.Duration {
		errs = append(errs, "monitor: gateway_timeout must be shorter than lock_ttl")
	}
	if m.EvaluateTimeout.Duration > 0 && m.CloseRetries >= 0 {
		if need := m.ProviderTimeout.Duration + m.CloseBudget(); m.EvaluateTimeout.Duration <= need {
			errs = append(errs, fmt.Sprintf("monitor: evaluate_timeout %s must exceed provider_timeout plus the close budget (%s)",
				m.EvaluateTimeout.Duration, need))
		}
	}

	if c.Limits.MaxStopLossPct <= 0 || c.Limits.MaxStopLossPct >= 100 {
		errs = append(errs, fmt.Sprintf("limits: max_stop_loss_pct must be in (0, 100), got %g", c.Limits.MaxStopLossPct))
	}
	if c.Limits.MaxTakeProfitPct <= 0 {
		errs = append(errs, "limits: max_take_profit_pct must be > 0")
	}

	if c.Server.Enabled || mode == "server" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
