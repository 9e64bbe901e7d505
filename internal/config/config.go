// Package config defines the exchange configuration and its validation.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cexcore/internal/domain"
	"github.com/alanyoungcy/cexcore/internal/lane"
	"github.com/alanyoungcy/cexcore/internal/matching"
)

// Config is the root configuration. Fields are populated from a TOML file and
// then optionally overridden by CEX_* environment variables.
type Config struct {
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
	Store    StoreConfig    `toml:"store"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Engine   EngineConfig   `toml:"engine"`
	Wallet   WalletConfig   `toml:"wallet"`
	Service  ServiceConfig  `toml:"service"`
	Archive  ArchiveConfig  `toml:"archive"`
	Markets  []MarketConfig `toml:"markets"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Backend string `toml:"backend"` // "postgres" or "memory"
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	MaxConnLifetime duration `toml:"max_conn_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. When disabled, the snapshot
// cache, signal bus and rate limiter run in process.
type RedisConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	DialTimeout duration `toml:"dial_timeout"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	SnapshotTTL duration `toml:"snapshot_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// EngineConfig tunes the lanes and matching.
type EngineConfig struct {
	LaneCapacity   int      `toml:"lane_capacity"`
	PublishMode    string   `toml:"publish_mode"` // "block" or "fail_fast"
	PublishTimeout duration `toml:"publish_timeout"`
	STPPolicy      string   `toml:"stp_policy"`
	SnapshotDepth  int      `toml:"snapshot_depth"`
	ImageEvery     int      `toml:"image_every"`
	ImageInterval  duration `toml:"image_interval"`
	ImageStore     string   `toml:"image_store"` // "s3", "redis" or "none"
	RecoverOnStart bool     `toml:"recover_on_start"`
	// FeeRate is charged on both sides of every trade. Empty or zero means
	// no fees.
	FeeRate string `toml:"fee_rate"`
}

// WalletConfig tunes the balance ledger.
type WalletConfig struct {
	MaxRetries  int      `toml:"max_retries"`
	LockBackend string   `toml:"lock_backend"` // "local" or "redis"
	LockTTL     duration `toml:"lock_ttl"`
}

// ServiceConfig tunes order intake.
type ServiceConfig struct {
	DedupTTL         duration `toml:"dedup_ttl"`
	SubmitRateLimit  int      `toml:"submit_rate_limit"`
	SubmitRateWindow duration `toml:"submit_rate_window"`
}

// ArchiveConfig controls moving closed history to S3.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// MarketConfig defines one tradable symbol.
type MarketConfig struct {
	Symbol  string `toml:"symbol"`
	Base    string `toml:"base"`
	Quote   string `toml:"quote"`
	Enabled bool   `toml:"enabled"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds operator alert channels.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Mode:     "engine",
		LogLevel: "info",
		Store:    StoreConfig{Backend: "postgres"},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "cexcore",
			User:            "postgres",
			SSLMode:         "disable",
			PoolMaxConns:    20,
			PoolMinConns:    2,
			MaxConnLifetime: duration{time.Hour},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Enabled:     true,
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			DialTimeout: duration{5 * time.Second},
			SnapshotTTL: duration{24 * time.Hour},
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "cexcore",
			ForcePathStyle: true,
		},
		Engine: EngineConfig{
			LaneCapacity:   4096,
			PublishMode:    lane.PublishBlock,
			PublishTimeout: duration{time.Second},
			STPPolicy:      matching.STPExpireTaker,
			SnapshotDepth:  50,
			ImageEvery:     100,
			ImageInterval:  duration{5 * time.Second},
			ImageStore:     "redis",
			RecoverOnStart: true,
		},
		Wallet: WalletConfig{
			MaxRetries:  5,
			LockBackend: "local",
			LockTTL:     duration{5 * time.Second},
		},
		Service: ServiceConfig{
			DedupTTL:         duration{10 * time.Minute},
			SubmitRateLimit:  0,
			SubmitRateWindow: duration{time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateWindow:  duration{time.Second},
		},
		Notify: NotifyConfig{
			Events:   []string{"settlement_degraded", "error"},
			Cooldown: duration{time.Minute},
		},
	}
}

var (
	validModes         = []string{"engine", "server"}
	validLogLevels     = []string{"debug", "info", "warn", "error"}
	validStoreBackends = []string{"postgres", "memory"}
	validImageStores   = []string{"s3", "redis", "none"}
	validLockBackends  = []string{"local", "redis"}
	validPublishModes  = []string{lane.PublishBlock, lane.PublishFailFast}
)

func oneOf(v string, valid []string) bool {
	return slices.Contains(valid, strings.ToLower(v))
}

// Validate checks Config for invalid or missing values and returns a combined
// error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if !oneOf(c.Mode, validModes) {
		add("unknown mode %q (valid: %s)", c.Mode, strings.Join(validModes, ", "))
	}
	if !oneOf(c.LogLevel, validLogLevels) {
		add("unknown log_level %q (valid: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if !oneOf(c.Store.Backend, validStoreBackends) {
		add("store: unknown backend %q (valid: %s)", c.Store.Backend, strings.Join(validStoreBackends, ", "))
	}
	if strings.EqualFold(c.Store.Backend, "postgres") {
		pg := c.Postgres
		if strings.TrimSpace(pg.DSN) == "" {
			if pg.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if pg.Port <= 0 || pg.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", pg.Port)
			}
			if pg.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if pg.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if pg.PoolMinConns < 0 || pg.PoolMinConns > pg.PoolMaxConns {
			add("postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled && c.S3.Bucket == "" {
		add("s3: bucket must not be empty")
	}

	e := c.Engine
	if e.LaneCapacity < 1 {
		add("engine: lane_capacity must be >= 1")
	}
	if !oneOf(e.PublishMode, validPublishModes) {
		add("engine: unknown publish_mode %q (valid: %s)", e.PublishMode, strings.Join(validPublishModes, ", "))
	}
	if _, err := matching.STPPolicy(e.STPPolicy); err != nil {
		add("engine: stp_policy %q (valid: %s)", e.STPPolicy, strings.Join(matching.STPPolicies(), ", "))
	}
	if e.SnapshotDepth < 1 {
		add("engine: snapshot_depth must be >= 1")
	}
	if e.ImageEvery < 0 || e.ImageInterval.Duration < 0 {
		add("engine: image_every and image_interval must not be negative")
	}
	switch {
	case !oneOf(e.ImageStore, validImageStores):
		add("engine: unknown image_store %q (valid: %s)", e.ImageStore, strings.Join(validImageStores, ", "))
	case strings.EqualFold(e.ImageStore, "s3") && !c.S3.Enabled:
		add("engine: image_store s3 requires s3.enabled")
	case strings.EqualFold(e.ImageStore, "redis") && !c.Redis.Enabled:
		add("engine: image_store redis requires redis.enabled")
	}
	if _, err := c.FeeRate(); err != nil {
		add("engine: %v", err)
	}

	if c.Wallet.MaxRetries < 1 {
		add("wallet: max_retries must be >= 1")
	}
	switch {
	case !oneOf(c.Wallet.LockBackend, validLockBackends):
		add("wallet: unknown lock_backend %q (valid: %s)", c.Wallet.LockBackend, strings.Join(validLockBackends, ", "))
	case strings.EqualFold(c.Wallet.LockBackend, "redis"):
		if !c.Redis.Enabled {
			add("wallet: lock_backend redis requires redis.enabled")
		}
		if c.Wallet.LockTTL.Duration <= 0 {
			add("wallet: lock_ttl must be > 0")
		}
	}

	if c.Service.SubmitRateLimit < 0 {
		add("service: submit_rate_limit must be >= 0")
	}
	if c.Service.SubmitRateLimit > 0 && c.Service.SubmitRateWindow.Duration <= 0 {
		add("service: submit_rate_window must be > 0 when submit_rate_limit is set")
	}

	if c.Archive.Enabled {
		if !c.S3.Enabled {
			add("archive: requires s3.enabled")
		}
		if c.Archive.RetentionDays < 1 {
			add("archive: retention_days must be >= 1")
		}
		if c.Archive.Interval.Duration <= 0 {
			add("archive: interval must be > 0")
		}
	}

	if len(c.Markets) == 0 {
		add("markets: at least one market must be configured")
	}
	if _, err := domain.NewMarkets(c.MarketList()); err != nil {
		add("markets: %v", err)
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			add("server: rate_window must be > 0 when rate_limit is set")
		}
	}
	if strings.EqualFold(c.Mode, "server") && !c.Server.Enabled {
		add("server: mode server requires server.enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// MarketList converts the configured markets to domain markets.
func (c *Config) MarketList() []domain.Market {
	out := make([]domain.Market, 0, len(c.Markets))
	for _, m := range c.Markets {
		out = append(out, domain.Market{
			Symbol:  strings.ToUpper(strings.TrimSpace(m.Symbol)),
			Base:    strings.ToUpper(strings.TrimSpace(m.Base)),
			Quote:   strings.ToUpper(strings.TrimSpace(m.Quote)),
			Enabled: m.Enabled,
		})
	}
	return out
}

// FeeRate parses engine.fee_rate. An empty value is zero.
func (c *Config) FeeRate() (decimal.Decimal, error) {
	raw := strings.TrimSpace(c.Engine.FeeRate)
	if raw == "" {
		return decimal.Zero, nil
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fee_rate %q: %w", raw, err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("fee_rate %s must be in [0, 1)", rate)
	}
	return rate, nil
}
