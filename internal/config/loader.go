package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies CEX_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	// .env is optional; any other failure to read it is not.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites Config fields from well-known CEX_* variables
// that are set and non-empty, so secrets can be injected at deploy time.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "CEX_MODE")
	setStr(&cfg.LogLevel, "CEX_LOG_LEVEL")

	// ── Store ──
	setStr(&cfg.Store.Backend, "CEX_STORE_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "CEX_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.Host, "CEX_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "CEX_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "CEX_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "CEX_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "CEX_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "CEX_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "CEX_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "CEX_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "CEX_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "CEX_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "CEX_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CEX_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CEX_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "CEX_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "CEX_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "CEX_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "CEX_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CEX_S3_REGION")
	setStr(&cfg.S3.Bucket, "CEX_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CEX_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CEX_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "CEX_S3_FORCE_PATH_STYLE")

	// ── Engine ──
	setInt(&cfg.Engine.LaneCapacity, "CEX_ENGINE_LANE_CAPACITY")
	setStr(&cfg.Engine.PublishMode, "CEX_ENGINE_PUBLISH_MODE")
	setDuration(&cfg.Engine.PublishTimeout, "CEX_ENGINE_PUBLISH_TIMEOUT")
	setStr(&cfg.Engine.STPPolicy, "CEX_ENGINE_STP_POLICY")
	setInt(&cfg.Engine.SnapshotDepth, "CEX_ENGINE_SNAPSHOT_DEPTH")
	setInt(&cfg.Engine.ImageEvery, "CEX_ENGINE_IMAGE_EVERY")
	setDuration(&cfg.Engine.ImageInterval, "CEX_ENGINE_IMAGE_INTERVAL")
	setStr(&cfg.Engine.ImageStore, "CEX_ENGINE_IMAGE_STORE")
	setBool(&cfg.Engine.RecoverOnStart, "CEX_ENGINE_RECOVER_ON_START")
	setStr(&cfg.Engine.FeeRate, "CEX_ENGINE_FEE_RATE")

	// ── Wallet ──
	setInt(&cfg.Wallet.MaxRetries, "CEX_WALLET_MAX_RETRIES")
	setStr(&cfg.Wallet.LockBackend, "CEX_WALLET_LOCK_BACKEND")
	setDuration(&cfg.Wallet.LockTTL, "CEX_WALLET_LOCK_TTL")

	// ── Service ──
	setDuration(&cfg.Service.DedupTTL, "CEX_SERVICE_DEDUP_TTL")
	setInt(&cfg.Service.SubmitRateLimit, "CEX_SERVICE_SUBMIT_RATE_LIMIT")
	setDuration(&cfg.Service.SubmitRateWindow, "CEX_SERVICE_SUBMIT_RATE_WINDOW")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "CEX_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "CEX_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "CEX_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "CEX_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "CEX_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "CEX_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "CEX_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "CEX_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "CEX_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CEX_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "CEX_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "CEX_NOTIFY_EVENTS")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.

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
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
