package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/cexcore/internal/blob/s3"
	"github.com/alanyoungcy/cexcore/internal/cache/redis"
	"github.com/alanyoungcy/cexcore/internal/config"
	"github.com/alanyoungcy/cexcore/internal/domain"
	"github.com/alanyoungcy/cexcore/internal/metrics"
	"github.com/alanyoungcy/cexcore/internal/notify"
	"github.com/alanyoungcy/cexcore/internal/server/handler"
	"github.com/alanyoungcy/cexcore/internal/store/memory"
	"github.com/alanyoungcy/cexcore/internal/store/postgres"
	"github.com/alanyoungcy/cexcore/internal/wallet"
)

// busStreamMaxLen bounds the in-process bus streams when Redis is disabled.
const busStreamMaxLen = 10000

// Dependencies bundles the infrastructure the run modes build on. It is
// constructed by Wire and torn down by the returned cleanup function. Cache,
// Images, Limiter, LockManager and Archiver are nil when their backend is
// disabled.
type Dependencies struct {
	Markets *domain.Markets
	Store   domain.Store

	Cache       domain.SnapshotCache
	Images      domain.ImageStore
	Bus         domain.SignalBus
	Limiter     domain.RateLimiter
	LockManager domain.LockManager
	Locker      wallet.Locker

	Archiver domain.Archiver

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	// Health lists every external dependency for GET /api/health.
	Health map[string]handler.Pinger
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

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

	markets, err := domain.NewMarkets(cfg.MarketList())
	if err != nil {
		return fail(fmt.Errorf("wire: markets: %w", err))
	}
	deps := &Dependencies{
		Markets: markets,
		Metrics: metrics.New(),
		Health:  make(map[string]handler.Pinger),
	}

	// --- Durable store ---
	switch strings.ToLower(cfg.Store.Backend) {
	case "postgres":
		pg := cfg.Postgres
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:             pg.DSN,
			Host:            pg.Host,
			Port:            pg.Port,
			Database:        pg.Database,
			User:            pg.User,
			Password:        pg.Password,
			SSLMode:         pg.SSLMode,
			MaxConns:        pg.PoolMaxConns,
			MinConns:        pg.PoolMinConns,
			MaxConnLifetime: pg.MaxConnLifetime.Duration,
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
		deps.Store = postgres.NewStore(pgClient)
	default:
		logger.WarnContext(ctx, "using in-memory store; state is lost on exit")
		deps.Store = memory.New()
	}
	deps.Health["store"] = deps.Store

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			MaxRetries:  cfg.Redis.MaxRetries,
			DialTimeout: cfg.Redis.DialTimeout.Duration,
			TLSEnabled:  cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		books := redis.NewBookCache(redisClient, cfg.Redis.SnapshotTTL.Duration)
		deps.Cache = books
		if strings.EqualFold(cfg.Engine.ImageStore, "redis") {
			deps.Images = books
		}
		deps.Bus = redis.NewSignalBus(redisClient)
		deps.Limiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.Health["redis"] = redisClient
	} else {
		deps.Bus = memory.NewBus(busStreamMaxLen)
	}

	if strings.EqualFold(cfg.Wallet.LockBackend, "redis") && deps.LockManager != nil {
		deps.Locker = wallet.NewDistributedLocker(deps.LockManager, cfg.Wallet.LockTTL.Duration)
	} else {
		deps.Locker = wallet.NewLocalLocker()
	}

	// --- S3 blob storage ---
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
		writer := s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		if strings.EqualFold(cfg.Engine.ImageStore, "s3") {
			deps.Images = s3blob.NewImageStore(writer, reader)
		}
		if cfg.Archive.Enabled {
			deps.Archiver = s3blob.NewArchiver(writer, reader, deps.Store)
		}
		deps.Health["s3"] = pingFunc(s3Client.Health)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Cooldown.Duration, logger)

	return deps, cleanup, nil
}
