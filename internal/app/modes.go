package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/cexcore/internal/domain"
	"github.com/alanyoungcy/cexcore/internal/engine"
	"github.com/alanyoungcy/cexcore/internal/lane"
	"github.com/alanyoungcy/cexcore/internal/matching"
	"github.com/alanyoungcy/cexcore/internal/server"
	"github.com/alanyoungcy/cexcore/internal/server/handler"
	"github.com/alanyoungcy/cexcore/internal/server/ws"
	"github.com/alanyoungcy/cexcore/internal/service"
	"github.com/alanyoungcy/cexcore/internal/settlement"
	"github.com/alanyoungcy/cexcore/internal/wallet"
)

const (
	dedupCleanupInterval = time.Minute
	shutdownTimeout      = 10 * time.Second
)

// managerSink forwards settled snapshots to a manager built after the
// settler that feeds it.
type managerSink struct {
	mgr *engine.Manager
}

func (s *managerSink) StoreSnapshot(snap domain.BookSnapshot) {
	if s.mgr != nil {
		s.mgr.StoreSnapshot(snap)
	}
}

// readOnlyRouter serves books through the manager's cache fallback and
// refuses order flow, since no lanes run in server mode.
type readOnlyRouter struct {
	*engine.Manager
}

func (readOnlyRouter) Submit(context.Context, *domain.Order) error {
	return fmt.Errorf("app: server mode does not route orders: %w", domain.ErrLaneClosed)
}

func (readOnlyRouter) Cancel(context.Context, string, string, int64) error {
	return fmt.Errorf("app: server mode does not route cancels: %w", domain.ErrLaneClosed)
}

func (a *App) newLedger(deps *Dependencies) *wallet.Ledger {
	return wallet.NewLedger(deps.Store, deps.Locker, a.logger,
		wallet.WithSignalBus(deps.Bus),
		wallet.WithMaxRetries(a.cfg.Wallet.MaxRetries),
	)
}

func (a *App) newManager(deps *Dependencies, settler lane.Settler, recover bool) (*engine.Manager, error) {
	stp, err := matching.STPPolicy(a.cfg.Engine.STPPolicy)
	if err != nil {
		return nil, err
	}
	e := a.cfg.Engine
	cfg := engine.Config{
		Lane: lane.Config{
			Capacity:       e.LaneCapacity,
			PublishMode:    strings.ToLower(e.PublishMode),
			PublishTimeout: e.PublishTimeout.Duration,
			ImageEvery:     e.ImageEvery,
			ImageInterval:  e.ImageInterval.Duration,
		},
		Strategies:     matching.DefaultRegistry(),
		STP:            stp,
		SnapshotDepth:  e.SnapshotDepth,
		RecoverOnStart: recover,
	}
	var recovery *engine.Recovery
	if recover {
		recovery = engine.NewRecovery(deps.Store, deps.Images, deps.Cache, a.logger)
	}
	return engine.NewManager(cfg, deps.Markets, settler, recovery, deps.Cache, deps.Metrics, a.logger), nil
}

// EngineMode runs the lanes, the background jobs and, when enabled, the API.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode", slog.Int("markets", len(deps.Markets.Symbols())))

	feeRate, err := a.cfg.FeeRate()
	if err != nil {
		return fmt.Errorf("engine mode: %w", err)
	}

	ledger := a.newLedger(deps)
	sink := &managerSink{}
	opts := []settlement.Option{
		settlement.WithSnapshotSink(sink),
		settlement.WithSignalBus(deps.Bus),
		settlement.WithAlerter(deps.Notifier),
	}
	if feeRate.IsPositive() {
		opts = append(opts, settlement.WithFeeHook(settlement.FlatRate{Rate: feeRate}))
	}
	if deps.Cache != nil {
		opts = append(opts, settlement.WithSnapshotCache(deps.Cache))
	}
	if deps.Images != nil {
		opts = append(opts, settlement.WithImageStore(deps.Images))
	}
	settler := settlement.New(deps.Markets, ledger, deps.Store, a.logger, opts...)

	mgr, err := a.newManager(deps, settler, a.cfg.Engine.RecoverOnStart)
	if err != nil {
		return fmt.Errorf("engine mode: %w", err)
	}
	sink.mgr = mgr

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(ctx) })

	orders := a.newOrderService(deps, ledger, mgr)
	g.Go(func() error { return a.runDedupCleanup(ctx, orders.Dedup()) })
	if deps.Archiver != nil {
		g.Go(func() error { return a.runArchiver(ctx, deps.Archiver) })
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, orders, service.NewWalletService(deps.Markets, ledger, a.logger))
	}
	return g.Wait()
}

// ServerMode runs the API without lanes. Reads are served from the store and
// the shared snapshot cache; order flow is refused.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	ledger := a.newLedger(deps)
	mgr, err := a.newManager(deps, nil, false)
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}
	orders := a.newOrderService(deps, ledger, readOnlyRouter{mgr})

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, orders, service.NewWalletService(deps.Markets, ledger, a.logger))
	return g.Wait()
}

func (a *App) newOrderService(deps *Dependencies, ledger *wallet.Ledger, router service.Router) *service.OrderService {
	return service.NewOrderService(deps.Markets, deps.Store, ledger, router, deps.Limiter, service.OrderConfig{
		DedupTTL:   a.cfg.Service.DedupTTL.Duration,
		RateLimit:  a.cfg.Service.SubmitRateLimit,
		RateWindow: a.cfg.Service.SubmitRateWindow.Duration,
	}, a.logger)
}

// startHTTPServer adds the HTTP server and WebSocket hub to g. The server is
// shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, orders *service.OrderService, wallets *service.WalletService) {
	hub := ws.NewHub(deps.Bus, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:   handler.NewHealthHandler(deps.Health, a.logger),
		Orders:   handler.NewOrderHandler(orders, a.logger),
		Wallet:   handler.NewWalletHandler(wallets, a.logger),
		Hub:      hub,
		Metrics:  deps.Metrics.Handler(),
		Limiter:  deps.Limiter,
		Recorder: deps.Metrics,
	}, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

func (a *App) runDedupCleanup(ctx context.Context, d *service.Dedup) error {
	ticker := time.NewTicker(dedupCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := d.Cleanup(); n > 0 {
				a.logger.DebugContext(ctx, "dedup entries expired", slog.Int("removed", n), slog.Int("remaining", d.Len()))
			}
		}
	}
}

// runArchiver copies history older than the retention window to cold storage
// on every interval. Failures are logged and retried next tick.
func (a *App) runArchiver(ctx context.Context, archiver domain.Archiver) error {
	ticker := time.NewTicker(a.cfg.Archive.Interval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.archiveOnce(ctx, archiver, time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays))
		}
	}
}

func (a *App) archiveOnce(ctx context.Context, archiver domain.Archiver, before time.Time) {
	jobs := []struct {
		kind string
		run  func(context.Context, time.Time) (int64, error)
	}{
		{"trades", archiver.ArchiveTrades},
		{"ledger", archiver.ArchiveLedger},
		{"orders", archiver.ArchiveOrders},
	}
	for _, job := range jobs {
		n, err := job.run(ctx, before)
		if err != nil {
			a.logger.ErrorContext(ctx, "archive failed",
				slog.String("kind", job.kind),
				slog.Time("before", before),
				slog.String("error", err.Error()),
			)
			continue
		}
		a.logger.InfoContext(ctx, "archived",
			slog.String("kind", job.kind),
			slog.Int64("records", n),
			slog.Time("before", before),
		)
	}
}
