// Package engine owns the per-symbol lanes. It creates each lane on first
// use, recovering its book beforehand, routes order and cancel events to it
// and serves book queries from the snapshots that settlement publishes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/cexcore/internal/domain"
	"github.com/alanyoungcy/cexcore/internal/lane"
	"github.com/alanyoungcy/cexcore/internal/matching"
	"github.com/alanyoungcy/cexcore/internal/orderbook"
)

// Config tunes the manager and every lane it creates.
type Config struct {
	Lane           lane.Config
	Strategies     *matching.Registry
	STP            matching.SelfTradePolicy
	SnapshotDepth  int
	RecoverOnStart bool
}

// Manager is the OrderBookManager.
type Manager struct {
	cfg      Config
	markets  *domain.Markets
	settler  lane.Settler
	recovery *Recovery
	cache    domain.SnapshotCache
	obs      lane.Observer
	logger   *slog.Logger

	mu      sync.Mutex
	lanes   map[string]*lane.Lane
	g       *errgroup.Group
	runCtx  context.Context
	stopped bool
	ready   chan struct{}
	builds  singleflight.Group

	snaps sync.Map // symbol -> *domain.BookSnapshot
}

// NewManager returns a Manager. recovery, cache and obs may be nil.
func NewManager(cfg Config, markets *domain.Markets, settler lane.Settler, recovery *Recovery, cache domain.SnapshotCache, obs lane.Observer, logger *slog.Logger) *Manager {
	if cfg.Strategies == nil {
		cfg.Strategies = matching.DefaultRegistry()
	}
	if cfg.STP == nil {
		cfg.STP = matching.ExpireTaker{}
	}
	return &Manager{
		cfg:      cfg,
		markets:  markets,
		settler:  settler,
		recovery: recovery,
		cache:    cache,
		obs:      obs,
		logger:   logger.With(slog.String("component", "engine")),
		lanes:    make(map[string]*lane.Lane),
		ready:    make(chan struct{}),
	}
}

// Run serves lanes until ctx is canceled, then waits for every lane to drain.
// With RecoverOnStart every enabled market's lane is created up front.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	m.mu.Lock()
	m.g = g
	m.runCtx = gctx
	m.mu.Unlock()
	close(m.ready)

	if m.cfg.RecoverOnStart {
		for _, sym := range m.markets.Symbols() {
			if _, err := m.Lane(gctx, sym); err != nil {
				m.logger.ErrorContext(ctx, "lane start failed",
					slog.String("symbol", sym),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	<-gctx.Done()
	m.mu.Lock()
	m.stopped = true
	n := len(m.lanes)
	m.mu.Unlock()
	m.logger.InfoContext(ctx, "draining lanes", slog.Int("lanes", n))
	return g.Wait()
}

// Lane returns the symbol's lane, creating and recovering it on first use.
// Concurrent first calls for a symbol share one build; other symbols are
// never blocked by it.
func (m *Manager) Lane(ctx context.Context, symbol string) (*lane.Lane, error) {
	mk, err := m.markets.Get(symbol)
	if err != nil {
		return nil, err
	}
	select {
	case <-m.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if l, err := m.lookup(mk.Symbol); l != nil || err != nil {
		return l, err
	}
	ch := m.builds.DoChan(mk.Symbol, func() (any, error) { return m.build(mk.Symbol) })
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*lane.Lane), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) lookup(symbol string) (*lane.Lane, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, domain.ErrLaneClosed
	}
	return m.lanes[symbol], nil
}

// build recovers the symbol's book, starts its lane and replays the outbox
// before the lane becomes visible to Submit and Cancel. It runs on the
// manager's context so one caller giving up does not fail the others.
func (m *Manager) build(symbol string) (*lane.Lane, error) {
	if l, err := m.lookup(symbol); l != nil || err != nil {
		return l, err
	}
	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()

	matcher := matching.NewMatcher(orderbook.New(symbol), m.cfg.Strategies, m.cfg.STP, m.cfg.SnapshotDepth)
	var pending []*domain.Order
	if m.recovery != nil {
		var err error
		pending, err = m.recovery.Recover(ctx, matcher)
		if err != nil {
			return nil, err
		}
	}
	m.StoreSnapshot(matcher.Snapshot(time.Now().UTC()))

	l := lane.New(symbol, matcher, m.settler, m.cfg.Lane, m.obs, m.logger)
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, domain.ErrLaneClosed
	}
	m.g.Go(func() error { return l.Run(ctx) })
	m.mu.Unlock()

	for _, o := range pending {
		if err := m.replay(ctx, l, o); err != nil {
			m.logger.WarnContext(ctx, "outbox replay stopped",
				slog.String("symbol", symbol),
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
			)
			break
		}
	}

	m.mu.Lock()
	m.lanes[symbol] = l
	m.mu.Unlock()
	m.logger.InfoContext(ctx, "lane created",
		slog.String("symbol", symbol),
		slog.Int("replayed", len(pending)),
	)
	return l, nil
}

// replay enqueues an outbox order, waiting out a full fail_fast lane.
func (m *Manager) replay(ctx context.Context, l *lane.Lane, o *domain.Order) error {
	wait := time.Millisecond
	for {
		err := l.Publish(ctx, matching.PlaceEvent(o))
		if !errors.Is(err, domain.ErrLaneFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if wait < 50*time.Millisecond {
			wait *= 2
		}
	}
}

// Submit routes a new order to its lane.
func (m *Manager) Submit(ctx context.Context, o *domain.Order) error {
	l, err := m.Lane(ctx, o.Symbol)
	if err != nil {
		return err
	}
	if err := l.Publish(ctx, matching.PlaceEvent(o)); err != nil {
		return fmt.Errorf("engine: submit %s: %w", o.ID, err)
	}
	return nil
}

// Cancel routes a cancel request to the order's lane.
func (m *Manager) Cancel(ctx context.Context, symbol, orderID string, userID int64) error {
	l, err := m.Lane(ctx, symbol)
	if err != nil {
		return err
	}
	if err := l.Publish(ctx, matching.CancelEvent(orderID, userID)); err != nil {
		return fmt.Errorf("engine: cancel %s: %w", orderID, err)
	}
	return nil
}

// StoreSnapshot implements settlement.SnapshotSink. Older snapshots never
// replace newer ones.
func (m *Manager) StoreSnapshot(snap domain.BookSnapshot) {
	next := &snap
	for {
		cur, loaded := m.snaps.LoadOrStore(snap.Symbol, next)
		if !loaded {
			return
		}
		if cur.(*domain.BookSnapshot).Seq > snap.Seq {
			return
		}
		if m.snaps.CompareAndSwap(snap.Symbol, cur, next) {
			return
		}
	}
}

// Book returns the latest published snapshot of symbol. A symbol whose lane
// is not loaded in this process is served from the shared cache, and an empty
// book when neither has it.
func (m *Manager) Book(ctx context.Context, symbol string) (domain.BookSnapshot, error) {
	mk, err := m.markets.Get(symbol)
	if err != nil {
		return domain.BookSnapshot{}, err
	}
	if v, ok := m.snaps.Load(mk.Symbol); ok {
		return *v.(*domain.BookSnapshot), nil
	}
	if m.cache != nil {
		snap, err := m.cache.GetSnapshot(ctx, mk.Symbol)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			m.logger.WarnContext(ctx, "snapshot cache read failed",
				slog.String("symbol", mk.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	return domain.BookSnapshot{Symbol: mk.Symbol, Timestamp: time.Now().UTC()}, nil
}

// Depths reports the queue depth of every loaded lane.
func (m *Manager) Depths() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.lanes))
	for sym, l := range m.lanes {
		out[sym] = l.Depth()
	}
	return out
}
