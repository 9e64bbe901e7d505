package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/cexcore/internal/domain"
	"github.com/alanyoungcy/cexcore/internal/matching"
)

// Recovery rebuilds a symbol's in-memory state after a restart.
type Recovery struct {
	store  domain.Store
	images domain.ImageStore
	cache  domain.SnapshotCache
	logger *slog.Logger
}

// NewRecovery returns a Recovery. images and cache may be nil.
func NewRecovery(store domain.Store, images domain.ImageStore, cache domain.SnapshotCache, logger *slog.Logger) *Recovery {
	return &Recovery{
		store:  store,
		images: images,
		cache:  cache,
		logger: logger.With(slog.String("component", "recovery")),
	}
}

// Recover restores m's book and returns the orders that were written durably
// but never reached the lane, in the order they must be re-enqueued.
//
// The book starts from the last saved image. Image entries whose order has
// since closed are dropped and the rest take their persisted fill state.
// Open orders that rested after the image was taken are appended to their
// levels in creation order.
func (r *Recovery) Recover(ctx context.Context, m *matching.Matcher) ([]*domain.Order, error) {
	symbol := m.Book().Symbol()

	img := domain.BookImage{Symbol: symbol}
	if r.images != nil {
		loaded, err := r.images.LoadImage(ctx, symbol)
		switch {
		case err == nil:
			img = loaded
		case errors.Is(err, domain.ErrNotFound):
		default:
			return nil, fmt.Errorf("engine: recover %s: load image: %w", symbol, err)
		}
	}

	open, err := r.store.Orders().ListOpen(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("engine: recover %s: list open orders: %w", symbol, err)
	}
	byID := make(map[string]*domain.Order, len(open))
	for _, o := range open {
		byID[o.ID] = o
	}

	resting := make([]domain.RestingOrder, 0, len(open))
	dropped := 0
	for _, ro := range img.Orders {
		o, ok := byID[ro.OrderID]
		if !ok {
			dropped++
			continue
		}
		resting = append(resting, restingFrom(o))
		delete(byID, ro.OrderID)
	}
	added := 0
	for _, o := range open {
		if _, ok := byID[o.ID]; ok {
			resting = append(resting, restingFrom(o))
			added++
		}
	}

	img.Orders = resting
	if err := m.Restore(img); err != nil {
		return nil, fmt.Errorf("engine: recover %s: %w", symbol, err)
	}

	unmatched, err := r.store.Orders().ListUnmatched(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("engine: recover %s: list unmatched: %w", symbol, err)
	}
	pending := unmatched[:0]
	for _, o := range unmatched {
		if _, inBook := m.Book().Get(o.ID); inBook || o.Status != domain.OrderStatusNew {
			continue
		}
		pending = append(pending, o)
	}

	r.restoreLastPrice(ctx, symbol)

	r.logger.InfoContext(ctx, "book recovered",
		slog.String("symbol", symbol),
		slog.Uint64("seq", img.Seq),
		slog.Int("resting", m.Book().Len()),
		slog.Int("dropped", dropped),
		slog.Int("added", added),
		slog.Int("outbox", len(pending)),
	)
	return pending, nil
}

func (r *Recovery) restoreLastPrice(ctx context.Context, symbol string) {
	if r.cache == nil {
		return
	}
	t, err := r.store.Trades().LastPrice(ctx, symbol)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			r.logger.WarnContext(ctx, "last price lookup failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if err := r.cache.SetLastPrice(ctx, symbol, t.Price); err != nil {
		r.logger.WarnContext(ctx, "last price restore failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
	}
}

func restingFrom(o *domain.Order) domain.RestingOrder {
	return domain.RestingOrder{
		OrderID:     o.ID,
		UserID:      o.UserID,
		Side:        o.Side,
		Price:       o.Price,
		Amount:      o.Amount,
		Filled:      o.Filled,
		QuoteFilled: o.QuoteFilled,
		CreatedAt:   o.CreatedAt,
	}
}
