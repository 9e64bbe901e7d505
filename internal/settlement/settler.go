// Package settlement is the second stage of a symbol lane. It turns a match
// outcome into balance postings and persisted trades and orders, then
// publishes the book snapshot, trade pushes and the rebuildable book image.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cexcore/internal/domain"
	"github.com/alanyoungcy/cexcore/internal/matching"
	"github.com/alanyoungcy/cexcore/internal/wallet"
)

// SnapshotSink receives every published book snapshot. The engine's
// in-process read cache implements it.
type SnapshotSink interface {
	StoreSnapshot(snap domain.BookSnapshot)
}

// Alerter notifies operators.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Settler implements lane.Settler. A single Settler serves every lane.
type Settler struct {
	markets *domain.Markets
	ledger  *wallet.Ledger
	store   domain.Store
	fees    FeeHook
	logger  *slog.Logger
	now     func() time.Time

	sink   SnapshotSink
	cache  domain.SnapshotCache
	bus    domain.SignalBus
	images domain.ImageStore
	alerts Alerter
}

// Option customises a Settler.
type Option func(*Settler)

// WithSnapshotSink sets the in-process snapshot cache.
func WithSnapshotSink(s SnapshotSink) Option { return func(st *Settler) { st.sink = s } }

// WithSnapshotCache mirrors snapshots and last prices to a shared cache.
func WithSnapshotCache(c domain.SnapshotCache) Option { return func(st *Settler) { st.cache = c } }

// WithSignalBus pushes snapshots, trades and degraded events.
func WithSignalBus(b domain.SignalBus) Option { return func(st *Settler) { st.bus = b } }

// WithImageStore persists book images attached to outcomes.
func WithImageStore(s domain.ImageStore) Option { return func(st *Settler) { st.images = s } }

// WithAlerter notifies operators of degraded events.
func WithAlerter(a Alerter) Option { return func(st *Settler) { st.alerts = a } }

// WithFeeHook charges trading fees. The default charges nothing.
func WithFeeHook(f FeeHook) Option { return func(st *Settler) { st.fees = f } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(st *Settler) { st.now = now } }

// New returns a Settler.
func New(markets *domain.Markets, ledger *wallet.Ledger, store domain.Store, logger *slog.Logger, opts ...Option) *Settler {
	s := &Settler{
		markets: markets,
		ledger:  ledger,
		store:   store,
		fees:    NoFees{},
		logger:  logger.With(slog.String("component", "settlement")),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Settle applies one outcome. Failures of individual units are collected;
// the remaining units and the snapshot publication still run, and the event
// is reported as degraded.
func (s *Settler) Settle(ctx context.Context, out *matching.Outcome) error {
	mk, err := s.markets.Get(out.Symbol)
	if err != nil {
		return s.degrade(ctx, out, err)
	}

	var errs []error
	switch out.Event.Kind {
	case matching.EventPlace:
		errs = s.settlePlace(ctx, mk, out)
	case matching.EventCancel:
		if out.Err == nil {
			if err := s.closeOrder(ctx, mk, out.Event.OrderID, out.Event.UserID, domain.CloseUserCancel); err != nil {
				errs = append(errs, err)
			}
		}
	}

	s.publish(ctx, out)

	if len(errs) > 0 {
		return s.degrade(ctx, out, errors.Join(errs...))
	}
	return nil
}

func (s *Settler) settlePlace(ctx context.Context, mk domain.Market, out *matching.Outcome) []error {
	var errs []error
	for _, m := range out.CanceledMakers {
		if err := s.closeOrder(ctx, mk, m.ID, m.UserID, domain.CloseSelfTrade); err != nil {
			errs = append(errs, err)
		}
	}

	takerID := out.Event.OrderID
	marked := false
	for _, t := range out.Trades {
		if err := s.settleTrade(ctx, mk, t, takerID, !marked); err != nil {
			errs = append(errs, err)
			continue
		}
		marked = true
		s.pushTrade(ctx, t)
	}

	switch {
	case out.Close != domain.CloseNone:
		if err := s.closeOrder(ctx, mk, takerID, out.Event.UserID, out.Close); err != nil {
			errs = append(errs, err)
		}
	case !marked:
		if err := s.markMatched(ctx, takerID); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// settleTrade moves the funds of one trade and persists it with both orders
// in a single ledger unit. Orders are loaded once outside the unit; only this
// lane mutates their fill state, and the unit's version checks reject any
// other writer.
func (s *Settler) settleTrade(ctx context.Context, mk domain.Market, t domain.Trade, takerID string, markTaker bool) error {
	buy, err := s.store.Orders().GetByID(ctx, t.BuyOrderID)
	if err != nil {
		return fmt.Errorf("settlement: trade %s: load buy order %s: %w", t.ID, t.BuyOrderID, err)
	}
	sell, err := s.store.Orders().GetByID(ctx, t.SellOrderID)
	if err != nil {
		return fmt.Errorf("settlement: trade %s: load sell order %s: %w", t.ID, t.SellOrderID, err)
	}

	ref := t.Reference()
	now := s.now().UTC()

	// Trade costs are truncated and never exceed the limit price, so the
	// buyer's freeze always covers them.
	if err := buy.ApplyFill(t.Quantity, t.QuoteQty); err != nil {
		return fmt.Errorf("settlement: trade %s: buy order %s: %w", t.ID, buy.ID, err)
	}
	buy.FrozenUsed = buy.FrozenUsed.Add(t.QuoteQty)
	if err := sell.ApplyFill(t.Quantity, t.QuoteQty); err != nil {
		return fmt.Errorf("settlement: trade %s: sell order %s: %w", t.ID, sell.ID, err)
	}
	sell.FrozenUsed = sell.FrozenUsed.Add(t.Quantity)

	buyerFee, sellerFee := s.fees.Fees(mk, t)
	buyerFee = decimal.Min(buyerFee, t.Quantity)
	sellerFee = decimal.Min(sellerFee, t.QuoteQty)

	postings := []wallet.Posting{
		{UserID: t.BuyerUserID, Asset: mk.Quote, Type: domain.LedgerSettleDebit, Amount: t.QuoteQty, Reference: ref},
		{UserID: t.SellerUserID, Asset: mk.Base, Type: domain.LedgerSettleDebit, Amount: t.Quantity, Reference: ref},
		{UserID: t.BuyerUserID, Asset: mk.Base, Type: domain.LedgerSettleCredit, Amount: t.Quantity.Sub(buyerFee), Reference: ref},
		{UserID: t.SellerUserID, Asset: mk.Quote, Type: domain.LedgerSettleCredit, Amount: t.QuoteQty.Sub(sellerFee), Reference: ref},
		{UserID: FeeAccountID, Asset: mk.Base, Type: domain.LedgerSettleCredit, Amount: buyerFee, Reference: ref},
		{UserID: FeeAccountID, Asset: mk.Quote, Type: domain.LedgerSettleCredit, Amount: sellerFee, Reference: ref},
	}
	for _, o := range []*domain.Order{buy, sell} {
		if o.ID == takerID && markTaker {
			o.Matched = true
		}
		o.UpdatedAt = now
		if o.Status == domain.OrderStatusFilled {
			postings = append(postings, wallet.Posting{
				UserID:    o.UserID,
				Asset:     o.FrozenAsset(mk),
				Type:      domain.LedgerUnfreeze,
				Amount:    o.FrozenResidual(),
				Reference: "order:" + o.ID,
			})
			o.FrozenUsed = o.FrozenAmount
		}
	}

	err = s.ledger.Apply(ctx, postings, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.Trades().Insert(ctx, t); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		// Copies, so a failed attempt leaves the loaded versions intact for
		// the retry.
		for _, o := range []*domain.Order{buy, sell} {
			c := o.Clone()
			if err := tx.Orders().Update(ctx, c); err != nil {
				return fmt.Errorf("update order %s: %w", o.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("settlement: trade %s: %w", t.ID, err)
	}
	return nil
}

// closeOrder moves an open order to its closed status and releases whatever
// it still holds frozen. An order that is already terminal is left alone, so
// replaying a close is harmless.
func (s *Settler) closeOrder(ctx context.Context, mk domain.Market, orderID string, userID int64, reason domain.CloseReason) error {
	o, err := s.store.Orders().GetByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("settlement: close %s: %w", orderID, err)
	}
	if o.UserID != userID {
		return fmt.Errorf("settlement: close %s: %w", orderID, domain.ErrOrderNotFound)
	}
	if !o.Status.Open() {
		s.logger.DebugContext(ctx, "close skipped",
			slog.String("order_id", o.ID),
			slog.String("status", string(o.Status)),
		)
		return nil
	}
	if err := o.ApplyCancel(); err != nil {
		return fmt.Errorf("settlement: close %s: %w", orderID, err)
	}
	residual := o.FrozenResidual()
	o.FrozenUsed = o.FrozenAmount
	o.Matched = true
	o.UpdatedAt = s.now().UTC()

	postings := []wallet.Posting{{
		UserID:    o.UserID,
		Asset:     o.FrozenAsset(mk),
		Type:      domain.LedgerUnfreeze,
		Amount:    residual,
		Reference: "order:" + o.ID,
	}}
	err = s.ledger.Apply(ctx, postings, func(ctx context.Context, tx domain.Tx) error {
		return tx.Orders().Update(ctx, o.Clone())
	})
	if err != nil {
		return fmt.Errorf("settlement: close %s: %w", orderID, err)
	}
	s.logger.InfoContext(ctx, "order closed",
		slog.String("order_id", o.ID),
		slog.String("reason", string(reason)),
		slog.String("status", string(o.Status)),
		slog.String("released", residual.String()),
	)
	return nil
}

// markMatched flips the outbox flag of an order that went through its lane
// without trading or closing.
func (s *Settler) markMatched(ctx context.Context, orderID string) error {
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		o, err := tx.Orders().GetByID(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Matched {
			return nil
		}
		o.Matched = true
		o.UpdatedAt = s.now().UTC()
		return tx.Orders().Update(ctx, o)
	})
	if err != nil {
		return fmt.Errorf("settlement: mark matched %s: %w", orderID, err)
	}
	return nil
}

func (s *Settler) pushTrade(ctx context.Context, t domain.Trade) {
	if s.cache != nil {
		if err := s.cache.SetLastPrice(ctx, t.Symbol, t.Price); err != nil {
			s.warn(ctx, "last price cache failed", t.Symbol, err)
		}
	}
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.NewTradeEvent(t))
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.TradeChannel(t.Symbol), payload); err != nil {
		s.warn(ctx, "trade push failed", t.Symbol, err)
	}
	if err := s.bus.StreamAppend(ctx, domain.TradeStream(t.Symbol), payload); err != nil {
		s.warn(ctx, "trade stream append failed", t.Symbol, err)
	}
}

// publish refreshes the read side. Snapshot and image failures are logged and
// never degrade the event: the next outcome publishes again.
func (s *Settler) publish(ctx context.Context, out *matching.Outcome) {
	snap := out.Snapshot
	if s.sink != nil {
		s.sink.StoreSnapshot(snap)
	}
	if s.cache != nil {
		if err := s.cache.SetSnapshot(ctx, snap); err != nil {
			s.warn(ctx, "snapshot cache failed", snap.Symbol, err)
		}
	}
	if s.bus != nil {
		if payload, err := json.Marshal(snap); err == nil {
			if err := s.bus.Publish(ctx, domain.BookChannel(snap.Symbol), payload); err != nil {
				s.warn(ctx, "book push failed", snap.Symbol, err)
			}
		}
	}
	if out.Image != nil && s.images != nil {
		if err := s.images.SaveImage(ctx, *out.Image); err != nil {
			s.warn(ctx, "book image save failed", out.Symbol, err)
		} else {
			s.logger.DebugContext(ctx, "book image saved",
				slog.String("symbol", out.Symbol),
				slog.Uint64("seq", out.Image.Seq),
				slog.Int("orders", len(out.Image.Orders)),
			)
		}
	}
}

// degrade records a settlement failure everywhere an operator might look and
// returns it wrapped in ErrPersistenceFailure.
func (s *Settler) degrade(ctx context.Context, out *matching.Outcome, cause error) error {
	detail := map[string]any{
		"symbol":   out.Symbol,
		"seq":      out.Seq,
		"kind":     out.Event.Kind.String(),
		"order_id": out.Event.OrderID,
		"trades":   len(out.Trades),
		"error":    cause.Error(),
	}
	if err := s.store.Audit().Log(ctx, "settlement.degraded", detail); err != nil {
		s.warn(ctx, "audit log failed", out.Symbol, err)
	}
	if s.bus != nil {
		if payload, err := json.Marshal(detail); err == nil {
			if err := s.bus.StreamAppend(ctx, domain.DegradedStream, payload); err != nil {
				s.warn(ctx, "degraded stream append failed", out.Symbol, err)
			}
		}
	}
	if s.alerts != nil {
		msg := fmt.Sprintf("symbol=%s seq=%d order=%s: %v", out.Symbol, out.Seq, out.Event.OrderID, cause)
		if err := s.alerts.Notify(ctx, "settlement_degraded", "Settlement degraded", msg); err != nil {
			s.warn(ctx, "degraded alert failed", out.Symbol, err)
		}
	}
	return fmt.Errorf("%w: %w", domain.ErrPersistenceFailure, cause)
}

func (s *Settler) warn(ctx context.Context, msg, symbol string, err error) {
	s.logger.WarnContext(ctx, msg,
		slog.String("symbol", symbol),
		slog.String("error", err.Error()),
	)
}
