// Package matching runs incoming orders against a symbol's order book.
//
// Everything here is pure in-memory work: strategies mutate the book and the
// orders they touch and report what happened in a Result. Funds and
// persistence are handled later by the settle stage.
package matching

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cexcore/internal/domain"
	"github.com/alanyoungcy/cexcore/internal/orderbook"
)

// Strategy matches one taker against the book.
type Strategy interface {
	Match(taker *domain.Order, book *orderbook.Book, stp SelfTradePolicy, res *Result) error
}

// Result accumulates the effects of matching a single taker.
type Result struct {
	Trades []domain.Trade
	// CanceledMakers are resting orders removed by self-trade prevention.
	CanceledMakers []*domain.Order
	// Close is set when the taker must be closed before reaching its target.
	Close domain.CloseReason
	// Rested reports whether the taker's remainder was added to the book.
	Rested bool

	now   time.Time
	newID func() string
}

// NewResult returns an empty result stamping trades with now and ids from
// newID.
func NewResult(now time.Time, newID func() string) *Result {
	return &Result{now: now, newID: newID}
}

// fill executes qty between taker and maker at the maker's price, records the
// trade and removes the maker once it is complete. Neither order changes
// unless both accept the fill.
func (r *Result) fill(taker, maker *domain.Order, qty decimal.Decimal, book *orderbook.Book) error {
	quote := domain.TradeValue(maker.Price, qty)
	tc, mc := taker.Clone(), maker.Clone()
	if err := tc.ApplyFill(qty, quote); err != nil {
		return fmt.Errorf("matching: fill taker %s: %w", taker.ID, err)
	}
	if err := mc.ApplyFill(qty, quote); err != nil {
		return fmt.Errorf("matching: fill maker %s: %w", maker.ID, err)
	}
	*taker, *maker = *tc, *mc

	t := domain.Trade{
		ID:        r.newID(),
		Symbol:    taker.Symbol,
		Price:     maker.Price,
		Quantity:  qty,
		QuoteQty:  quote,
		TakerSide: taker.Side,
		CreatedAt: r.now,
	}
	buy, sell := taker, maker
	if taker.Side == domain.OrderSideSell {
		buy, sell = maker, taker
	}
	t.BuyOrderID, t.BuyerUserID = buy.ID, buy.UserID
	t.SellOrderID, t.SellerUserID = sell.ID, sell.UserID
	r.Trades = append(r.Trades, t)

	if maker.IsFullyFilled() {
		book.Remove(maker.ID)
	}
	return nil
}

// crosses reports whether a limit taker accepts the maker price.
func crosses(taker *domain.Order, makerPrice decimal.Decimal) bool {
	if taker.Side == domain.OrderSideBuy {
		return makerPrice.LessThanOrEqual(taker.Price)
	}
	return makerPrice.GreaterThanOrEqual(taker.Price)
}
