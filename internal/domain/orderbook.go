package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookLevel is one aggregated price level.
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// BookSnapshot is the aggregated, read-side view of a book after event Seq.
type BookSnapshot struct {
	Symbol    string      `json:"symbol"`
	Seq       uint64      `json:"seq"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"ts"`
}

// BestBid returns the highest bid, if any.
func (s BookSnapshot) BestBid() (BookLevel, bool) {
	if len(s.Bids) == 0 {
		return BookLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (s BookSnapshot) BestAsk() (BookLevel, bool) {
	if len(s.Asks) == 0 {
		return BookLevel{}, false
	}
	return s.Asks[0], true
}

// RestingOrder is one book entry in an image.
type RestingOrder struct {
	OrderID     string          `json:"order_id"`
	UserID      int64           `json:"user_id"`
	Side        OrderSide       `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	Filled      decimal.Decimal `json:"filled"`
	QuoteFilled decimal.Decimal `json:"quote_filled"`
	CreatedAt   time.Time       `json:"created_at"`
}

// BookImage is the rebuildable form of a book: every resting order, bids then
// asks, each side in price/time priority.
type BookImage struct {
	Symbol    string         `json:"symbol"`
	Seq       uint64         `json:"seq"`
	Orders    []RestingOrder `json:"orders"`
	Timestamp time.Time      `json:"ts"`
}

// TradeEvent is the payload pushed for every executed trade.
type TradeEvent struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	QuoteQty  decimal.Decimal `json:"quote_qty"`
	TakerSide OrderSide       `json:"taker_side"`
	Timestamp time.Time       `json:"ts"`
}

// NewTradeEvent strips user identities from a trade for public push.
func NewTradeEvent(t Trade) TradeEvent {
	return TradeEvent{
		ID:        t.ID,
		Symbol:    t.Symbol,
		Price:     t.Price,
		Quantity:  t.Quantity,
		QuoteQty:  t.QuoteQty,
		TakerSide: t.TakerSide,
		Timestamp: t.CreatedAt,
	}
}
