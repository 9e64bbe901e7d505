package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the other side of the book.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Valid reports whether s is a known side.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderType selects the matching strategy.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	return t == OrderTypeLimit || t == OrderTypeMarket
}

// CloseReason explains why an order was closed before reaching its target.
type CloseReason string

const (
	CloseNone           CloseReason = ""
	CloseSelfTrade      CloseReason = "self_trade"
	CloseDepthExhausted CloseReason = "depth_exhausted"
	CloseUserCancel     CloseReason = "user_cancel"
	CloseRejected       CloseReason = "rejected"
)

// Order is a single exchange order. Identity fields never change after
// creation; fill fields are mutated by the lane that owns the order and the
// persisted status only moves through Transition.
type Order struct {
	ID            string
	ClientOrderID string
	UserID        int64
	Symbol        string
	Type          OrderType
	Side          OrderSide
	Price         decimal.Decimal // LIMIT only
	Amount        decimal.Decimal // base target for LIMIT and MARKET SELL
	QuoteAmount   decimal.Decimal // quote spend target for MARKET BUY
	Filled        decimal.Decimal
	QuoteFilled   decimal.Decimal
	FrozenAmount  decimal.Decimal
	FrozenUsed    decimal.Decimal
	AvgPrice      decimal.Decimal
	Status        OrderStatus
	Matched       bool
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsMarketBuy reports whether the order targets a quote spend.
func (o *Order) IsMarketBuy() bool {
	return o.Type == OrderTypeMarket && o.Side == OrderSideBuy
}

// Remaining is the unfilled part of the order's target: quote for a market
// buy, base otherwise. It never goes below zero.
func (o *Order) Remaining() decimal.Decimal {
	var r decimal.Decimal
	if o.IsMarketBuy() {
		r = o.QuoteAmount.Sub(o.QuoteFilled)
	} else {
		r = o.Amount.Sub(o.Filled)
	}
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// IsFullyFilled reports whether the fill reached the order's target.
func (o *Order) IsFullyFilled() bool {
	if o.IsMarketBuy() {
		return o.QuoteFilled.GreaterThanOrEqual(o.QuoteAmount)
	}
	return o.Filled.GreaterThanOrEqual(o.Amount)
}

// AddFill records an execution of qty base units for quote quote units. It
// enforces the fill bound and leaves the order untouched on error.
func (o *Order) AddFill(qty, quote decimal.Decimal) error {
	if !qty.IsPositive() {
		return ErrInvalidOrder
	}
	filled := o.Filled.Add(qty)
	quoteFilled := o.QuoteFilled.Add(quote)
	if o.IsMarketBuy() {
		if quoteFilled.GreaterThan(o.QuoteAmount) {
			return ErrOverfill
		}
	} else if filled.GreaterThan(o.Amount) {
		return ErrOverfill
	}
	o.Filled = filled
	o.QuoteFilled = quoteFilled
	if filled.IsPositive() {
		o.AvgPrice = quoteFilled.DivRound(filled, PriceScale)
	}
	return nil
}

// FrozenAsset returns which side of the market the order froze funds in.
func (o *Order) FrozenAsset(m Market) string {
	if o.Side == OrderSideBuy {
		return m.Quote
	}
	return m.Base
}

// FrozenResidual is the part of FrozenAmount not consumed by fills.
func (o *Order) FrozenResidual() decimal.Decimal {
	r := o.FrozenAmount.Sub(o.FrozenUsed)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Clone returns a copy safe to hand to another goroutine.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// RequiredFreeze is the amount an order must freeze at placement: price*amount
// in quote for a limit buy, quoteAmount for a market buy and amount in base for
// any sell.
func RequiredFreeze(o *Order) decimal.Decimal {
	switch {
	case o.Side == OrderSideSell:
		return o.Amount
	case o.Type == OrderTypeMarket:
		return o.QuoteAmount
	default:
		return QuoteValue(o.Price, o.Amount)
	}
}
