package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one execution between a resting maker and an incoming taker. It is
// created by a match strategy and never changes afterwards.
type Trade struct {
	ID           string
	Symbol       string
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	QuoteQty     decimal.Decimal
	BuyOrderID   string
	SellOrderID  string
	BuyerUserID  int64
	SellerUserID int64
	TakerSide    OrderSide
	CreatedAt    time.Time
}

// Reference is the ledger reference used for every posting of the trade.
func (t Trade) Reference() string {
	return "trade:" + t.BuyOrderID + "/" + t.SellOrderID
}
