package settlement

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cexcore/internal/domain"
)

// FeeAccountID is the user that collects trading fees.
const FeeAccountID int64 = 0

// FeeHook decides the fee charged on a trade: buyerFee is taken from the
// base the buyer receives, sellerFee from the quote the seller receives.
type FeeHook interface {
	Fees(m domain.Market, t domain.Trade) (buyerFee, sellerFee decimal.Decimal)
}

// NoFees charges nothing.
type NoFees struct{}

// Fees implements FeeHook.
func (NoFees) Fees(domain.Market, domain.Trade) (decimal.Decimal, decimal.Decimal) {
	return decimal.Zero, decimal.Zero
}

// FlatRate charges the same rate on both sides, rounded HALF_UP.
type FlatRate struct {
	Rate decimal.Decimal
}

// Fees implements FeeHook.
func (f FlatRate) Fees(_ domain.Market, t domain.Trade) (decimal.Decimal, decimal.Decimal) {
	if !f.Rate.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	return domain.RoundValue(t.Quantity.Mul(f.Rate)), domain.RoundValue(t.QuoteQty.Mul(f.Rate))
}
