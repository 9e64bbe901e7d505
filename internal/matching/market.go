package matching

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cexcore/internal/domain"
	"github.com/alanyoungcy/cexcore/internal/orderbook"
)

// MarketStrategy takes liquidity with no price bound and never rests. A sell
// consumes base quantity; a buy spends its quote amount, buying at each level
// only what the remaining quote affords. Whatever is left when the book runs
// dry closes the order.
type MarketStrategy struct{}

// Match implements Strategy.
func (MarketStrategy) Match(taker *domain.Order, book *orderbook.Book, stp SelfTradePolicy, res *Result) error {
	opp := taker.Side.Opposite()
	for taker.Remaining().IsPositive() {
		maker, ok := book.Head(opp)
		if !ok {
			break
		}
		if maker.UserID == taker.UserID {
			if stp.HandleSelfTrade(taker, maker, book, res) {
				return nil
			}
			continue
		}

		var qty decimal.Decimal
		if taker.IsMarketBuy() {
			qty = decimal.Min(domain.AffordableQty(taker.Remaining(), maker.Price), maker.Remaining())
		} else {
			qty = decimal.Min(taker.Remaining(), maker.Remaining())
		}
		if !qty.IsPositive() {
			break
		}
		if err := res.fill(taker, maker, qty, book); err != nil {
			return err
		}
	}

	if res.Close == domain.CloseNone && !taker.IsFullyFilled() {
		res.Close = domain.CloseDepthExhausted
	}
	return nil
}
