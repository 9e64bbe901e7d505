package matching

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cexcore/internal/domain"
	"github.com/alanyoungcy/cexcore/internal/orderbook"
)

// LimitStrategy walks the opposite side while the taker crosses, trading at
// maker prices, and rests any remainder at the taker's limit price.
type LimitStrategy struct{}

// Match implements Strategy.
func (LimitStrategy) Match(taker *domain.Order, book *orderbook.Book, stp SelfTradePolicy, res *Result) error {
	opp := taker.Side.Opposite()
	for taker.Remaining().IsPositive() {
		maker, ok := book.Head(opp)
		if !ok || !crosses(taker, maker.Price) {
			break
		}
		if maker.UserID == taker.UserID {
			if stp.HandleSelfTrade(taker, maker, book, res) {
				return nil
			}
			continue
		}
		qty := decimal.Min(taker.Remaining(), maker.Remaining())
		if err := res.fill(taker, maker, qty, book); err != nil {
			return err
		}
	}

	if res.Close == domain.CloseNone && taker.Remaining().IsPositive() {
		if err := book.Add(taker); err != nil {
			return err
		}
		res.Rested = true
	}
	return nil
}
