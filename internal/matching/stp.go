package matching

import (
	"github.com/alanyoungcy/cexcore/internal/domain"
	"github.com/alanyoungcy/cexcore/internal/orderbook"
)

// Self-trade prevention policy names, as used in config.
const (
	STPExpireTaker = "expire_taker"
	STPCancelMaker = "cancel_maker"
	STPCancelBoth  = "cancel_both"
)

// SelfTradePolicy decides what happens when the best resting order belongs to
// the taker's own user. It returns true when matching must stop.
type SelfTradePolicy interface {
	HandleSelfTrade(taker, maker *domain.Order, book *orderbook.Book, res *Result) bool
}

// ExpireTaker closes the taker and leaves the maker untouched.
type ExpireTaker struct{}

func (ExpireTaker) HandleSelfTrade(_, _ *domain.Order, _ *orderbook.Book, res *Result) bool {
	res.Close = domain.CloseSelfTrade
	return true
}

// CancelMaker pulls the resting order and lets the taker keep matching.
type CancelMaker struct{}

func (CancelMaker) HandleSelfTrade(_, maker *domain.Order, book *orderbook.Book, res *Result) bool {
	cancelMaker(maker, book, res)
	return false
}

// CancelBoth pulls the resting order and closes the taker.
type CancelBoth struct{}

func (CancelBoth) HandleSelfTrade(_, maker *domain.Order, book *orderbook.Book, res *Result) bool {
	cancelMaker(maker, book, res)
	res.Close = domain.CloseSelfTrade
	return true
}

func cancelMaker(maker *domain.Order, book *orderbook.Book, res *Result) {
	if o, ok := book.Remove(maker.ID); ok {
		res.CanceledMakers = append(res.CanceledMakers, o.Clone())
	}
}
