// Package orderbook holds the in-memory limit order book of one symbol.
//
// A Book is not safe for concurrent use; it is owned by the lane of its
// symbol and only that lane's match stage touches it.
package orderbook

import (
	"container/list"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/alanyoungcy/cexcore/internal/domain"
)

// PriceLevel is the FIFO queue of resting order ids at one price.
type PriceLevel struct {
	price decimal.Decimal
	queue *list.List
}

// Price returns the level's price.
func (l *PriceLevel) Price() decimal.Decimal { return l.price }

// Len returns the number of orders queued at the level.
func (l *PriceLevel) Len() int { return l.queue.Len() }

// FrontID returns the id of the oldest order at the level.
func (l *PriceLevel) FrontID() string {
	if e := l.queue.Front(); e != nil {
		return e.Value.(string)
	}
	return ""
}

// IDs returns the queued order ids in time priority.
func (l *PriceLevel) IDs() []string {
	ids := make([]string, 0, l.queue.Len())
	for e := l.queue.Front(); e != nil; e = e.Next() {
		ids = append(ids, e.Value.(string))
	}
	return ids
}

type entry struct {
	order *domain.Order
	elem  *list.Element
	level *PriceLevel
}

// Book is a two-sided price/time priority order book. Both sides are btrees
// ordered so that Min is the best price.
type Book struct {
	symbol string
	bids   *btree.BTreeG[*PriceLevel]
	asks   *btree.BTreeG[*PriceLevel]
	orders map[string]*entry
}

// New returns an empty book.
func New(symbol string) *Book {
	b := &Book{symbol: symbol}
	b.reset(0)
	return b
}

func (b *Book) reset(size int) {
	b.bids = btree.NewBTreeG(func(x, y *PriceLevel) bool {
		return x.price.GreaterThan(y.price)
	})
	b.asks = btree.NewBTreeG(func(x, y *PriceLevel) bool {
		return x.price.LessThan(y.price)
	})
	b.orders = make(map[string]*entry, size)
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() string { return b.symbol }

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.orders) }

func (b *Book) side(s domain.OrderSide) *btree.BTreeG[*PriceLevel] {
	if s == domain.OrderSideBuy {
		return b.bids
	}
	return b.asks
}

// Add appends the order to the tail of the queue at its price.
func (b *Book) Add(o *domain.Order) error {
	if _, dup := b.orders[o.ID]; dup {
		return fmt.Errorf("orderbook: add %s: %w", o.ID, domain.ErrDuplicateOrder)
	}
	if !o.Price.IsPositive() || !o.Side.Valid() {
		return fmt.Errorf("orderbook: add %s: %w", o.ID, domain.ErrInvalidOrder)
	}
	tree := b.side(o.Side)
	lvl, ok := tree.Get(&PriceLevel{price: o.Price})
	if !ok {
		lvl = &PriceLevel{price: o.Price, queue: list.New()}
		tree.Set(lvl)
	}
	b.orders[o.ID] = &entry{order: o, elem: lvl.queue.PushBack(o.ID), level: lvl}
	return nil
}

// Remove unlinks the order and prunes its level when it becomes empty.
func (b *Book) Remove(id string) (*domain.Order, bool) {
	e, ok := b.orders[id]
	if !ok {
		return nil, false
	}
	e.level.queue.Remove(e.elem)
	delete(b.orders, id)
	b.RemovePriceLevelIfEmpty(e.order.Side, e.level.price)
	return e.order, true
}

// Get returns the resting order with the given id.
func (b *Book) Get(id string) (*domain.Order, bool) {
	e, ok := b.orders[id]
	if !ok {
		return nil, false
	}
	return e.order, true
}

// RemovePriceLevelIfEmpty drops the level at price when its queue is empty.
func (b *Book) RemovePriceLevelIfEmpty(side domain.OrderSide, price decimal.Decimal) bool {
	tree := b.side(side)
	lvl, ok := tree.Get(&PriceLevel{price: price})
	if !ok || lvl.queue.Len() > 0 {
		return false
	}
	tree.Delete(lvl)
	return true
}

// BestBid returns the highest bid level.
func (b *Book) BestBid() (*PriceLevel, bool) { return b.bids.Min() }

// BestAsk returns the lowest ask level.
func (b *Book) BestAsk() (*PriceLevel, bool) { return b.asks.Min() }

// Best returns the best level on side.
func (b *Book) Best(side domain.OrderSide) (*PriceLevel, bool) {
	return b.side(side).Min()
}

// Head returns the oldest order at the best price on side.
func (b *Book) Head(side domain.OrderSide) (*domain.Order, bool) {
	lvl, ok := b.Best(side)
	if !ok {
		return nil, false
	}
	return b.Get(lvl.FrontID())
}

// Snapshot aggregates remaining quantity per level, best price first. depth
// limits the number of levels per side; zero means unlimited. Levels whose
// aggregate is zero are skipped.
func (b *Book) Snapshot(depth int) (bids, asks []domain.BookLevel) {
	return b.aggregate(b.bids, depth), b.aggregate(b.asks, depth)
}

func (b *Book) aggregate(tree *btree.BTreeG[*PriceLevel], depth int) []domain.BookLevel {
	out := make([]domain.BookLevel, 0)
	tree.Scan(func(lvl *PriceLevel) bool {
		qty := decimal.Zero
		for e := lvl.queue.Front(); e != nil; e = e.Next() {
			qty = qty.Add(b.orders[e.Value.(string)].order.Remaining())
		}
		if qty.IsPositive() {
			out = append(out, domain.BookLevel{Price: lvl.price, Quantity: qty})
		}
		return depth <= 0 || len(out) < depth
	})
	return out
}

// Image lists every resting order, bids then asks, in price/time priority.
func (b *Book) Image() []domain.RestingOrder {
	out := make([]domain.RestingOrder, 0, len(b.orders))
	collect := func(lvl *PriceLevel) bool {
		for e := lvl.queue.Front(); e != nil; e = e.Next() {
			o := b.orders[e.Value.(string)].order
			out = append(out, domain.RestingOrder{
				OrderID:     o.ID,
				UserID:      o.UserID,
				Side:        o.Side,
				Price:       o.Price,
				Amount:      o.Amount,
				Filled:      o.Filled,
				QuoteFilled: o.QuoteFilled,
				CreatedAt:   o.CreatedAt,
			})
		}
		return true
	}
	b.bids.Scan(collect)
	b.asks.Scan(collect)
	return out
}

// Restore replaces the book's contents with the given resting orders, keeping
// their order within each level. Orders with nothing left to fill are skipped.
func (b *Book) Restore(orders []domain.RestingOrder) error {
	b.reset(len(orders))
	for _, r := range orders {
		o := &domain.Order{
			ID:          r.OrderID,
			UserID:      r.UserID,
			Symbol:      b.symbol,
			Type:        domain.OrderTypeLimit,
			Side:        r.Side,
			Price:       r.Price,
			Amount:      r.Amount,
			Filled:      r.Filled,
			QuoteFilled: r.QuoteFilled,
			Status:      domain.OrderStatusNew,
			CreatedAt:   r.CreatedAt,
		}
		if r.Filled.IsPositive() {
			o.Status = domain.OrderStatusPartial
		}
		if !o.Remaining().IsPositive() {
			continue
		}
		if err := b.Add(o); err != nil {
			return fmt.Errorf("orderbook: restore %s: %w", b.symbol, err)
		}
	}
	return nil
}
