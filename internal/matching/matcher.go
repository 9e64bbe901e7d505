package matching

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/cexcore/internal/domain"
	"github.com/alanyoungcy/cexcore/internal/orderbook"
)

// EventKind tags a lane event.
type EventKind int

const (
	EventPlace EventKind = iota + 1
	EventCancel
)

func (k EventKind) String() string {
	switch k {
	case EventPlace:
		return "place"
	case EventCancel:
		return "cancel"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is the unit sequenced through a symbol's lane.
type Event struct {
	Kind  EventKind
	Order *domain.Order // EventPlace

	OrderID string // EventCancel
	UserID  int64  // EventCancel

	EnqueuedAt time.Time
}

// PlaceEvent wraps an order for the lane.
func PlaceEvent(o *domain.Order) Event {
	return Event{Kind: EventPlace, Order: o, OrderID: o.ID, UserID: o.UserID}
}

// CancelEvent asks the lane to pull an order from the book.
func CancelEvent(orderID string, userID int64) Event {
	return Event{Kind: EventCancel, OrderID: orderID, UserID: userID}
}

// Outcome is everything the match stage decided for one event. Orders in it
// are copies; the book keeps the originals.
type Outcome struct {
	Seq    uint64
	Symbol string
	Event  Event

	// Taker is the incoming order after matching, or for a cancel, the order
	// pulled from the book. It is nil for a cancel of an order not resting.
	Taker          *domain.Order
	Trades         []domain.Trade
	Close          domain.CloseReason
	CanceledMakers []*domain.Order
	Rested         bool

	Snapshot domain.BookSnapshot
	Image    *domain.BookImage

	// Err is set when the event was rejected by the match stage.
	Err error

	MatchedAt time.Time
}

// Matcher applies events to one book. It is not safe for concurrent use.
type Matcher struct {
	book       *orderbook.Book
	strategies *Registry
	stp        SelfTradePolicy
	depth      int
	seq        uint64
	now        func() time.Time
	newID      func() string
}

// MatcherOption customises a Matcher.
type MatcherOption func(*Matcher)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) MatcherOption {
	return func(m *Matcher) { m.now = now }
}

// WithIDs overrides trade id generation.
func WithIDs(newID func() string) MatcherOption {
	return func(m *Matcher) { m.newID = newID }
}

// NewMatcher returns a matcher over book. depth bounds the levels per side in
// published snapshots, zero meaning all.
func NewMatcher(book *orderbook.Book, strategies *Registry, stp SelfTradePolicy, depth int, opts ...MatcherOption) *Matcher {
	m := &Matcher{
		book:       book,
		strategies: strategies,
		stp:        stp,
		depth:      depth,
		now:        time.Now,
		newID:      func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Book returns the underlying book.
func (m *Matcher) Book() *orderbook.Book { return m.book }

// Seq returns the sequence number of the last handled event.
func (m *Matcher) Seq() uint64 { return m.seq }

// SetSeq continues numbering after a restored image.
func (m *Matcher) SetSeq(seq uint64) { m.seq = seq }

// Handle applies one event and reports its outcome.
func (m *Matcher) Handle(ev Event) *Outcome {
	m.seq++
	now := m.now().UTC()
	out := &Outcome{Seq: m.seq, Symbol: m.book.Symbol(), Event: ev, MatchedAt: now}

	switch ev.Kind {
	case EventPlace:
		m.place(ev.Order, now, out)
	case EventCancel:
		m.cancel(ev, out)
	default:
		out.Err = fmt.Errorf("matching: unknown event %s: %w", ev.Kind, domain.ErrInvalidOrder)
	}

	out.Snapshot = m.Snapshot(now)
	return out
}

func (m *Matcher) place(taker *domain.Order, now time.Time, out *Outcome) {
	strat, err := m.strategies.Get(taker.Type)
	if err != nil {
		out.Err = err
		out.Close = domain.CloseRejected
		out.Taker = taker.Clone()
		return
	}
	res := NewResult(now, m.newID)
	err = strat.Match(taker, m.book, m.stp, res)

	out.Taker = taker.Clone()
	out.Trades = res.Trades
	out.CanceledMakers = res.CanceledMakers
	out.Close = res.Close
	out.Rested = res.Rested
	if err != nil {
		out.Err = err
		if !res.Rested && out.Close == domain.CloseNone && !taker.IsFullyFilled() {
			out.Close = domain.CloseRejected
		}
	}
}

func (m *Matcher) cancel(ev Event, out *Outcome) {
	out.Close = domain.CloseUserCancel
	o, ok := m.book.Get(ev.OrderID)
	if !ok {
		return
	}
	if o.UserID != ev.UserID {
		out.Err = fmt.Errorf("matching: cancel %s: %w", ev.OrderID, domain.ErrOrderNotFound)
		out.Close = domain.CloseNone
		return
	}
	m.book.Remove(o.ID)
	out.Taker = o.Clone()
}

// Snapshot aggregates the book at the current sequence number.
func (m *Matcher) Snapshot(now time.Time) domain.BookSnapshot {
	bids, asks := m.book.Snapshot(m.depth)
	return domain.BookSnapshot{
		Symbol:    m.book.Symbol(),
		Seq:       m.seq,
		Bids:      bids,
		Asks:      asks,
		Timestamp: now,
	}
}

// Image captures the resting orders at the current sequence number.
func (m *Matcher) Image() domain.BookImage {
	return domain.BookImage{
		Symbol:    m.book.Symbol(),
		Seq:       m.seq,
		Orders:    m.book.Image(),
		Timestamp: m.now().UTC(),
	}
}

// Restore loads an image into the book and continues numbering after it.
func (m *Matcher) Restore(img domain.BookImage) error {
	if err := m.book.Restore(img.Orders); err != nil {
		return err
	}
	m.seq = img.Seq
	return nil
}
