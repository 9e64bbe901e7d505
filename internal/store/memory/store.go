// Package memory is an in-process implementation of the store ports. It keeps
// the same transactional and optimistic-versioning contract as the postgres
// stores and backs dev mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/cexcore/internal/domain"
)

type balanceKey struct {
	userID int64
	asset  string
}

// Store holds committed state. Writes go through a txn and are validated and
// applied under the store lock at commit.
type Store struct {
	mu        sync.RWMutex
	orders    map[string]domain.Order
	clientIdx map[string]string
	trades    []domain.Trade
	balances  map[balanceKey]domain.Balance
	ledger    []domain.LedgerEntry
	audit     []domain.AuditEntry
}

// New returns an empty store.
func New() *Store {
	return &Store{
		orders:    make(map[string]domain.Order),
		clientIdx: make(map[string]string),
		balances:  make(map[balanceKey]domain.Balance),
	}
}

var _ domain.Store = (*Store)(nil)

func clientKey(userID int64, clientID string) string {
	return fmt.Sprintf("%d:%s", userID, clientID)
}

type orderWrite struct {
	o      domain.Order
	create bool
	base   int64
}

type balanceWrite struct {
	b    domain.Balance
	base int64
}

// txn buffers writes until commit.
type txn struct {
	s        *Store
	orders   map[string]*orderWrite
	order    []string
	balances map[balanceKey]*balanceWrite
	trades   []domain.Trade
	ledger   []domain.LedgerEntry
}

func (s *Store) begin() *txn {
	return &txn{
		s:        s,
		orders:   make(map[string]*orderWrite),
		balances: make(map[balanceKey]*balanceWrite),
	}
}

func (t *txn) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range t.order {
		w := t.orders[id]
		cur, exists := s.orders[id]
		if w.create {
			if exists {
				return fmt.Errorf("memory: create order %s: %w", id, domain.ErrDuplicateOrder)
			}
			if w.o.ClientOrderID != "" {
				if _, taken := s.clientIdx[clientKey(w.o.UserID, w.o.ClientOrderID)]; taken {
					return fmt.Errorf("memory: create order %s: %w", id, domain.ErrDuplicateOrder)
				}
			}
			continue
		}
		if !exists {
			return fmt.Errorf("memory: update order %s: %w", id, domain.ErrNotFound)
		}
		if cur.Version != w.base {
			return fmt.Errorf("memory: update order %s: %w", id, domain.ErrConcurrentUpdate)
		}
	}
	for k, w := range t.balances {
		if s.balances[k].Version != w.base {
			return fmt.Errorf("memory: put balance %d/%s: %w", k.userID, k.asset, domain.ErrConcurrentUpdate)
		}
	}

	for _, id := range t.order {
		w := t.orders[id]
		s.orders[id] = w.o
		if w.create && w.o.ClientOrderID != "" {
			s.clientIdx[clientKey(w.o.UserID, w.o.ClientOrderID)] = id
		}
	}
	for k, w := range t.balances {
		s.balances[k] = w.b
	}
	s.trades = append(s.trades, t.trades...)
	s.ledger = append(s.ledger, t.ledger...)
	return nil
}

func (t *txn) Orders() domain.OrderStore     { return orderStore{t: t} }
func (t *txn) Trades() domain.TradeStore     { return tradeStore{t: t} }
func (t *txn) Balances() domain.BalanceStore { return balanceStore{t: t} }
func (t *txn) Ledger() domain.LedgerStore    { return ledgerStore{t: t} }

// InTx implements domain.Store.
func (s *Store) InTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := s.begin()
	if err := fn(t); err != nil {
		return err
	}
	return t.commit()
}

// autocommit runs a single write outside an explicit transaction.
func (s *Store) autocommit(fn func(t *txn) error) error {
	t := s.begin()
	if err := fn(t); err != nil {
		return err
	}
	return t.commit()
}

func (s *Store) Orders() domain.OrderStore     { return orderStore{s: s} }
func (s *Store) Trades() domain.TradeStore     { return tradeStore{s: s} }
func (s *Store) Balances() domain.BalanceStore { return balanceStore{s: s} }
func (s *Store) Ledger() domain.LedgerStore    { return ledgerStore{s: s} }
func (s *Store) Audit() domain.AuditStore      { return auditStore{s: s} }

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// ---------------------------------------------------------------------------
// orders
// ---------------------------------------------------------------------------

type orderStore struct {
	s *Store
	t *txn
}

func (st orderStore) store() *Store {
	if st.t != nil {
		return st.t.s
	}
	return st.s
}

func (st orderStore) write(fn func(t *txn) error) error {
	if st.t != nil {
		return fn(st.t)
	}
	return st.s.autocommit(fn)
}

func (st orderStore) Create(_ context.Context, o *domain.Order) error {
	return st.write(func(t *txn) error {
		if _, ok := t.orders[o.ID]; ok {
			return fmt.Errorf("memory: create order %s: %w", o.ID, domain.ErrDuplicateOrder)
		}
		o.Version = 1
		t.orders[o.ID] = &orderWrite{o: *o, create: true}
		t.order = append(t.order, o.ID)
		return nil
	})
}

func (st orderStore) Update(_ context.Context, o *domain.Order) error {
	return st.write(func(t *txn) error {
		if w, ok := t.orders[o.ID]; ok {
			if w.o.Version != o.Version {
				return fmt.Errorf("memory: update order %s: %w", o.ID, domain.ErrConcurrentUpdate)
			}
			o.Version++
			w.o = *o
			return nil
		}
		t.s.mu.RLock()
		cur, ok := t.s.orders[o.ID]
		t.s.mu.RUnlock()
		if !ok {
			return fmt.Errorf("memory: update order %s: %w", o.ID, domain.ErrNotFound)
		}
		if cur.Version != o.Version {
			return fmt.Errorf("memory: update order %s: %w", o.ID, domain.ErrConcurrentUpdate)
		}
		o.Version++
		t.orders[o.ID] = &orderWrite{o: *o, base: cur.Version}
		t.order = append(t.order, o.ID)
		return nil
	})
}

func (st orderStore) GetByID(_ context.Context, id string) (*domain.Order, error) {
	if st.t != nil {
		if w, ok := st.t.orders[id]; ok {
			o := w.o
			return &o, nil
		}
	}
	s := st.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("memory: get order %s: %w", id, domain.ErrNotFound)
	}
	return &o, nil
}

func (st orderStore) GetByClientID(ctx context.Context, userID int64, clientOrderID string) (*domain.Order, error) {
	if st.t != nil {
		for _, w := range st.t.orders {
			if w.o.UserID == userID && w.o.ClientOrderID == clientOrderID {
				o := w.o
				return &o, nil
			}
		}
	}
	s := st.store()
	s.mu.RLock()
	id, ok := s.clientIdx[clientKey(userID, clientOrderID)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("memory: get order by client id %s: %w", clientOrderID, domain.ErrNotFound)
	}
	return st.GetByID(ctx, id)
}

func (st orderStore) filter(keep func(o domain.Order) bool) []*domain.Order {
	s := st.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Order, 0)
	for _, o := range s.orders {
		if keep(o) {
			c := o
			out = append(out, &c)
		}
	}
	return out
}

func (st orderStore) ListByUser(_ context.Context, userID int64, opts domain.ListOpts) ([]*domain.Order, error) {
	out := st.filter(func(o domain.Order) bool {
		return o.UserID == userID && inRange(o.CreatedAt, opts)
	})
	sort.Slice(out, func(i, j int) bool { return newerFirst(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID) })
	return page(out, opts), nil
}

func (st orderStore) ListUnmatched(_ context.Context, symbol string) ([]*domain.Order, error) {
	out := st.filter(func(o domain.Order) bool {
		return o.Symbol == symbol && o.Status == domain.OrderStatusNew && !o.Matched
	})
	sort.Slice(out, func(i, j int) bool { return !newerFirst(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID) })
	return out, nil
}

func (st orderStore) ListOpen(_ context.Context, symbol string) ([]*domain.Order, error) {
	out := st.filter(func(o domain.Order) bool {
		return o.Symbol == symbol && o.Type == domain.OrderTypeLimit && o.Status.Open() && o.Matched
	})
	sort.Slice(out, func(i, j int) bool { return !newerFirst(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID) })
	return out, nil
}

func (st orderStore) ListClosedBefore(_ context.Context, before time.Time) ([]*domain.Order, error) {
	out := st.filter(func(o domain.Order) bool {
		return o.Status.Terminal() && o.UpdatedAt.Before(before)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// ---------------------------------------------------------------------------
// trades
// ---------------------------------------------------------------------------

type tradeStore struct {
	s *Store
	t *txn
}

func (ts tradeStore) store() *Store {
	if ts.t != nil {
		return ts.t.s
	}
	return ts.s
}

func (ts tradeStore) Insert(_ context.Context, tr domain.Trade) error {
	if ts.t != nil {
		ts.t.trades = append(ts.t.trades, tr)
		return nil
	}
	return ts.s.autocommit(func(t *txn) error {
		t.trades = append(t.trades, tr)
		return nil
	})
}

func (ts tradeStore) ListBySymbol(_ context.Context, symbol string, opts domain.ListOpts) ([]domain.Trade, error) {
	s := ts.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Trade, 0)
	for i := len(s.trades) - 1; i >= 0; i-- {
		if tr := s.trades[i]; tr.Symbol == symbol && inRange(tr.CreatedAt, opts) {
			out = append(out, tr)
		}
	}
	return page(out, opts), nil
}

func (ts tradeStore) ListBefore(_ context.Context, before time.Time) ([]domain.Trade, error) {
	s := ts.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Trade, 0)
	for _, tr := range s.trades {
		if tr.CreatedAt.Before(before) {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (ts tradeStore) LastPrice(_ context.Context, symbol string) (domain.Trade, error) {
	s := ts.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].Symbol == symbol {
			return s.trades[i], nil
		}
	}
	return domain.Trade{}, fmt.Errorf("memory: last trade %s: %w", symbol, domain.ErrNotFound)
}

// ---------------------------------------------------------------------------
// balances
// ---------------------------------------------------------------------------

type balanceStore struct {
	s *Store
	t *txn
}

func (bs balanceStore) Get(_ context.Context, userID int64, asset string) (domain.Balance, error) {
	k := balanceKey{userID, asset}
	if bs.t != nil {
		if w, ok := bs.t.balances[k]; ok {
			return w.b, nil
		}
	}
	s := bs.s
	if bs.t != nil {
		s = bs.t.s
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[k]
	if !ok {
		return domain.Balance{UserID: userID, Asset: asset}, nil
	}
	return b, nil
}

func (bs balanceStore) Put(ctx context.Context, b *domain.Balance) error {
	put := func(t *txn) error {
		k := balanceKey{b.UserID, b.Asset}
		if w, ok := t.balances[k]; ok {
			if w.b.Version != b.Version {
				return fmt.Errorf("memory: put balance %d/%s: %w", b.UserID, b.Asset, domain.ErrConcurrentUpdate)
			}
			b.Version++
			w.b = *b
			return nil
		}
		t.s.mu.RLock()
		cur := t.s.balances[k]
		t.s.mu.RUnlock()
		if cur.Version != b.Version {
			return fmt.Errorf("memory: put balance %d/%s: %w", b.UserID, b.Asset, domain.ErrConcurrentUpdate)
		}
		base := b.Version
		b.Version++
		t.balances[k] = &balanceWrite{b: *b, base: base}
		return nil
	}
	if bs.t != nil {
		return put(bs.t)
	}
	return bs.s.autocommit(put)
}

func (bs balanceStore) ListByUser(_ context.Context, userID int64) ([]domain.Balance, error) {
	s := bs.s
	if bs.t != nil {
		s = bs.t.s
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Balance, 0)
	for k, b := range s.balances {
		if k.userID == userID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

// ---------------------------------------------------------------------------
// ledger
// ---------------------------------------------------------------------------

type ledgerStore struct {
	s *Store
	t *txn
}

func (ls ledgerStore) store() *Store {
	if ls.t != nil {
		return ls.t.s
	}
	return ls.s
}

func (ls ledgerStore) Append(_ context.Context, e domain.LedgerEntry) error {
	if ls.t != nil {
		ls.t.ledger = append(ls.t.ledger, e)
		return nil
	}
	return ls.s.autocommit(func(t *txn) error {
		t.ledger = append(t.ledger, e)
		return nil
	})
}

func (ls ledgerStore) ListByUser(_ context.Context, userID int64, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	s := ls.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.LedgerEntry, 0)
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if e := s.ledger[i]; e.UserID == userID && inRange(e.CreatedAt, opts) {
			out = append(out, e)
		}
	}
	return page(out, opts), nil
}

func (ls ledgerStore) ListBefore(_ context.Context, before time.Time) ([]domain.LedgerEntry, error) {
	s := ls.store()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.LedgerEntry, 0)
	for _, e := range s.ledger {
		if e.CreatedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// audit
// ---------------------------------------------------------------------------

type auditStore struct {
	s *Store
}

func (as auditStore) Log(_ context.Context, event string, detail map[string]any) error {
	as.s.mu.Lock()
	defer as.s.mu.Unlock()
	as.s.audit = append(as.s.audit, domain.AuditEntry{
		ID:        int64(len(as.s.audit) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (as auditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	as.s.mu.RLock()
	defer as.s.mu.RUnlock()
	out := make([]domain.AuditEntry, 0, len(as.s.audit))
	for i := len(as.s.audit) - 1; i >= 0; i-- {
		if e := as.s.audit[i]; inRange(e.CreatedAt, opts) {
			out = append(out, e)
		}
	}
	return page(out, opts), nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func inRange(ts time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && ts.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && !ts.Before(*opts.Until) {
		return false
	}
	return true
}

func newerFirst(a, b time.Time, aID, bID string) bool {
	if !a.Equal(b) {
		return a.After(b)
	}
	return aID > bID
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return items[:0]
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}
