package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderStore persists exchange orders. Update is an optimistic write: it
// succeeds only when the stored version equals o.Version and bumps o.Version
// on success, returning ErrConcurrentUpdate otherwise.
type OrderStore interface {
	Create(ctx context.Context, o *Order) error
	Update(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	GetByClientID(ctx context.Context, userID int64, clientOrderID string) (*Order, error)
	ListByUser(ctx context.Context, userID int64, opts ListOpts) ([]*Order, error)
	// ListUnmatched returns NEW orders that never passed through their lane,
	// oldest first.
	ListUnmatched(ctx context.Context, symbol string) ([]*Order, error)
	// ListOpen returns NEW and PARTIAL limit orders that have passed through
	// their lane, oldest first.
	ListOpen(ctx context.Context, symbol string) ([]*Order, error)
	ListClosedBefore(ctx context.Context, before time.Time) ([]*Order, error)
}

// TradeStore persists executed trades. Trades are append-only.
type TradeStore interface {
	Insert(ctx context.Context, t Trade) error
	ListBySymbol(ctx context.Context, symbol string, opts ListOpts) ([]Trade, error)
	ListBefore(ctx context.Context, before time.Time) ([]Trade, error)
	LastPrice(ctx context.Context, symbol string) (Trade, error)
}

// BalanceStore persists user balances with a version column. Get returns a
// zero balance with version 0 when the row does not exist yet; Put inserts it
// in that case and otherwise requires the stored version to equal b.Version.
type BalanceStore interface {
	Get(ctx context.Context, userID int64, asset string) (Balance, error)
	Put(ctx context.Context, b *Balance) error
	ListByUser(ctx context.Context, userID int64) ([]Balance, error)
}

// LedgerStore appends ledger entries.
type LedgerStore interface {
	Append(ctx context.Context, e LedgerEntry) error
	ListByUser(ctx context.Context, userID int64, opts ListOpts) ([]LedgerEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]LedgerEntry, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Tx is the set of stores bound to one transaction.
type Tx interface {
	Orders() OrderStore
	Trades() TradeStore
	Balances() BalanceStore
	Ledger() LedgerStore
}

// Store is the persistence root. InTx runs fn in a single transaction and
// commits only when fn returns nil.
type Store interface {
	Tx
	Audit() AuditStore
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}
