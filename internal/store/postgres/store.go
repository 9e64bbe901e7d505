package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/cexcore/internal/domain"
)

// SQLSTATE codes mapped onto domain errors.
const (
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// querier is the part of pgxpool.Pool and pgx.Tx the stores use.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements domain.Store over a connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ domain.Store = (*Store)(nil)

// NewStore returns a Store using the client's pool.
func NewStore(c *Client) *Store {
	return &Store{pool: c.Pool()}
}

func (s *Store) Orders() domain.OrderStore     { return &OrderStore{db: s.pool} }
func (s *Store) Trades() domain.TradeStore     { return &TradeStore{db: s.pool} }
func (s *Store) Balances() domain.BalanceStore { return &BalanceStore{db: s.pool} }
func (s *Store) Ledger() domain.LedgerStore    { return &LedgerStore{db: s.pool} }
func (s *Store) Audit() domain.AuditStore      { return &AuditStore{db: s.pool} }

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InTx runs fn in a read-committed transaction. Optimistic version checks in
// the stores detect concurrent writers; fn's error, or a commit failure,
// rolls everything back.
func (s *Store) InTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", classify(err))
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(txStores{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", classify(err))
	}
	return nil
}

type txStores struct {
	db pgx.Tx
}

func (t txStores) Orders() domain.OrderStore     { return &OrderStore{db: t.db} }
func (t txStores) Trades() domain.TradeStore     { return &TradeStore{db: t.db} }
func (t txStores) Balances() domain.BalanceStore { return &BalanceStore{db: t.db} }
func (t txStores) Ledger() domain.LedgerStore    { return &LedgerStore{db: t.db} }

// classify maps driver errors onto domain sentinels, keeping the driver
// message.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%w: %s", domain.ErrConcurrentUpdate, pgErr.Message)
		case codeUniqueViolation:
			return fmt.Errorf("%w: %s", domain.ErrDuplicateOrder, pgErr.Message)
		case codeCheckViolation:
			return fmt.Errorf("%w: %s", domain.ErrInsufficientFunds, pgErr.Message)
		}
	}
	return err
}

// listClause appends time-range and paging clauses on col to query.
func listClause(query string, args []any, col string, opts domain.ListOpts) (string, []any) {
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND %s >= $%d", col, len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND %s <= $%d", col, len(args))
	}
	query += fmt.Sprintf(" ORDER BY %s DESC", col)
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}
