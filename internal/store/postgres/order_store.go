package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/cexcore/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	db querier
}

// Create inserts a new order at version 1.
func (s *OrderStore) Create(ctx context.Context, o *domain.Order) error {
	var clientID *string
	if o.ClientOrderID != "" {
		clientID = &o.ClientOrderID
	}

	const query = `
		INSERT INTO orders (
			id, client_order_id, user_id, symbol, order_type, side,
			price, amount, quote_amount, filled, quote_filled,
			frozen_amount, frozen_used, avg_price, status, matched,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16,
			1, $17, $18
		)`

	_, err := s.db.Exec(ctx, query,
		o.ID, clientID, o.UserID, o.Symbol, string(o.Type), string(o.Side),
		o.Price, o.Amount, o.QuoteAmount, o.Filled, o.QuoteFilled,
		o.FrozenAmount, o.FrozenUsed, o.AvgPrice, string(o.Status), o.Matched,
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, classify(err))
	}
	o.Version = 1
	return nil
}

// Update writes the order's mutable fields when the stored version still
// equals o.Version, then bumps o.Version.
func (s *OrderStore) Update(ctx context.Context, o *domain.Order) error {
	const query = `
		UPDATE orders SET
			filled = $1, quote_filled = $2, frozen_used = $3, avg_price = $4,
			status = $5, matched = $6, updated_at = $7, version = version + 1
		WHERE id = $8 AND version = $9`

	tag, err := s.db.Exec(ctx, query,
		o.Filled, o.QuoteFilled, o.FrozenUsed, o.AvgPrice,
		string(o.Status), o.Matched, o.UpdatedAt,
		o.ID, o.Version,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", o.ID, classify(err))
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: update order %s: %w", o.ID, classify(err))
		}
		if !exists {
			return fmt.Errorf("postgres: update order %s: %w", o.ID, domain.ErrNotFound)
		}
		return fmt.Errorf("postgres: update order %s at version %d: %w", o.ID, o.Version, domain.ErrConcurrentUpdate)
	}
	o.Version++
	return nil
}

const orderSelectCols = `id, COALESCE(client_order_id, ''), user_id, symbol, order_type, side,
	price, amount, quote_amount, filled, quote_filled,
	frozen_amount, frozen_used, avg_price, status, matched,
	version, created_at, updated_at`

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	var orderType, side, status string
	err := row.Scan(
		&o.ID, &o.ClientOrderID, &o.UserID, &o.Symbol, &orderType, &side,
		&o.Price, &o.Amount, &o.QuoteAmount, &o.Filled, &o.QuoteFilled,
		&o.FrozenAmount, &o.FrozenUsed, &o.AvgPrice, &status, &o.Matched,
		&o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Type = domain.OrderType(orderType)
	o.Side = domain.OrderSide(side)
	o.Status = domain.OrderStatus(status)
	return &o, nil
}

func (s *OrderStore) queryOrders(ctx context.Context, op, query string, args ...any) ([]*domain.Order, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, classify(err))
	}
	defer rows.Close()

	var out []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return out, nil
}

// GetByID returns an order or ErrNotFound.
func (s *OrderStore) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("postgres: get order %s: %w", id, classify(err))
	}
	return o, nil
}

// GetByClientID returns the user's order carrying clientOrderID.
func (s *OrderStore) GetByClientID(ctx context.Context, userID int64, clientOrderID string) (*domain.Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE user_id = $1 AND client_order_id = $2`,
		userID, clientOrderID,
	))
	if err != nil {
		return nil, fmt.Errorf("postgres: get order by client id %s: %w", clientOrderID, classify(err))
	}
	return o, nil
}

// ListByUser returns the user's orders, newest first.
func (s *OrderStore) ListByUser(ctx context.Context, userID int64, opts domain.ListOpts) ([]*domain.Order, error) {
	query, args := listClause(`SELECT `+orderSelectCols+` FROM orders WHERE user_id = $1`, []any{userID}, "created_at", opts)
	return s.queryOrders(ctx, "list orders by user", query, args...)
}

// ListUnmatched returns NEW orders that never passed through their lane,
// oldest first.
func (s *OrderStore) ListUnmatched(ctx context.Context, symbol string) ([]*domain.Order, error) {
	return s.queryOrders(ctx, "list unmatched orders",
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE symbol = $1 AND status = 'NEW' AND matched = FALSE
		 ORDER BY created_at, id`, symbol)
}

// ListOpen returns resting limit orders, oldest first.
func (s *OrderStore) ListOpen(ctx context.Context, symbol string) ([]*domain.Order, error) {
	return s.queryOrders(ctx, "list open orders",
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE symbol = $1 AND order_type = 'LIMIT' AND status IN ('NEW', 'PARTIAL') AND matched = TRUE
		 ORDER BY created_at, id`, symbol)
}

// ListClosedBefore returns terminal orders last updated before the cutoff.
func (s *OrderStore) ListClosedBefore(ctx context.Context, before time.Time) ([]*domain.Order, error) {
	return s.queryOrders(ctx, "list closed orders",
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE status IN ('FILLED', 'CANCELED', 'PARTIALLY_FILLED_AND_CLOSED') AND updated_at < $1
		 ORDER BY updated_at`, before)
}
