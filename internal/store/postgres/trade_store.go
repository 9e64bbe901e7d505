package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/cexcore/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	db querier
}

const tradeSelectCols = `id, symbol, price, quantity, quote_qty,
	buy_order_id, sell_order_id, buyer_user_id, seller_user_id,
	taker_side, created_at`

func scanTrade(row pgx.Row) (domain.Trade, error) {
	var t domain.Trade
	var takerSide string
	err := row.Scan(
		&t.ID, &t.Symbol, &t.Price, &t.Quantity, &t.QuoteQty,
		&t.BuyOrderID, &t.SellOrderID, &t.BuyerUserID, &t.SellerUserID,
		&takerSide, &t.CreatedAt,
	)
	t.TakerSide = domain.OrderSide(takerSide)
	return t, err
}

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Insert appends a trade. Re-inserting the same trade id is a no-op so a
// replayed settlement unit cannot double-count it.
func (s *TradeStore) Insert(ctx context.Context, t domain.Trade) error {
	const query = `
		INSERT INTO trades (
			id, symbol, price, quantity, quote_qty,
			buy_order_id, sell_order_id, buyer_user_id, seller_user_id,
			taker_side, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.Exec(ctx, query,
		t.ID, t.Symbol, t.Price, t.Quantity, t.QuoteQty,
		t.BuyOrderID, t.SellOrderID, t.BuyerUserID, t.SellerUserID,
		string(t.TakerSide), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", t.ID, classify(err))
	}
	return nil
}

// ListBySymbol returns trades for a symbol, newest first.
func (s *TradeStore) ListBySymbol(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.Trade, error) {
	query, args := listClause(`SELECT `+tradeSelectCols+` FROM trades WHERE symbol = $1`, []any{symbol}, "created_at", opts)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by symbol %s: %w", symbol, classify(err))
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return trades, nil
}

// ListBefore returns trades executed before the cutoff, oldest first.
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE created_at < $1 ORDER BY created_at, id`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before %s: %w", before.Format(time.RFC3339), classify(err))
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return trades, nil
}

// LastPrice returns the most recent trade of symbol, or ErrNotFound.
func (s *TradeStore) LastPrice(ctx context.Context, symbol string) (domain.Trade, error) {
	t, err := scanTrade(s.db.QueryRow(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE symbol = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, symbol))
	if err != nil {
		return domain.Trade{}, fmt.Errorf("postgres: last trade %s: %w", symbol, classify(err))
	}
	return t, nil
}
