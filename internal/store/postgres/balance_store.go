package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/cexcore/internal/domain"
)

// BalanceStore implements domain.BalanceStore using PostgreSQL.
type BalanceStore struct {
	db querier
}

// Get returns the balance row, or a zero balance at version 0 when the user
// never held the asset.
func (s *BalanceStore) Get(ctx context.Context, userID int64, asset string) (domain.Balance, error) {
	const query = `
		SELECT user_id, asset, available, frozen, version, updated_at
		FROM balances WHERE user_id = $1 AND asset = $2`

	var b domain.Balance
	err := s.db.QueryRow(ctx, query, userID, asset).Scan(
		&b.UserID, &b.Asset, &b.Available, &b.Frozen, &b.Version, &b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Balance{UserID: userID, Asset: asset}, nil
	}
	if err != nil {
		return domain.Balance{}, fmt.Errorf("postgres: get balance %d/%s: %w", userID, asset, classify(err))
	}
	return b, nil
}

// Put inserts the row when b.Version is 0 and otherwise updates it under a
// version check. b.Version is bumped on success.
func (s *BalanceStore) Put(ctx context.Context, b *domain.Balance) error {
	var (
		query string
		args  []any
	)
	if b.Version == 0 {
		query = `
			INSERT INTO balances (user_id, asset, available, frozen, version, updated_at)
			VALUES ($1, $2, $3, $4, 1, $5)
			ON CONFLICT (user_id, asset) DO NOTHING`
		args = []any{b.UserID, b.Asset, b.Available, b.Frozen, b.UpdatedAt}
	} else {
		query = `
			UPDATE balances SET available = $1, frozen = $2, updated_at = $3, version = version + 1
			WHERE user_id = $4 AND asset = $5 AND version = $6`
		args = []any{b.Available, b.Frozen, b.UpdatedAt, b.UserID, b.Asset, b.Version}
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: put balance %d/%s: %w", b.UserID, b.Asset, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: put balance %d/%s at version %d: %w", b.UserID, b.Asset, b.Version, domain.ErrConcurrentUpdate)
	}
	b.Version++
	return nil
}

// ListByUser returns every balance row the user has, ordered by asset.
func (s *BalanceStore) ListByUser(ctx context.Context, userID int64) ([]domain.Balance, error) {
	const query = `
		SELECT user_id, asset, available, frozen, version, updated_at
		FROM balances WHERE user_id = $1 ORDER BY asset`

	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list balances %d: %w", userID, classify(err))
	}
	defer rows.Close()

	var out []domain.Balance
	for rows.Next() {
		var b domain.Balance
		if err := rows.Scan(&b.UserID, &b.Asset, &b.Available, &b.Frozen, &b.Version, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan balance: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list balances rows: %w", err)
	}
	return out, nil
}
