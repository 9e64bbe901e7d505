package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/cexcore/internal/domain"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL.
type LedgerStore struct {
	db querier
}

const ledgerSelectCols = `id, user_id, asset, amount, entry_type, reference,
	before_available, before_frozen, after_available, after_frozen, created_at`

// Append writes one ledger entry.
func (s *LedgerStore) Append(ctx context.Context, e domain.LedgerEntry) error {
	const query = `
		INSERT INTO ledger_entries (
			id, user_id, asset, amount, entry_type, reference,
			before_available, before_frozen, after_available, after_frozen, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.db.Exec(ctx, query,
		e.ID, e.UserID, e.Asset, e.Amount, string(e.Type), e.Reference,
		e.BeforeAvailable, e.BeforeFrozen, e.AfterAvailable, e.AfterFrozen, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append ledger entry %s: %w", e.ID, classify(err))
	}
	return nil
}

func scanLedgerRows(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var entryType string
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.Asset, &e.Amount, &entryType, &e.Reference,
			&e.BeforeAvailable, &e.BeforeFrozen, &e.AfterAvailable, &e.AfterFrozen, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.Type = domain.LedgerType(entryType)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListByUser returns the user's entries, newest first.
func (s *LedgerStore) ListByUser(ctx context.Context, userID int64, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	query, args := listClause(`SELECT `+ledgerSelectCols+` FROM ledger_entries WHERE user_id = $1`, []any{userID}, "created_at", opts)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledger entries %d: %w", userID, classify(err))
	}
	defer rows.Close()

	entries, err := scanLedgerRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan ledger entries: %w", err)
	}
	return entries, nil
}

// ListBefore returns entries written before the cutoff, oldest first.
func (s *LedgerStore) ListBefore(ctx context.Context, before time.Time) ([]domain.LedgerEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+ledgerSelectCols+` FROM ledger_entries WHERE created_at < $1 ORDER BY created_at, id`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ledger entries before %s: %w", before.Format(time.RFC3339), classify(err))
	}
	defer rows.Close()

	entries, err := scanLedgerRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan ledger entries: %w", err)
	}
	return entries, nil
}
