// Package wallet keeps user balances and their ledger. Every mutation runs
// under the row locks of the balances it touches, inside one store
// transaction that also writes the ledger entries and any caller-supplied
// records, with optimistic version checks on each balance row.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cexcore/internal/domain"
)

// DefaultMaxRetries bounds how often a unit is retried after a version
// conflict.
const DefaultMaxRetries = 5

// Posting is one balance mutation inside a unit of work.
type Posting struct {
	UserID    int64
	Asset     string
	Type      domain.LedgerType
	Amount    decimal.Decimal
	Reference string
}

// Extra runs inside the unit's transaction after the postings.
type Extra func(ctx context.Context, tx domain.Tx) error

// Ledger is the wallet ledger.
type Ledger struct {
	store      domain.Store
	locker     Locker
	bus        domain.SignalBus
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithSignalBus pushes committed balance changes to ch:balance:{user}.
func WithSignalBus(bus domain.SignalBus) Option {
	return func(l *Ledger) { l.bus = bus }
}

// WithMaxRetries overrides DefaultMaxRetries.
func WithMaxRetries(n int) Option {
	return func(l *Ledger) {
		if n >= 0 {
			l.maxRetries = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger returns a ledger over store. A nil locker selects a LocalLocker.
func NewLedger(store domain.Store, locker Locker, logger *slog.Logger, opts ...Option) *Ledger {
	if locker == nil {
		locker = NewLocalLocker()
	}
	l := &Ledger{
		store:      store,
		locker:     locker,
		maxRetries: DefaultMaxRetries,
		logger:     logger.With(slog.String("component", "wallet")),
		now:        time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Apply runs the postings in order and then extra as one unit. Zero-amount
// postings are skipped. A posting that would drive a balance negative fails
// the whole unit with ErrInsufficientFunds and nothing is written.
func (l *Ledger) Apply(ctx context.Context, postings []Posting, extra Extra) error {
	live := postings[:0:0]
	keys := make([]string, 0, len(postings))
	for _, p := range postings {
		if p.Amount.IsNegative() {
			return fmt.Errorf("wallet: %s %s amount %s: %w", p.Type, p.Asset, p.Amount, domain.ErrInvalidOrder)
		}
		if p.Amount.IsZero() {
			continue
		}
		live = append(live, p)
		keys = append(keys, BalanceKey(p.UserID, p.Asset))
	}

	unlock, err := l.locker.Lock(ctx, keys)
	if err != nil {
		return fmt.Errorf("wallet: lock: %w", err)
	}
	defer unlock()

	var changes []domain.BalanceChange
	for attempt := 0; ; attempt++ {
		changes, err = l.applyOnce(ctx, live, extra)
		if err == nil || !errors.Is(err, domain.ErrConcurrentUpdate) || attempt >= l.maxRetries {
			break
		}
		l.logger.DebugContext(ctx, "retrying after version conflict", slog.Int("attempt", attempt+1))
	}
	if err != nil {
		return err
	}
	l.push(ctx, changes)
	return nil
}

func (l *Ledger) applyOnce(ctx context.Context, postings []Posting, extra Extra) ([]domain.BalanceChange, error) {
	var changes []domain.BalanceChange
	err := l.store.InTx(ctx, func(tx domain.Tx) error {
		changes = changes[:0]
		now := l.now().UTC()
		rows := make(map[string]*domain.Balance)
		order := make([]string, 0, len(postings))

		for _, p := range postings {
			key := BalanceKey(p.UserID, p.Asset)
			b, ok := rows[key]
			if !ok {
				cur, err := tx.Balances().Get(ctx, p.UserID, p.Asset)
				if err != nil {
					return fmt.Errorf("wallet: load %s: %w", key, err)
				}
				b = &cur
				rows[key] = b
				order = append(order, key)
			}

			next, err := b.Apply(p.Type, p.Amount)
			if err != nil {
				return fmt.Errorf("wallet: %s %s %s for user %d: %w", p.Type, p.Amount, p.Asset, p.UserID, err)
			}
			entry := domain.LedgerEntry{
				ID:              uuid.Must(uuid.NewV7()).String(),
				UserID:          p.UserID,
				Asset:           p.Asset,
				Amount:          p.Amount,
				Type:            p.Type,
				Reference:       p.Reference,
				BeforeAvailable: b.Available,
				BeforeFrozen:    b.Frozen,
				AfterAvailable:  next.Available,
				AfterFrozen:     next.Frozen,
				CreatedAt:       now,
			}
			if err := tx.Ledger().Append(ctx, entry); err != nil {
				return fmt.Errorf("wallet: append ledger: %w", err)
			}
			*b = next
			b.UpdatedAt = now
			changes = append(changes, domain.BalanceChange{
				UserID:    p.UserID,
				Asset:     p.Asset,
				Available: next.Available,
				Frozen:    next.Frozen,
				Type:      p.Type,
				Reference: p.Reference,
				Timestamp: now,
			})
		}

		for _, key := range order {
			if err := tx.Balances().Put(ctx, rows[key]); err != nil {
				return fmt.Errorf("wallet: write %s: %w", key, err)
			}
		}
		if extra != nil {
			return extra(ctx, tx)
		}
		return nil
	})
	return changes, err
}

func (l *Ledger) push(ctx context.Context, changes []domain.BalanceChange) {
	if l.bus == nil {
		return
	}
	for _, c := range changes {
		payload, err := json.Marshal(c)
		if err != nil {
			continue
		}
		if err := l.bus.Publish(ctx, domain.BalanceChannel(c.UserID), payload); err != nil {
			l.logger.WarnContext(ctx, "balance push failed",
				slog.Int64("user_id", c.UserID),
				slog.String("asset", c.Asset),
				slog.String("error", err.Error()),
			)
		}
	}
}

func single(userID int64, asset string, t domain.LedgerType, amount decimal.Decimal, ref string) []Posting {
	return []Posting{{UserID: userID, Asset: asset, Type: t, Amount: amount, Reference: ref}}
}

// Deposit credits available funds.
func (l *Ledger) Deposit(ctx context.Context, userID int64, asset string, amount decimal.Decimal, ref string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("wallet: deposit %s: %w", amount, domain.ErrInvalidOrder)
	}
	return l.Apply(ctx, single(userID, asset, domain.LedgerDeposit, amount, ref), nil)
}

// Freeze moves amount from available to frozen. It reports false, with
// nothing written, when available funds are short.
func (l *Ledger) Freeze(ctx context.Context, userID int64, asset string, amount decimal.Decimal, ref string) (bool, error) {
	return l.tryApply(ctx, single(userID, asset, domain.LedgerFreeze, amount, ref))
}

// Unfreeze moves amount from frozen back to available. It reports false when
// frozen funds are short.
func (l *Ledger) Unfreeze(ctx context.Context, userID int64, asset string, amount decimal.Decimal, ref string) (bool, error) {
	return l.tryApply(ctx, single(userID, asset, domain.LedgerUnfreeze, amount, ref))
}

// SettleDebit consumes frozen funds.
func (l *Ledger) SettleDebit(ctx context.Context, userID int64, asset string, amount decimal.Decimal, ref string) error {
	return l.Apply(ctx, single(userID, asset, domain.LedgerSettleDebit, amount, ref), nil)
}

// SettleCredit adds to available funds.
func (l *Ledger) SettleCredit(ctx context.Context, userID int64, asset string, amount decimal.Decimal, ref string) error {
	return l.Apply(ctx, single(userID, asset, domain.LedgerSettleCredit, amount, ref), nil)
}

func (l *Ledger) tryApply(ctx context.Context, postings []Posting) (bool, error) {
	err := l.Apply(ctx, postings, nil)
	if errors.Is(err, domain.ErrInsufficientFunds) {
		return false, nil
	}
	return err == nil, err
}

// Balance returns the user's balance of asset, zero when never touched.
func (l *Ledger) Balance(ctx context.Context, userID int64, asset string) (domain.Balance, error) {
	b, err := l.store.Balances().Get(ctx, userID, asset)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("wallet: balance %d/%s: %w", userID, asset, err)
	}
	return b, nil
}

// Balances lists every balance row of the user.
func (l *Ledger) Balances(ctx context.Context, userID int64) ([]domain.Balance, error) {
	bs, err := l.store.Balances().ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("wallet: balances %d: %w", userID, err)
	}
	return bs, nil
}

// Entries lists the user's ledger entries, newest first.
func (l *Ledger) Entries(ctx context.Context, userID int64, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	es, err := l.store.Ledger().ListByUser(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("wallet: ledger %d: %w", userID, err)
	}
	return es, nil
}
