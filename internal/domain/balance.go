package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is a user's holding of one asset.
type Balance struct {
	UserID    int64
	Asset     string
	Available decimal.Decimal
	Frozen    decimal.Decimal
	Version   int64
	UpdatedAt time.Time
}

// Total is available plus frozen.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Frozen)
}

// LedgerType classifies a balance mutation.
type LedgerType string

const (
	LedgerDeposit      LedgerType = "DEPOSIT"
	LedgerFreeze       LedgerType = "FREEZE"
	LedgerUnfreeze     LedgerType = "UNFREEZE"
	LedgerSettleDebit  LedgerType = "SETTLE_DEBIT"
	LedgerSettleCredit LedgerType = "SETTLE_CREDIT"
)

// LedgerEntry is the append-only audit record of one balance mutation.
type LedgerEntry struct {
	ID              string
	UserID          int64
	Asset           string
	Amount          decimal.Decimal
	Type            LedgerType
	Reference       string
	BeforeAvailable decimal.Decimal
	BeforeFrozen    decimal.Decimal
	AfterAvailable  decimal.Decimal
	AfterFrozen     decimal.Decimal
	CreatedAt       time.Time
}

// BalanceChange is pushed to subscribers after a committed mutation.
type BalanceChange struct {
	UserID    int64           `json:"user_id"`
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Frozen    decimal.Decimal `json:"frozen"`
	Type      LedgerType      `json:"type"`
	Reference string          `json:"reference"`
	Timestamp time.Time       `json:"ts"`
}

// Apply computes the post-mutation available and frozen amounts for a ledger
// operation. It returns ErrInsufficientFunds when the result would go negative
// and never modifies b.
func (b Balance) Apply(t LedgerType, amount decimal.Decimal) (Balance, error) {
	next := b
	switch t {
	case LedgerDeposit, LedgerSettleCredit:
		next.Available = b.Available.Add(amount)
	case LedgerFreeze:
		next.Available = b.Available.Sub(amount)
		next.Frozen = b.Frozen.Add(amount)
	case LedgerUnfreeze:
		next.Available = b.Available.Add(amount)
		next.Frozen = b.Frozen.Sub(amount)
	case LedgerSettleDebit:
		next.Frozen = b.Frozen.Sub(amount)
	default:
		return b, ErrInvalidOrder
	}
	if next.Available.IsNegative() || next.Frozen.IsNegative() {
		return b, ErrInsufficientFunds
	}
	return next, nil
}
