package postgres

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/cexcore/internal/domain"
)

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))
	assert.ErrorIs(t, classify(fmt.Errorf("scan: %w", pgx.ErrNoRows)), domain.ErrNotFound)

	cases := map[string]error{
		codeSerializationFailure: domain.ErrConcurrentUpdate,
		codeDeadlockDetected:     domain.ErrConcurrentUpdate,
		codeUniqueViolation:      domain.ErrDuplicateOrder,
		codeCheckViolation:       domain.ErrInsufficientFunds,
	}
	for code, want := range cases {
		err := classify(&pgconn.PgError{Code: code, Message: "boom"})
		assert.ErrorIs(t, err, want, code)
		assert.Contains(t, err.Error(), "boom")
	}

	other := errors.New("conn reset")
	assert.Same(t, other, classify(other))
}

func TestListClause(t *testing.T) {
	since := time.Unix(1700000000, 0)
	q, args := listClause("SELECT * FROM trades WHERE symbol = $1", []any{"BTCUSDT"}, "created_at",
		domain.ListOpts{Since: &since, Limit: 10, Offset: 20})

	assert.Equal(t, "SELECT * FROM trades WHERE symbol = $1 AND created_at >= $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4", q)
	assert.Equal(t, []any{"BTCUSDT", since, 10, 20}, args)

	q, args = listClause("SELECT * FROM audit_log WHERE TRUE", nil, "created_at", domain.ListOpts{})
	assert.Equal(t, "SELECT * FROM audit_log WHERE TRUE ORDER BY created_at DESC", q)
	assert.Empty(t, args)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/cex?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "cex", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: " postgres://x ", Host: "ignored"}))
}
