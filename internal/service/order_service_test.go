package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cexcore/internal/domain"
	"github.com/alanyoungcy/cexcore/internal/store/memory"
	"github.com/alanyoungcy/cexcore/internal/wallet"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeRouter records routed events and can refuse them.
type fakeRouter struct {
	mu       sync.Mutex
	refuse   error
	placed   []*domain.Order
	canceled []string
}

func (r *fakeRouter) Submit(_ context.Context, o *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refuse != nil {
		return r.refuse
	}
	r.placed = append(r.placed, o)
	return nil
}

func (r *fakeRouter) Cancel(_ context.Context, _, orderID string, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = append(r.canceled, orderID)
	return nil
}

func (r *fakeRouter) Book(_ context.Context, symbol string) (domain.BookSnapshot, error) {
	return domain.BookSnapshot{Symbol: symbol}, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }

type fixture struct {
	store   *memory.Store
	ledger  *wallet.Ledger
	router  *fakeRouter
	orders  *OrderService
	wallets *WalletService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	markets, err := domain.NewMarkets([]domain.Market{
		{Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT", Enabled: true},
		{Symbol: "ETHUSDT", Base: "ETH", Quote: "USDT", Enabled: false},
	})
	require.NoError(t, err)
	f := &fixture{store: memory.New(), router: &fakeRouter{}}
	f.ledger = wallet.NewLedger(f.store, nil, logger)
	f.orders = NewOrderService(markets, f.store, f.ledger, f.router, nil, OrderConfig{}, logger)
	f.wallets = NewWalletService(markets, f.ledger, logger)
	return f
}

func (f *fixture) fund(t *testing.T, user int64, asset, amount string) {
	t.Helper()
	_, err := f.wallets.Deposit(context.Background(), DepositRequest{UserID: user, Asset: asset, Amount: dec(amount)})
	require.NoError(t, err)
}

func limitReq(user int64, side domain.OrderSide, price, amount string) SubmitRequest {
	return SubmitRequest{UserID: user, Symbol: "btcusdt", Side: side, Type: domain.OrderTypeLimit, Price: dec(price), Amount: dec(amount)}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]SubmitRequest{
		"missing user":        {Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Price: dec("1"), Amount: dec("1")},
		"bad side":            {UserID: 1, Symbol: "BTCUSDT", Side: "HOLD", Type: domain.OrderTypeLimit, Price: dec("1"), Amount: dec("1")},
		"limit without price": {UserID: 1, Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Amount: dec("1")},
		"too many decimals":   {UserID: 1, Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Price: dec("1"), Amount: dec("0.000000001")},
		"market buy by base":  {UserID: 1, Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Amount: dec("1")},
		"market with price":   {UserID: 1, Symbol: "BTCUSDT", Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Price: dec("1"), Amount: dec("1")},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.orders.Submit(ctx, req)
			assert.ErrorIs(t, err, domain.ErrInvalidOrder)
		})
	}

	t.Run("unknown symbol", func(t *testing.T) {
		req := limitReq(1, domain.OrderSideBuy, "1", "1")
		req.Symbol = "DOGEUSDT"
		_, err := f.orders.Submit(ctx, req)
		assert.ErrorIs(t, err, domain.ErrSymbolNotSupported)
	})

	t.Run("disabled symbol", func(t *testing.T) {
		req := limitReq(1, domain.OrderSideBuy, "1", "1")
		req.Symbol = "ETHUSDT"
		_, err := f.orders.Submit(ctx, req)
		assert.ErrorIs(t, err, domain.ErrSymbolNotSupported)
	})

	assert.Empty(t, f.router.placed)
}

func TestSubmitFreezesThenRoutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 1, "USDT", "100000")

	o, err := f.orders.Submit(ctx, limitReq(1, domain.OrderSideBuy, "50000", "2"))
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", o.Symbol)
	assert.Equal(t, "100000", o.FrozenAmount.String())

	require.Len(t, f.router.placed, 1)
	assert.Equal(t, o.ID, f.router.placed[0].ID)

	b, _ := f.ledger.Balance(ctx, 1, "USDT")
	assert.True(t, b.Available.IsZero())
	assert.Equal(t, "100000", b.Frozen.String())

	stored, err := f.store.Orders().GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusNew, stored.Status)
	assert.False(t, stored.Matched)
}

func TestSubmitInsufficientFundsLeavesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 1, "BTC", "0.5")

	_, err := f.orders.Submit(ctx, limitReq(1, domain.OrderSideSell, "50000", "1"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	orders, err := f.orders.List(ctx, 1, domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Empty(t, f.router.placed)
	b, _ := f.ledger.Balance(ctx, 1, "BTC")
	assert.Equal(t, "0.5", b.Available.String())
}

func TestSubmitCompensatesWhenLaneFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 1, "USDT", "1000")
	f.router.refuse = domain.ErrLaneFull

	_, err := f.orders.Submit(ctx, SubmitRequest{
		UserID: 1, Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, QuoteAmount: dec("400"),
	})
	assert.ErrorIs(t, err, domain.ErrLaneFull)

	b, _ := f.ledger.Balance(ctx, 1, "USDT")
	assert.Equal(t, "1000", b.Available.String())
	assert.True(t, b.Frozen.IsZero())

	orders, err := f.orders.List(ctx, 1, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderStatusCanceled, orders[0].Status)

	unmatched, err := f.store.Orders().ListUnmatched(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, unmatched, "compensated orders are not replayed")
}

func TestSubmitIdempotentOnClientOrderID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 1, "USDT", "100")

	req := limitReq(1, domain.OrderSideBuy, "10", "1")
	req.ClientOrderID = "abc-1"
	first, err := f.orders.Submit(ctx, req)
	require.NoError(t, err)
	again, err := f.orders.Submit(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, f.router.placed, 1)
	b, _ := f.ledger.Balance(ctx, 1, "USDT")
	assert.Equal(t, "10", b.Frozen.String())
}

func TestSubmitRateLimited(t *testing.T) {
	f := newFixture(t)
	f.orders.limiter = denyLimiter{}
	f.orders.cfg.RateLimit = 1
	f.orders.cfg.RateWindow = time.Second

	_, err := f.orders.Submit(context.Background(), limitReq(1, domain.OrderSideBuy, "1", "1"))
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestCancelRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 1, "USDT", "100")
	o, err := f.orders.Submit(ctx, limitReq(1, domain.OrderSideBuy, "10", "1"))
	require.NoError(t, err)

	t.Run("unknown", func(t *testing.T) {
		assert.ErrorIs(t, f.orders.Cancel(ctx, 1, "nope"), domain.ErrOrderNotFound)
	})
	t.Run("foreign", func(t *testing.T) {
		assert.ErrorIs(t, f.orders.Cancel(ctx, 2, o.ID), domain.ErrOrderNotFound)
	})
	t.Run("open", func(t *testing.T) {
		require.NoError(t, f.orders.Cancel(ctx, 1, o.ID))
		assert.Equal(t, []string{o.ID}, f.router.canceled)
	})
	t.Run("closed", func(t *testing.T) {
		stored, err := f.store.Orders().GetByID(ctx, o.ID)
		require.NoError(t, err)
		require.NoError(t, stored.ApplyCancel())
		require.NoError(t, f.store.Orders().Update(ctx, stored))
		assert.ErrorIs(t, f.orders.Cancel(ctx, 1, o.ID), domain.ErrInvalidStateTransition)
	})
}

func TestDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.wallets.Deposit(ctx, DepositRequest{UserID: 3, Asset: "usdt", Amount: dec("12.5")})
	require.NoError(t, err)
	assert.Equal(t, "12.5", b.Available.String())

	_, err = f.wallets.Deposit(ctx, DepositRequest{UserID: 3, Asset: "XYZ", Amount: dec("1")})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	_, err = f.wallets.Deposit(ctx, DepositRequest{UserID: 3, Asset: "USDT", Amount: dec("-1")})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)

	entries, err := f.wallets.Entries(ctx, 3, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Reference, "deposit:")
}

func TestDedupWindow(t *testing.T) {
	d := NewDedup(time.Minute)
	now := time.Unix(1700000000, 0)
	d.now = func() time.Time { return now }

	assert.True(t, d.Claim("k"))
	assert.False(t, d.Claim("k"))
	d.Release("k")
	assert.True(t, d.Claim("k"))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, d.Cleanup())
	assert.Equal(t, 0, d.Len())
}
