package settlement

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/alanyoungcy/cexcore/internal/domain"
	"github.com/alanyoungcy/cexcore/internal/matching"
	"github.com/alanyoungcy/cexcore/internal/orderbook"
	"github.com/alanyoungcy/cexcore/internal/store/memory"
	"github.com/alanyoungcy/cexcore/internal/wallet"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type sinkRecorder struct {
	mu    sync.Mutex
	snaps []domain.BookSnapshot
}

func (r *sinkRecorder) StoreSnapshot(s domain.BookSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

type alertRecorder struct {
	events []string
}

func (a *alertRecorder) Notify(_ context.Context, event, _, _ string) error {
	a.events = append(a.events, event)
	return nil
}

type imageRecorder struct {
	saved []domain.BookImage
}

func (r *imageRecorder) SaveImage(_ context.Context, img domain.BookImage) error {
	r.saved = append(r.saved, img)
	return nil
}

func (r *imageRecorder) LoadImage(context.Context, string) (domain.BookImage, error) {
	return domain.BookImage{}, domain.ErrNotFound
}

// tb is satisfied by both *testing.T and *rapid.T.
type tb interface {
	require.TestingT
	Helper()
}

type harness struct {
	t       tb
	store   *memory.Store
	ledger  *wallet.Ledger
	matcher *matching.Matcher
	settler *Settler
	sink    *sinkRecorder
	alerts  *alertRecorder
	images  *imageRecorder
	n       int
}

func newHarness(t tb, stp string) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	markets, err := domain.NewMarkets([]domain.Market{{Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT", Enabled: true}})
	require.NoError(t, err)
	policy, err := matching.STPPolicy(stp)
	require.NoError(t, err)

	h := &harness{t: t, store: memory.New(), sink: &sinkRecorder{}, alerts: &alertRecorder{}, images: &imageRecorder{}}
	h.ledger = wallet.NewLedger(h.store, nil, logger)
	h.matcher = matching.NewMatcher(orderbook.New("BTCUSDT"), matching.DefaultRegistry(), policy, 0)
	h.settler = New(markets, h.ledger, h.store, logger,
		WithSnapshotSink(h.sink),
		WithAlerter(h.alerts),
		WithImageStore(h.images),
	)
	return h
}

func (h *harness) deposit(user int64, asset, amount string) {
	require.NoError(h.t, h.ledger.Deposit(context.Background(), user, asset, dec(amount), "dep"))
}

// submit freezes and persists the order the way the order service does.
func (h *harness) submit(o *domain.Order) *domain.Order {
	h.t.Helper()
	h.n++
	o.ID = fmt.Sprintf("o%d", h.n)
	o.Symbol = "BTCUSDT"
	o.Status = domain.OrderStatusNew
	o.CreatedAt = time.Unix(1700000000+int64(h.n), 0)
	o.FrozenAmount = domain.RequiredFreeze(o)
	asset := "USDT"
	if o.Side == domain.OrderSideSell {
		asset = "BTC"
	}
	err := h.ledger.Apply(context.Background(), []wallet.Posting{{
		UserID: o.UserID, Asset: asset, Type: domain.LedgerFreeze, Amount: o.FrozenAmount, Reference: "order:" + o.ID,
	}}, func(ctx context.Context, tx domain.Tx) error {
		return tx.Orders().Create(ctx, o.Clone())
	})
	require.NoError(h.t, err)
	return o
}

func (h *harness) run(ev matching.Event) (*matching.Outcome, error) {
	out := h.matcher.Handle(ev)
	return out, h.settler.Settle(context.Background(), out)
}

func (h *harness) place(o *domain.Order) *matching.Outcome {
	h.t.Helper()
	out, err := h.run(matching.PlaceEvent(h.submit(o).Clone()))
	require.NoError(h.t, err)
	return out
}

func (h *harness) balance(user int64, asset string) domain.Balance {
	b, err := h.ledger.Balance(context.Background(), user, asset)
	require.NoError(h.t, err)
	return b
}

func (h *harness) order(id string) *domain.Order {
	o, err := h.store.Orders().GetByID(context.Background(), id)
	require.NoError(h.t, err)
	return o
}

func limit(user int64, side domain.OrderSide, price, amount string) *domain.Order {
	return &domain.Order{UserID: user, Type: domain.OrderTypeLimit, Side: side, Price: dec(price), Amount: dec(amount)}
}

func TestSettleCrossingLimit(t *testing.T) {
	h := newHarness(t, "")
	h.deposit(1, "USDT", "100000")
	h.deposit(2, "BTC", "1")

	buy := h.place(limit(1, domain.OrderSideBuy, "50000", "2"))
	assert.True(t, h.order(buy.Taker.ID).Matched)
	assert.Equal(t, "100000", h.balance(1, "USDT").Frozen.String())

	out := h.place(limit(2, domain.OrderSideSell, "50000", "1"))
	require.Len(t, out.Trades, 1)

	buyer := h.order(buy.Taker.ID)
	assert.Equal(t, domain.OrderStatusPartial, buyer.Status)
	assert.Equal(t, "1", buyer.Filled.String())
	assert.Equal(t, "50000", h.balance(1, "USDT").Frozen.String())
	assert.True(t, h.balance(1, "USDT").Available.IsZero())
	assert.Equal(t, "1", h.balance(1, "BTC").Available.String())

	seller := h.order(out.Taker.ID)
	assert.Equal(t, domain.OrderStatusFilled, seller.Status)
	assert.True(t, seller.Matched)
	assert.True(t, h.balance(2, "BTC").Frozen.IsZero())
	assert.True(t, h.balance(2, "BTC").Available.IsZero())
	assert.Equal(t, "50000", h.balance(2, "USDT").Available.String())

	trades, err := h.store.Trades().ListBySymbol(context.Background(), "BTCUSDT", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "trade:"+buyer.ID+"/"+seller.ID, trades[0].Reference())

	require.NotEmpty(t, h.sink.snaps)
	last := h.sink.snaps[len(h.sink.snaps)-1]
	bid, ok := last.BestBid()
	require.True(t, ok)
	assert.Equal(t, "1", bid.Quantity.String())

	t.Run("cancel releases the residual", func(t *testing.T) {
		_, err := h.run(matching.CancelEvent(buyer.ID, 1))
		require.NoError(t, err)
		got := h.order(buyer.ID)
		assert.Equal(t, domain.OrderStatusPartiallyFilledAndClosed, got.Status)
		usdt := h.balance(1, "USDT")
		assert.Equal(t, "50000", usdt.Available.String())
		assert.True(t, usdt.Frozen.IsZero())
	})

	t.Run("replayed cancel is a no-op", func(t *testing.T) {
		_, err := h.run(matching.CancelEvent(buyer.ID, 1))
		require.NoError(t, err)
		assert.Equal(t, "50000", h.balance(1, "USDT").Available.String())
	})
}

func TestFilledBuyAtBetterPriceReleasesResidual(t *testing.T) {
	h := newHarness(t, "")
	h.deposit(1, "USDT", "60000")
	h.deposit(2, "BTC", "1")

	h.place(limit(2, domain.OrderSideSell, "50000", "1"))
	out := h.place(limit(1, domain.OrderSideBuy, "51000", "1"))
	require.Len(t, out.Trades, 1)
	assert.Equal(t, "50000", out.Trades[0].Price.String())

	assert.Equal(t, domain.OrderStatusFilled, h.order(out.Taker.ID).Status)
	usdt := h.balance(1, "USDT")
	assert.Equal(t, "10000", usdt.Available.String())
	assert.True(t, usdt.Frozen.IsZero())
}

func TestSelfTradeCloses(t *testing.T) {
	t.Run("expire taker", func(t *testing.T) {
		h := newHarness(t, matching.STPExpireTaker)
		h.deposit(1, "USDT", "50000")
		h.deposit(1, "BTC", "1")

		maker := h.place(limit(1, domain.OrderSideBuy, "50000", "1"))
		out := h.place(limit(1, domain.OrderSideSell, "50000", "1"))
		assert.Empty(t, out.Trades)

		assert.Equal(t, domain.OrderStatusCanceled, h.order(out.Taker.ID).Status)
		assert.Equal(t, domain.OrderStatusNew, h.order(maker.Taker.ID).Status)
		btc := h.balance(1, "BTC")
		assert.Equal(t, "1", btc.Available.String())
		assert.True(t, btc.Frozen.IsZero())
		assert.Equal(t, "50000", h.balance(1, "USDT").Frozen.String())
	})

	t.Run("cancel maker", func(t *testing.T) {
		h := newHarness(t, matching.STPCancelMaker)
		h.deposit(1, "USDT", "50000")
		h.deposit(1, "BTC", "1")

		maker := h.place(limit(1, domain.OrderSideBuy, "50000", "1"))
		out := h.place(limit(1, domain.OrderSideSell, "50000", "1"))
		require.Len(t, out.CanceledMakers, 1)

		assert.Equal(t, domain.OrderStatusCanceled, h.order(maker.Taker.ID).Status)
		assert.Equal(t, domain.OrderStatusNew, h.order(out.Taker.ID).Status)
		usdt := h.balance(1, "USDT")
		assert.Equal(t, "50000", usdt.Available.String())
		assert.True(t, usdt.Frozen.IsZero())
	})
}

func TestMarketBuyDepthExhausted(t *testing.T) {
	h := newHarness(t, "")
	h.deposit(1, "USDT", "1000")
	h.deposit(2, "BTC", "0.01")

	h.place(limit(2, domain.OrderSideSell, "50000", "0.01"))
	out := h.place(&domain.Order{UserID: 1, Type: domain.OrderTypeMarket, Side: domain.OrderSideBuy, QuoteAmount: dec("1000")})
	require.Len(t, out.Trades, 1)

	got := h.order(out.Taker.ID)
	assert.Equal(t, domain.OrderStatusPartiallyFilledAndClosed, got.Status)
	assert.Equal(t, "0.01", got.Filled.String())
	assert.Equal(t, "500", got.QuoteFilled.String())
	assert.Equal(t, "50000", got.AvgPrice.String())

	usdt := h.balance(1, "USDT")
	assert.Equal(t, "500", usdt.Available.String())
	assert.True(t, usdt.Frozen.IsZero())
	assert.Equal(t, "0.01", h.balance(1, "BTC").Available.String())
}

func TestDegradedEventIsRecorded(t *testing.T) {
	h := newHarness(t, "")
	h.deposit(2, "BTC", "1")
	h.place(limit(2, domain.OrderSideSell, "50000", "1"))

	// A taker that never reached the store cannot be settled.
	ghost := limit(1, domain.OrderSideBuy, "50000", "1")
	ghost.ID = "ghost"
	ghost.Symbol = "BTCUSDT"
	ghost.Status = domain.OrderStatusNew
	out, err := h.run(matching.PlaceEvent(ghost))
	require.Len(t, out.Trades, 1)
	assert.ErrorIs(t, err, domain.ErrPersistenceFailure)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Equal(t, []string{"settlement_degraded"}, h.alerts.events)
	audit, err := h.store.Audit().List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "settlement.degraded", audit[0].Event)

	assert.Equal(t, "1", h.balance(2, "BTC").Frozen.String(), "nothing moved")
	assert.NotEmpty(t, h.sink.snaps, "snapshot still published")
}

func TestImageWrittenAfterSettle(t *testing.T) {
	h := newHarness(t, "")
	h.deposit(1, "USDT", "50000")
	o := h.submit(limit(1, domain.OrderSideBuy, "50000", "1"))

	out := h.matcher.Handle(matching.PlaceEvent(o.Clone()))
	img := h.matcher.Image()
	out.Image = &img
	require.NoError(t, h.settler.Settle(context.Background(), out))

	require.Len(t, h.images.saved, 1)
	assert.Equal(t, out.Seq, h.images.saved[0].Seq)
	require.Len(t, h.images.saved[0].Orders, 1)
	assert.Equal(t, o.ID, h.images.saved[0].Orders[0].OrderID)
}

func TestFlatRateFees(t *testing.T) {
	h := newHarness(t, "")
	h.settler.fees = FlatRate{Rate: dec("0.001")}
	h.deposit(1, "USDT", "50000")
	h.deposit(2, "BTC", "1")

	h.place(limit(2, domain.OrderSideSell, "50000", "1"))
	h.place(limit(1, domain.OrderSideBuy, "50000", "1"))

	assert.Equal(t, "0.999", h.balance(1, "BTC").Available.String())
	assert.Equal(t, "49950", h.balance(2, "USDT").Available.String())
	assert.Equal(t, "0.001", h.balance(FeeAccountID, "BTC").Available.String())
	assert.Equal(t, "50", h.balance(FeeAccountID, "USDT").Available.String())
}

func TestSubUnitFillsStayWithinFreeze(t *testing.T) {
	h := newHarness(t, "")
	h.deposit(1, "USDT", "0.00000003")
	h.deposit(2, "BTC", "1")

	a1 := h.place(limit(2, domain.OrderSideSell, "0.00000003", "0.5"))
	a2 := h.place(limit(2, domain.OrderSideSell, "0.00000003", "0.5"))
	out := h.place(limit(1, domain.OrderSideBuy, "0.00000003", "1"))
	require.Len(t, out.Trades, 2)
	for _, tr := range out.Trades {
		assert.Equal(t, "0.00000001", tr.QuoteQty.String(), "trade cost truncates")
	}
	assert.Zero(t, h.matcher.Book().Len())

	trades, err := h.store.Trades().ListBySymbol(context.Background(), "BTCUSDT", domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, trades, 2)

	buyer := h.order(out.Taker.ID)
	assert.Equal(t, domain.OrderStatusFilled, buyer.Status)
	assert.Equal(t, "1", buyer.Filled.String())
	assert.Equal(t, domain.OrderStatusFilled, h.order(a1.Taker.ID).Status)
	assert.Equal(t, domain.OrderStatusFilled, h.order(a2.Taker.ID).Status)

	usdt := h.balance(1, "USDT")
	assert.Equal(t, "0.00000001", usdt.Available.String(), "rounding remainder released")
	assert.True(t, usdt.Frozen.IsZero())
	assert.Equal(t, "1", h.balance(1, "BTC").Available.String())
	assert.Equal(t, "0.00000002", h.balance(2, "USDT").Available.String())
}

func TestSettlementConservesFunds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := newHarness(t, "")
		rate := rapid.SampledFrom([]string{"0", "0.001", "0.0025"}).Draw(t, "fee")
		if rate != "0" {
			h.settler.fees = FlatRate{Rate: dec(rate)}
		}

		makers := rapid.IntRange(1, 6).Draw(t, "makers")
		baseIn := decimal.Zero
		top := decimal.Zero
		for i := 0; i < makers; i++ {
			price := decimal.New(rapid.Int64Range(1, 1_000_000).Draw(t, "price"), -8)
			qty := decimal.New(rapid.Int64Range(1, 10_000).Draw(t, "qty"), -4)
			h.deposit(2, "BTC", qty.String())
			baseIn = baseIn.Add(qty)
			top = decimal.Max(top, price)
			h.place(&domain.Order{UserID: 2, Type: domain.OrderTypeLimit, Side: domain.OrderSideSell, Price: price, Amount: qty})
		}

		limitPrice := top.Add(decimal.New(rapid.Int64Range(0, 1000).Draw(t, "slack"), -8))
		amount := decimal.New(rapid.Int64Range(1, 60_000).Draw(t, "amount"), -4)
		buy := &domain.Order{UserID: 1, Type: domain.OrderTypeLimit, Side: domain.OrderSideBuy, Price: limitPrice, Amount: amount}
		quoteIn := domain.RequiredFreeze(buy)
		if !quoteIn.IsPositive() {
			t.Skip("order too small to freeze anything")
		}
		h.deposit(1, "USDT", quoteIn.String())

		out := h.place(buy)
		spent := decimal.Zero
		for _, tr := range out.Trades {
			spent = spent.Add(tr.QuoteQty)
		}
		if o := h.order(out.Taker.ID); o.Status.Open() {
			if _, err := h.run(matching.CancelEvent(o.ID, 1)); err != nil {
				t.Fatalf("cancel: %v", err)
			}
		}

		buyerQuote := h.balance(1, "USDT")
		if !buyerQuote.Frozen.IsZero() {
			t.Fatalf("buyer still has %s frozen", buyerQuote.Frozen)
		}
		if !buyerQuote.Available.Equal(quoteIn.Sub(spent)) {
			t.Fatalf("buyer debited %s, trades cost %s", quoteIn.Sub(buyerQuote.Available), spent)
		}
		received := h.balance(2, "USDT").Total().Add(h.balance(FeeAccountID, "USDT").Total())
		if !received.Equal(spent) {
			t.Fatalf("seller credit plus fee %s, trades cost %s", received, spent)
		}
		base := h.balance(1, "BTC").Total().Add(h.balance(2, "BTC").Total()).Add(h.balance(FeeAccountID, "BTC").Total())
		if !base.Equal(baseIn) {
			t.Fatalf("base total %s, deposited %s", base, baseIn)
		}
	})
}
