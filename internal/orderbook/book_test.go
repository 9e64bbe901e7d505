package orderbook

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/alanyoungcy/cexcore/internal/domain"
)

func limit(id string, side domain.OrderSide, price, amount int64) *domain.Order {
	return &domain.Order{
		ID:     id,
		UserID: 1,
		Symbol: "BTCUSDT",
		Type:   domain.OrderTypeLimit,
		Side:   side,
		Price:  decimal.NewFromInt(price),
		Amount: decimal.NewFromInt(amount),
		Status: domain.OrderStatusNew,
	}
}

func TestBookAddAndBest(t *testing.T) {
	b := New("BTCUSDT")
	require.NoError(t, b.Add(limit("b1", domain.OrderSideBuy, 100, 1)))
	require.NoError(t, b.Add(limit("b2", domain.OrderSideBuy, 101, 2)))
	require.NoError(t, b.Add(limit("a1", domain.OrderSideSell, 105, 1)))
	require.NoError(t, b.Add(limit("a2", domain.OrderSideSell, 103, 3)))

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, "101", bid.Price().String())
	assert.Equal(t, "b2", bid.FrontID())

	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.Equal(t, "103", ask.Price().String())

	head, ok := b.Head(domain.OrderSideSell)
	require.True(t, ok)
	assert.Equal(t, "a2", head.ID)
	assert.Equal(t, 4, b.Len())
}

func TestBookRejectsDuplicateAndUnpriced(t *testing.T) {
	b := New("BTCUSDT")
	require.NoError(t, b.Add(limit("x", domain.OrderSideBuy, 100, 1)))
	assert.ErrorIs(t, b.Add(limit("x", domain.OrderSideBuy, 99, 1)), domain.ErrDuplicateOrder)
	assert.ErrorIs(t, b.Add(limit("y", domain.OrderSideBuy, 0, 1)), domain.ErrInvalidOrder)
}

func TestBookRemovePrunesLevel(t *testing.T) {
	b := New("BTCUSDT")
	require.NoError(t, b.Add(limit("b1", domain.OrderSideBuy, 100, 1)))
	require.NoError(t, b.Add(limit("b2", domain.OrderSideBuy, 100, 1)))

	o, ok := b.Remove("b1")
	require.True(t, ok)
	assert.Equal(t, "b1", o.ID)
	lvl, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, 1, lvl.Len())

	_, ok = b.Remove("b2")
	require.True(t, ok)
	_, ok = b.BestBid()
	assert.False(t, ok, "empty level must be pruned")

	_, ok = b.Remove("b2")
	assert.False(t, ok)
	assert.False(t, b.RemovePriceLevelIfEmpty(domain.OrderSideBuy, decimal.NewFromInt(100)))
}

func TestBookSnapshotAggregates(t *testing.T) {
	b := New("BTCUSDT")
	require.NoError(t, b.Add(limit("b1", domain.OrderSideBuy, 50000, 2)))
	partial := limit("b2", domain.OrderSideBuy, 50000, 3)
	partial.Filled = decimal.NewFromInt(1)
	require.NoError(t, b.Add(partial))
	require.NoError(t, b.Add(limit("b3", domain.OrderSideBuy, 49000, 1)))
	require.NoError(t, b.Add(limit("a1", domain.OrderSideSell, 51000, 1)))

	bids, asks := b.Snapshot(0)
	require.Len(t, bids, 2)
	assert.Equal(t, "50000", bids[0].Price.String())
	assert.Equal(t, "4", bids[0].Quantity.String())
	assert.Equal(t, "49000", bids[1].Price.String())
	require.Len(t, asks, 1)

	bids, _ = b.Snapshot(1)
	assert.Len(t, bids, 1)

	bids[0].Quantity = decimal.NewFromInt(999)
	again, _ := b.Snapshot(1)
	assert.Equal(t, "4", again[0].Quantity.String(), "snapshot must return copies")
}

func TestBookFIFOWithinLevel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 40).Draw(t, "n")
		prices := rapid.SliceOfN(rapid.Int64Range(100, 104), n, n).Draw(t, "prices")

		b := New("BTCUSDT")
		inserted := map[int64][]string{}
		for i, p := range prices {
			id := fmt.Sprintf("o%d", i)
			if err := b.Add(limit(id, domain.OrderSideSell, p, 1)); err != nil {
				t.Fatalf("add: %v", err)
			}
			inserted[p] = append(inserted[p], id)
		}

		consumed := map[int64][]string{}
		for b.Len() > 0 {
			head, ok := b.Head(domain.OrderSideSell)
			if !ok {
				t.Fatalf("book has %d orders but no head", b.Len())
			}
			p := head.Price.IntPart()
			consumed[p] = append(consumed[p], head.ID)
			b.Remove(head.ID)
		}
		for p, ids := range inserted {
			if fmt.Sprint(ids) != fmt.Sprint(consumed[p]) {
				t.Fatalf("price %d: inserted %v consumed %v", p, ids, consumed[p])
			}
		}
	})
}

func TestBookImageRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := New("BTCUSDT")
		n := rapid.IntRange(0, 30).Draw(t, "n")
		for i := 0; i < n; i++ {
			side := rapid.SampledFrom([]domain.OrderSide{domain.OrderSideBuy, domain.OrderSideSell}).Draw(t, "side")
			var price int64
			if side == domain.OrderSideBuy {
				price = rapid.Int64Range(90, 99).Draw(t, "bid")
			} else {
				price = rapid.Int64Range(100, 110).Draw(t, "ask")
			}
			o := limit(fmt.Sprintf("o%d", i), side, price, rapid.Int64Range(1, 10).Draw(t, "amount"))
			o.UserID = rapid.Int64Range(1, 3).Draw(t, "user")
			if err := b.Add(o); err != nil {
				t.Fatalf("add: %v", err)
			}
		}
		bids, asks := b.Snapshot(0)

		restored := New("BTCUSDT")
		if err := restored.Restore(b.Image()); err != nil {
			t.Fatalf("restore: %v", err)
		}
		rb, ra := restored.Snapshot(0)
		assertLevelsEqual(t, bids, rb)
		assertLevelsEqual(t, asks, ra)

		if err := restored.Restore(restored.Image()); err != nil {
			t.Fatalf("second restore: %v", err)
		}
		rb, ra = restored.Snapshot(0)
		assertLevelsEqual(t, bids, rb)
		assertLevelsEqual(t, asks, ra)
	})
}

func assertLevelsEqual(t *rapid.T, want, got []domain.BookLevel) {
	if len(want) != len(got) {
		t.Fatalf("level count: want %d got %d", len(want), len(got))
	}
	for i := range want {
		if !want[i].Price.Equal(got[i].Price) || !want[i].Quantity.Equal(got[i].Quantity) {
			t.Fatalf("level %d: want %s@%s got %s@%s", i, want[i].Quantity, want[i].Price, got[i].Quantity, got[i].Price)
		}
	}
}
