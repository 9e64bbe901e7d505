package lane

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

	"github.com/alanyoungcy/cexcore/internal/domain"
	"github.com/alanyoungcy/cexcore/internal/matching"
	"github.com/alanyoungcy/cexcore/internal/orderbook"
)

type recordingSettler struct {
	mu       sync.Mutex
	outcomes []*matching.Outcome
	failOn   map[uint64]bool
}

func (s *recordingSettler) Settle(_ context.Context, out *matching.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, out)
	if s.failOn[out.Seq] {
		return domain.ErrPersistenceFailure
	}
	return nil
}

func (s *recordingSettler) seqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.outcomes))
	for i, o := range s.outcomes {
		out[i] = o.Seq
	}
	return out
}

func newLane(cfg Config, s Settler) *Lane {
	m := matching.NewMatcher(orderbook.New("BTCUSDT"), matching.DefaultRegistry(), matching.ExpireTaker{}, 0)
	return New("BTCUSDT", m, s, cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func order(i int, side domain.OrderSide) *domain.Order {
	return &domain.Order{
		ID:     fmt.Sprintf("o%d", i),
		UserID: int64(i%3 + 1),
		Symbol: "BTCUSDT",
		Type:   domain.OrderTypeLimit,
		Side:   side,
		Price:  decimal.NewFromInt(100),
		Amount: decimal.NewFromInt(1),
		Status: domain.OrderStatusNew,
	}
}

func TestPublishFailFast(t *testing.T) {
	l := newLane(Config{Capacity: 1, PublishMode: PublishFailFast}, &recordingSettler{})
	ctx := context.Background()

	require.NoError(t, l.Publish(ctx, matching.PlaceEvent(order(1, domain.OrderSideBuy))))
	err := l.Publish(ctx, matching.PlaceEvent(order(2, domain.OrderSideBuy)))
	assert.ErrorIs(t, err, domain.ErrLaneFull)
}

func TestPublishBlockTimesOut(t *testing.T) {
	l := newLane(Config{Capacity: 1, PublishMode: PublishBlock, PublishTimeout: 20 * time.Millisecond}, &recordingSettler{})
	ctx := context.Background()

	require.NoError(t, l.Publish(ctx, matching.PlaceEvent(order(1, domain.OrderSideBuy))))
	start := time.Now()
	err := l.Publish(ctx, matching.PlaceEvent(order(2, domain.OrderSideBuy)))
	assert.ErrorIs(t, err, domain.ErrLaneFull)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPublishBlockHonoursContext(t *testing.T) {
	l := newLane(Config{Capacity: 1}, &recordingSettler{})
	require.NoError(t, l.Publish(context.Background(), matching.PlaceEvent(order(1, domain.OrderSideBuy))))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Publish(ctx, matching.PlaceEvent(order(2, domain.OrderSideBuy)))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLaneSettlesInOrderAndDrainsOnShutdown(t *testing.T) {
	s := &recordingSettler{}
	l := newLane(Config{Capacity: 64}, s)

	for i := 0; i < 20; i++ {
		side := domain.OrderSideBuy
		if i%2 == 1 {
			side = domain.OrderSideSell
		}
		require.NoError(t, l.Publish(context.Background(), matching.PlaceEvent(order(i, side))))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, l.Run(ctx))

	seqs := s.seqs()
	require.Len(t, seqs, 20)
	for i, seq := range seqs {
		assert.Equal(t, uint64(i+1), seq)
	}
	for i, out := range s.outcomes {
		assert.Equal(t, fmt.Sprintf("o%d", i), out.Event.OrderID, "settle order must follow publish order")
	}

	err := l.Publish(context.Background(), matching.PlaceEvent(order(99, domain.OrderSideBuy)))
	assert.ErrorIs(t, err, domain.ErrLaneClosed)
}

func TestLaneContinuesAfterDegradedEvent(t *testing.T) {
	s := &recordingSettler{failOn: map[uint64]bool{2: true}}
	l := newLane(Config{Capacity: 8}, s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	for i := 0; i < 4; i++ {
		require.NoError(t, l.Publish(ctx, matching.PlaceEvent(order(i, domain.OrderSideBuy))))
	}
	require.Eventually(t, func() bool { return len(s.seqs()) == 4 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("lane did not stop")
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, s.seqs())
}

func TestLaneAttachesImages(t *testing.T) {
	s := &recordingSettler{}
	l := newLane(Config{Capacity: 16, ImageEvery: 3}, s)
	for i := 0; i < 7; i++ {
		require.NoError(t, l.Publish(context.Background(), matching.PlaceEvent(order(i, domain.OrderSideBuy))))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, l.Run(ctx))

	var withImage []uint64
	for _, out := range s.outcomes {
		if out.Image != nil {
			withImage = append(withImage, out.Seq)
			assert.Equal(t, out.Seq, out.Image.Seq)
			assert.Len(t, out.Image.Orders, int(out.Seq))
		}
	}
	assert.Equal(t, []uint64{3, 6}, withImage)
}

func TestConcurrentPublishersKeepPerLaneOrder(t *testing.T) {
	s := &recordingSettler{}
	l := newLane(Config{Capacity: 4}, s)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if err := l.Publish(ctx, matching.PlaceEvent(order(p*100+i, domain.OrderSideBuy))); err != nil {
					t.Errorf("publish: %v", err)
				}
			}
		}(p)
	}
	wg.Wait()
	require.Eventually(t, func() bool { return len(s.seqs()) == 100 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	for i, seq := range s.seqs() {
		if seq != uint64(i+1) {
			t.Fatalf("outcome %d has seq %d", i, seq)
		}
	}
}
