package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPatternSubscribe(t *testing.T) {
	bus := NewBus(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	books, err := bus.Subscribe(ctx, "ch:book:*")
	require.NoError(t, err)
	one, err := bus.Subscribe(ctx, "ch:balance:7")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "ch:book:BTCUSDT", []byte("b")))
	require.NoError(t, bus.Publish(ctx, "ch:balance:8", []byte("x")))
	require.NoError(t, bus.Publish(ctx, "ch:balance:7", []byte("y")))

	assert.Equal(t, []byte("b"), <-books)
	assert.Equal(t, []byte("y"), <-one)
	select {
	case m := <-books:
		t.Fatalf("unexpected %s", m)
	default:
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-books
		return !ok
	}, time.Second, time.Millisecond)
}

func TestBusStreams(t *testing.T) {
	bus := NewBus(3)
	ctx := context.Background()
	for _, p := range []string{"a", "b", "c", "d"} {
		require.NoError(t, bus.StreamAppend(ctx, "s", []byte(p)))
	}

	all, err := bus.StreamRead(ctx, "s", "0", 0)
	require.NoError(t, err)
	require.Len(t, all, 3, "trimmed to max length")
	assert.Equal(t, []byte("b"), all[0].Payload)

	next, err := bus.StreamRead(ctx, "s", all[0].ID, 1)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, []byte("c"), next[0].Payload)
}
