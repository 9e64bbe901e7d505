package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cexcore/internal/domain"
	"github.com/alanyoungcy/cexcore/internal/server/middleware"
)

// patternBus hands out one channel per subscribed pattern so tests can push
// without racing the hub's subscriptions.
type patternBus struct {
	mu   sync.Mutex
	subs map[string]chan []byte
}

func (b *patternBus) Publish(context.Context, string, []byte) error { return nil }

func (b *patternBus) Subscribe(_ context.Context, pattern string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 8)
	b.subs[pattern] = ch
	return ch, nil
}

func (b *patternBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *patternBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *patternBus) ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs) == len(feeds)
}

func (b *patternBus) push(pattern string, v any) {
	data, _ := json.Marshal(v)
	b.mu.Lock()
	ch := b.subs[pattern]
	b.mu.Unlock()
	ch <- data
}

func TestHubRoutesByChannelAndOwner(t *testing.T) {
	bus := &patternBus{subs: map[string]chan []byte{}}
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()
	require.Eventually(t, bus.ready, time.Second, 5*time.Millisecond)

	srv := httptest.NewServer(middleware.User(http.HandlerFunc(hub.HandleWS)))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?channel=ch:book:*"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{middleware.UserHeader: []string{"1"}})
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	read := func() envelope {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		kind, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, kind)
		var env envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	}

	bus.push("ch:balance:*", domain.BalanceChange{UserID: 2, Asset: "USDT"})
	bus.push("ch:balance:*", domain.BalanceChange{UserID: 1, Asset: "BTC"})
	env := read()
	assert.Equal(t, "ch:balance:1", env.Channel, "another user's balance is never delivered")
	assert.Contains(t, string(env.Data), `"asset":"BTC"`)

	bus.push(domain.TradeChannel("*"), domain.TradeEvent{Symbol: "BTCUSDT"})
	bus.push(domain.BookChannel("*"), domain.BookSnapshot{Symbol: "BTCUSDT", Seq: 3})
	env = read()
	assert.Equal(t, "ch:book:BTCUSDT", env.Channel, "trades were not subscribed")
}

func TestClientWants(t *testing.T) {
	c := &client{userID: 5, subs: map[string]bool{
		"ch:trade:ETHUSDT": true,
		"ch:book:*":        true,
		"ch:balance:*":     true,
	}}
	assert.True(t, c.wants("ch:trade:ETHUSDT"))
	assert.False(t, c.wants("ch:trade:BTCUSDT"))
	assert.True(t, c.wants("ch:book:BTCUSDT"))
	assert.True(t, c.wants("ch:balance:5"))
	assert.False(t, c.wants("ch:balance:6"))

	c.apply(subscribeMsg{Action: "unsubscribe", Channels: []string{"ch:book:*"}})
	assert.False(t, c.wants("ch:book:BTCUSDT"))
}
