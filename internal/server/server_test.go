package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cexcore/internal/domain"
	"github.com/alanyoungcy/cexcore/internal/server/handler"
	"github.com/alanyoungcy/cexcore/internal/server/middleware"
	"github.com/alanyoungcy/cexcore/internal/service"
	"github.com/alanyoungcy/cexcore/internal/store/memory"
	"github.com/alanyoungcy/cexcore/internal/wallet"
)

type fakeRouter struct {
	mu     sync.Mutex
	refuse error
	placed []*domain.Order
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

func (r *fakeRouter) Cancel(context.Context, string, string, int64) error { return nil }

func (r *fakeRouter) Book(_ context.Context, symbol string) (domain.BookSnapshot, error) {
	return domain.BookSnapshot{Symbol: symbol, Seq: 7}, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type routes struct {
	mu   sync.Mutex
	seen []string
}

func (r *routes) ObserveHTTP(method, route string, status int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, method+" "+route)
}

type testServer struct {
	srv    *Server
	router *fakeRouter
	ledger *wallet.Ledger
	routes *routes
}

func newTestServer(t *testing.T, cfg Config, deps map[string]handler.Pinger) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	markets, err := domain.NewMarkets([]domain.Market{{Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT", Enabled: true}})
	require.NoError(t, err)

	store := memory.New()
	ts := &testServer{router: &fakeRouter{}, routes: &routes{}}
	ts.ledger = wallet.NewLedger(store, nil, logger)
	orders := service.NewOrderService(markets, store, ts.ledger, ts.router, nil, service.OrderConfig{}, logger)
	wallets := service.NewWalletService(markets, ts.ledger, logger)

	ts.srv = NewServer(cfg, Handlers{
		Health:   handler.NewHealthHandler(deps, logger),
		Orders:   handler.NewOrderHandler(orders, logger),
		Wallet:   handler.NewWalletHandler(wallets, logger),
		Metrics:  http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "ok") }),
		Recorder: ts.routes,
	}, logger)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if user != "" {
		req.Header.Set(middleware.UserHeader, user)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestPlaceOrderFlow(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)

	rec := ts.do(t, http.MethodPost, "/api/deposits", "1", `{"asset":"USDT","amount":"1000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "1000", decodeBody(t, rec)["available"])

	rec = ts.do(t, http.MethodPost, "/api/orders", "1",
		`{"symbol":"btcusdt","side":"BUY","type":"LIMIT","price":"100","amount":"2","client_order_id":"c1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	placed := decodeBody(t, rec)
	assert.Equal(t, "BTCUSDT", placed["symbol"])
	assert.Equal(t, "NEW", placed["status"])
	id, _ := placed["id"].(string)
	require.NotEmpty(t, id)
	require.Len(t, ts.router.placed, 1)

	rec = ts.do(t, http.MethodGet, "/api/balances/usdt", "1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decodeBody(t, rec)
	assert.Equal(t, "800", bal["available"])
	assert.Equal(t, "200", bal["frozen"])

	rec = ts.do(t, http.MethodGet, "/api/orders/"+id, "1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "c1", decodeBody(t, rec)["client_order_id"])

	rec = ts.do(t, http.MethodGet, "/api/orders/"+id, "2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "other users cannot see the order")

	rec = ts.do(t, http.MethodGet, "/api/orders?limit=10", "1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["orders"], 1)

	rec = ts.do(t, http.MethodDelete, "/api/orders/"+id, "1", "")
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/ledger", "1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["entries"], 2, "deposit and freeze")
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)

	cases := []struct {
		name, method, path, user, body string
		want                           int
	}{
		{"no caller", http.MethodGet, "/api/balances", "", "", http.StatusUnauthorized},
		{"bad caller", http.MethodGet, "/api/balances", "abc", "", http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/orders", "1", `{"symbol":"BTCUSDT","leverage":10}`, http.StatusBadRequest},
		{"invalid order", http.MethodPost, "/api/orders", "1", `{"symbol":"BTCUSDT","side":"BUY","type":"LIMIT","amount":"1"}`, http.StatusBadRequest},
		{"unknown symbol", http.MethodPost, "/api/orders", "1", `{"symbol":"DOGEUSDT","side":"BUY","type":"LIMIT","price":"1","amount":"1"}`, http.StatusBadRequest},
		{"no funds", http.MethodPost, "/api/orders", "1", `{"symbol":"BTCUSDT","side":"SELL","type":"LIMIT","price":"1","amount":"1"}`, http.StatusUnprocessableEntity},
		{"missing order", http.MethodDelete, "/api/orders/nope", "1", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, tc.method, tc.path, tc.user, tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestLaneFullIsUnavailable(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)
	require.NoError(t, ts.ledger.Deposit(context.Background(), 1, "USDT", decimal.RequireFromString("10"), "seed"))
	ts.router.refuse = domain.ErrLaneFull

	rec := ts.do(t, http.MethodPost, "/api/orders", "1", `{"symbol":"BTCUSDT","side":"BUY","type":"LIMIT","price":"1","amount":"1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
}

func TestBook(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)
	rec := ts.do(t, http.MethodGet, "/api/books/BTCUSDT", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "BTCUSDT", body["symbol"])
	assert.Equal(t, []any{}, body["bids"])
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t, Config{APIKey: "secret"}, map[string]handler.Pinger{"store": pinger{}})

	rec := ts.do(t, http.MethodGet, "/api/balances", "1", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/balances", nil)
	req.Header.Set(middleware.UserHeader, "1")
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/health", "", "").Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/metrics", "", "").Code)
}

func TestHealthDegraded(t *testing.T) {
	ts := newTestServer(t, Config{}, map[string]handler.Pinger{
		"postgres": pinger{},
		"redis":    pinger{err: errors.New("connection refused")},
	})
	rec := ts.do(t, http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"postgres": "up", "redis": "down"}, body["checks"])
}

func TestRoutesRecordedByPattern(t *testing.T) {
	ts := newTestServer(t, Config{}, nil)
	ts.do(t, http.MethodGet, "/api/orders/abc", "1", "")
	ts.do(t, http.MethodGet, "/api/zzz", "1", "")

	ts.routes.mu.Lock()
	defer ts.routes.mu.Unlock()
	assert.Equal(t, []string{"GET GET /api/orders/{id}", "GET unmatched"}, ts.routes.seen)
}

type countingLimiter struct {
	mu   sync.Mutex
	seen map[string]int
}

func (l *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[key]++
	return l.seen[key] <= limit, nil
}

func TestRateLimitPerUser(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := newTestServer(t, Config{}, nil)
	limiter := &countingLimiter{seen: map[string]int{}}
	h := middleware.User(middleware.RateLimit(limiter, 2, time.Minute, logger)(ts.srv.Handler()))

	codes := make([]int, 0, 4)
	for _, user := range []string{"1", "1", "1", "2"} {
		req := httptest.NewRequest(http.MethodGet, "/api/balances", nil)
		req.Header.Set(middleware.UserHeader, user)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{200, 200, 429, 200}, codes)
}
