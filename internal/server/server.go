// Package server exposes the exchange over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/cexcore/internal/domain"
	"github.com/alanyoungcy/cexcore/internal/server/handler"
	"github.com/alanyoungcy/cexcore/internal/server/middleware"
	"github.com/alanyoungcy/cexcore/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
	RateLimit   int    // requests per window per caller; 0 disables
	RateWindow  time.Duration
}

// Handlers aggregates what the server routes to. Metrics, Limiter and
// Recorder are optional.
type Handlers struct {
	Health   *handler.HealthHandler
	Orders   *handler.OrderHandler
	Wallet   *handler.WalletHandler
	Hub      *ws.Hub
	Metrics  http.Handler
	Limiter  domain.RateLimiter
	Recorder middleware.Recorder
}

// Server is the HTTP and WebSocket front of the exchange.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer registers every route and builds the middleware chain.
func NewServer(cfg Config, h Handlers, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)

	mux.HandleFunc("POST /api/orders", h.Orders.PlaceOrder)
	mux.HandleFunc("GET /api/orders", h.Orders.ListOrders)
	mux.HandleFunc("GET /api/orders/{id}", h.Orders.GetOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", h.Orders.CancelOrder)
	mux.HandleFunc("GET /api/books/{symbol}", h.Orders.GetBook)

	mux.HandleFunc("GET /api/balances", h.Wallet.ListBalances)
	mux.HandleFunc("GET /api/balances/{asset}", h.Wallet.GetBalance)
	mux.HandleFunc("POST /api/deposits", h.Wallet.Deposit)
	mux.HandleFunc("GET /api/ledger", h.Wallet.ListEntries)

	if h.Hub != nil {
		mux.HandleFunc("GET /ws", h.Hub.HandleWS)
	}
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}

	// Innermost first. Layers between Logging and the mux must not replace
	// the request: Logging reads the matched pattern from it afterwards.
	var chain http.Handler = mux
	if h.Limiter != nil && cfg.RateLimit > 0 {
		chain = middleware.RateLimit(h.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(chain)
	}
	chain = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(chain)
	chain = middleware.Logging(logger, h.Recorder)(chain)
	chain = middleware.User(chain)
	chain = middleware.CORS(cfg.CORSOrigins)(chain)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      chain,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		handler: chain,
		logger:  logger,
	}
}

// Handler returns the routed, wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
