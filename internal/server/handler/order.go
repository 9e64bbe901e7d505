package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cexcore/internal/domain"
	"github.com/alanyoungcy/cexcore/internal/service"
)

// OrderService is the part of service.OrderService the handlers use.
type OrderService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*domain.Order, error)
	Cancel(ctx context.Context, userID int64, orderID string) error
	Get(ctx context.Context, userID int64, orderID string) (*domain.Order, error)
	List(ctx context.Context, userID int64, opts domain.ListOpts) ([]*domain.Order, error)
	Book(ctx context.Context, symbol string) (domain.BookSnapshot, error)
}

// OrderHandler serves the order and book endpoints.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, logger: logger.With(slog.String("handler", "orders"))}
}

type orderView struct {
	ID            string             `json:"id"`
	ClientOrderID string             `json:"client_order_id,omitempty"`
	Symbol        string             `json:"symbol"`
	Side          domain.OrderSide   `json:"side"`
	Type          domain.OrderType   `json:"type"`
	Price         decimal.Decimal    `json:"price"`
	Amount        decimal.Decimal    `json:"amount"`
	QuoteAmount   decimal.Decimal    `json:"quote_amount"`
	Filled        decimal.Decimal    `json:"filled"`
	QuoteFilled   decimal.Decimal    `json:"quote_filled"`
	AvgPrice      decimal.Decimal    `json:"avg_price"`
	Status        domain.OrderStatus `json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

func viewOrder(o *domain.Order) orderView {
	return orderView{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		Price:         o.Price,
		Amount:        o.Amount,
		QuoteAmount:   o.QuoteAmount,
		Filled:        o.Filled,
		QuoteFilled:   o.QuoteFilled,
		AvgPrice:      o.AvgPrice,
		Status:        o.Status,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

// PlaceOrder handles POST /api/orders. The order is accepted once its funds
// are frozen and it is queued; matching happens asynchronously.
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req service.SubmitRequest
	if !decode(w, r, &req) {
		return
	}
	req.UserID = userID

	o, err := h.orders.Submit(r.Context(), req)
	if err != nil {
		fail(w, r, h.logger, "place order", err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewOrder(o))
}

// CancelOrder handles DELETE /api/orders/{id}.
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := h.orders.Cancel(r.Context(), userID, id); err != nil {
		fail(w, r, h.logger, "cancel order", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested", "order_id": id})
}

// GetOrder handles GET /api/orders/{id}.
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	o, err := h.orders.Get(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		fail(w, r, h.logger, "get order", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOrder(o))
}

// ListOrders handles GET /api/orders, newest first.
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	orders, err := h.orders.List(r.Context(), userID, parseListOpts(r))
	if err != nil {
		fail(w, r, h.logger, "list orders", err)
		return
	}
	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, viewOrder(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": views})
}

// GetBook handles GET /api/books/{symbol}.
func (h *OrderHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	snap, err := h.orders.Book(r.Context(), r.PathValue("symbol"))
	if err != nil {
		fail(w, r, h.logger, "get book", err)
		return
	}
	if snap.Bids == nil {
		snap.Bids = []domain.BookLevel{}
	}
	if snap.Asks == nil {
		snap.Asks = []domain.BookLevel{}
	}
	writeJSON(w, http.StatusOK, snap)
}
