package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cexcore/internal/domain"
	"github.com/alanyoungcy/cexcore/internal/service"
)

// WalletService is the part of service.WalletService the handlers use.
type WalletService interface {
	Deposit(ctx context.Context, req service.DepositRequest) (domain.Balance, error)
	Balance(ctx context.Context, userID int64, asset string) (domain.Balance, error)
	Balances(ctx context.Context, userID int64) ([]domain.Balance, error)
	Entries(ctx context.Context, userID int64, opts domain.ListOpts) ([]domain.LedgerEntry, error)
}

// WalletHandler serves balances, deposits and the ledger.
type WalletHandler struct {
	wallets WalletService
	logger  *slog.Logger
}

// NewWalletHandler creates a WalletHandler.
func NewWalletHandler(wallets WalletService, logger *slog.Logger) *WalletHandler {
	return &WalletHandler{wallets: wallets, logger: logger.With(slog.String("handler", "wallet"))}
}

type balanceView struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Frozen    decimal.Decimal `json:"frozen"`
	Total     decimal.Decimal `json:"total"`
}

func viewBalance(b domain.Balance) balanceView {
	return balanceView{Asset: b.Asset, Available: b.Available, Frozen: b.Frozen, Total: b.Total()}
}

type entryView struct {
	ID        string            `json:"id"`
	Asset     string            `json:"asset"`
	Type      domain.LedgerType `json:"type"`
	Amount    decimal.Decimal   `json:"amount"`
	Reference string            `json:"reference"`
	Available decimal.Decimal   `json:"available_after"`
	Frozen    decimal.Decimal   `json:"frozen_after"`
	CreatedAt time.Time         `json:"created_at"`
}

// GetBalance handles GET /api/balances/{asset}.
func (h *WalletHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	b, err := h.wallets.Balance(r.Context(), userID, strings.ToUpper(r.PathValue("asset")))
	if err != nil {
		fail(w, r, h.logger, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, viewBalance(b))
}

// ListBalances handles GET /api/balances.
func (h *WalletHandler) ListBalances(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	bs, err := h.wallets.Balances(r.Context(), userID)
	if err != nil {
		fail(w, r, h.logger, "list balances", err)
		return
	}
	views := make([]balanceView, 0, len(bs))
	for _, b := range bs {
		views = append(views, viewBalance(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": views})
}

// Deposit handles POST /api/deposits.
func (h *WalletHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req service.DepositRequest
	if !decode(w, r, &req) {
		return
	}
	req.UserID = userID

	b, err := h.wallets.Deposit(r.Context(), req)
	if err != nil {
		fail(w, r, h.logger, "deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, viewBalance(b))
}

// ListEntries handles GET /api/ledger.
func (h *WalletHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	entries, err := h.wallets.Entries(r.Context(), userID, parseListOpts(r))
	if err != nil {
		fail(w, r, h.logger, "list ledger", err)
		return
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView{
			ID: e.ID, Asset: e.Asset, Type: e.Type, Amount: e.Amount, Reference: e.Reference,
			Available: e.AfterAvailable, Frozen: e.AfterFrozen, CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": views})
}
