package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/alanyoungcy/cexcore/internal/domain"
	"github.com/alanyoungcy/cexcore/internal/wallet"
)

// WalletService exposes deposits and balance queries.
type WalletService struct {
	markets  *domain.Markets
	ledger   *wallet.Ledger
	validate *validator.Validate
	logger   *slog.Logger
}

// NewWalletService creates a WalletService.
func NewWalletService(markets *domain.Markets, ledger *wallet.Ledger, logger *slog.Logger) *WalletService {
	return &WalletService{
		markets:  markets,
		ledger:   ledger,
		validate: newValidator(),
		logger:   logger.With(slog.String("component", "wallet_service")),
	}
}

// Deposit credits an asset traded on some enabled market.
func (s *WalletService) Deposit(ctx context.Context, req DepositRequest) (domain.Balance, error) {
	req.Asset = strings.ToUpper(strings.TrimSpace(req.Asset))
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return domain.Balance{}, invalid(err)
	}
	if !s.markets.HasAsset(req.Asset) {
		return domain.Balance{}, fmt.Errorf("%w: unknown asset %s", domain.ErrInvalidOrder, req.Asset)
	}
	if req.Reference == "" {
		req.Reference = "deposit:" + uuid.Must(uuid.NewV7()).String()
	}
	if err := s.ledger.Deposit(ctx, req.UserID, req.Asset, req.Amount, req.Reference); err != nil {
		return domain.Balance{}, fmt.Errorf("wallet_service: deposit: %w", err)
	}
	s.logger.InfoContext(ctx, "deposit credited",
		slog.Int64("user_id", req.UserID),
		slog.String("asset", req.Asset),
		slog.String("amount", req.Amount.String()),
		slog.String("reference", req.Reference),
	)
	return s.ledger.Balance(ctx, req.UserID, req.Asset)
}

// Balance returns one balance, zero when never touched.
func (s *WalletService) Balance(ctx context.Context, userID int64, asset string) (domain.Balance, error) {
	return s.ledger.Balance(ctx, userID, strings.ToUpper(asset))
}

// Balances returns every balance of the user.
func (s *WalletService) Balances(ctx context.Context, userID int64) ([]domain.Balance, error) {
	return s.ledger.Balances(ctx, userID)
}

// Entries returns the user's ledger, newest first.
func (s *WalletService) Entries(ctx context.Context, userID int64, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	return s.ledger.Entries(ctx, userID, opts)
}
