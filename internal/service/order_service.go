package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/alanyoungcy/cexcore/internal/domain"
	"github.com/alanyoungcy/cexcore/internal/wallet"
)

// Router hands events to the symbol lanes. engine.Manager implements it.
type Router interface {
	Submit(ctx context.Context, o *domain.Order) error
	Cancel(ctx context.Context, symbol, orderID string, userID int64) error
	Book(ctx context.Context, symbol string) (domain.BookSnapshot, error)
}

// OrderConfig tunes the order service.
type OrderConfig struct {
	DedupTTL   time.Duration
	RateLimit  int
	RateWindow time.Duration
}

// OrderService validates, funds and routes orders.
type OrderService struct {
	markets  *domain.Markets
	store    domain.Store
	ledger   *wallet.Ledger
	router   Router
	limiter  domain.RateLimiter
	dedup    *Dedup
	validate *validator.Validate
	cfg      OrderConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrderService creates an OrderService. limiter may be nil to disable rate
// limiting.
func NewOrderService(
	markets *domain.Markets,
	store domain.Store,
	ledger *wallet.Ledger,
	router Router,
	limiter domain.RateLimiter,
	cfg OrderConfig,
	logger *slog.Logger,
) *OrderService {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	return &OrderService{
		markets:  markets,
		store:    store,
		ledger:   ledger,
		router:   router,
		limiter:  limiter,
		dedup:    NewDedup(cfg.DedupTTL),
		validate: newValidator(),
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "order_service")),
		now:      time.Now,
	}
}

// Dedup exposes the client order id window for periodic cleanup.
func (s *OrderService) Dedup() *Dedup { return s.dedup }

// Submit validates the request, freezes the funds the order needs, writes
// the order durably and only then hands it to its lane. A retried request
// with the same client order id returns the order created by the first one.
func (s *OrderService) Submit(ctx context.Context, req SubmitRequest) (*domain.Order, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, invalid(err)
	}
	mk, err := s.markets.Get(req.Symbol)
	if err != nil {
		return nil, err
	}

	if s.limiter != nil && s.cfg.RateLimit > 0 {
		ok, err := s.limiter.Allow(ctx, "submit:"+strconv.FormatInt(req.UserID, 10), s.cfg.RateLimit, s.cfg.RateWindow)
		if err != nil {
			return nil, fmt.Errorf("order_service: rate limiter: %w", err)
		}
		if !ok {
			return nil, domain.ErrRateLimited
		}
	}

	var dedupKey string
	if req.ClientOrderID != "" {
		if o, err := s.byClientID(ctx, req.UserID, req.ClientOrderID); err != nil || o != nil {
			return o, err
		}
		dedupKey = strconv.FormatInt(req.UserID, 10) + ":" + req.ClientOrderID
		if !s.dedup.Claim(dedupKey) {
			if o, err := s.byClientID(ctx, req.UserID, req.ClientOrderID); err != nil || o != nil {
				return o, err
			}
			return nil, fmt.Errorf("order_service: client order id %s in flight: %w", req.ClientOrderID, domain.ErrDuplicateOrder)
		}
	}

	o, err := s.place(ctx, mk, req)
	if err != nil && dedupKey != "" {
		s.dedup.Release(dedupKey)
	}
	return o, err
}

func (s *OrderService) byClientID(ctx context.Context, userID int64, clientID string) (*domain.Order, error) {
	o, err := s.store.Orders().GetByClientID(ctx, userID, clientID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("order_service: lookup client order id: %w", err)
	}
	return o, nil
}

func (s *OrderService) place(ctx context.Context, mk domain.Market, req SubmitRequest) (*domain.Order, error) {
	now := s.now().UTC()
	o := &domain.Order{
		ID:            uuid.Must(uuid.NewV7()).String(),
		ClientOrderID: req.ClientOrderID,
		UserID:        req.UserID,
		Symbol:        mk.Symbol,
		Type:          req.Type,
		Side:          req.Side,
		Price:         req.Price,
		Amount:        req.Amount,
		QuoteAmount:   req.QuoteAmount,
		Status:        domain.OrderStatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	o.FrozenAmount = domain.RequiredFreeze(o)
	if !o.FrozenAmount.IsPositive() {
		return nil, fmt.Errorf("%w: order value rounds to zero", domain.ErrInvalidOrder)
	}

	freeze := []wallet.Posting{{
		UserID:    o.UserID,
		Asset:     o.FrozenAsset(mk),
		Type:      domain.LedgerFreeze,
		Amount:    o.FrozenAmount,
		Reference: "order:" + o.ID,
	}}
	err := s.ledger.Apply(ctx, freeze, func(ctx context.Context, tx domain.Tx) error {
		return tx.Orders().Create(ctx, o)
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			return nil, domain.ErrInsufficientFunds
		}
		return nil, fmt.Errorf("order_service: place: %w", err)
	}

	if err := s.router.Submit(ctx, o.Clone()); err != nil {
		s.logger.WarnContext(ctx, "order not accepted by lane",
			slog.String("order_id", o.ID),
			slog.String("symbol", o.Symbol),
			slog.String("error", err.Error()),
		)
		if cerr := s.compensate(context.WithoutCancel(ctx), mk, o.ID); cerr != nil {
			s.logger.ErrorContext(ctx, "order compensation failed",
				slog.String("order_id", o.ID),
				slog.String("error", cerr.Error()),
			)
		}
		if errors.Is(err, domain.ErrLaneClosed) || errors.Is(err, domain.ErrSymbolNotSupported) {
			return nil, err
		}
		return nil, fmt.Errorf("order_service: submit %s: %w", o.ID, domain.ErrLaneFull)
	}

	s.logger.InfoContext(ctx, "order accepted",
		slog.String("order_id", o.ID),
		slog.Int64("user_id", o.UserID),
		slog.String("symbol", o.Symbol),
		slog.String("side", string(o.Side)),
		slog.String("type", string(o.Type)),
		slog.String("frozen", o.FrozenAmount.String()),
	)
	return o, nil
}

// compensate undoes an accepted-but-unrouted order: the funds are released and
// the order is closed before it could ever trade.
func (s *OrderService) compensate(ctx context.Context, mk domain.Market, orderID string) error {
	o, err := s.store.Orders().GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if err := o.ApplyCancel(); err != nil {
		return err
	}
	release := o.FrozenResidual()
	o.FrozenUsed = o.FrozenAmount
	o.UpdatedAt = s.now().UTC()
	return s.ledger.Apply(ctx, []wallet.Posting{{
		UserID:    o.UserID,
		Asset:     o.FrozenAsset(mk),
		Type:      domain.LedgerUnfreeze,
		Amount:    release,
		Reference: "order:" + o.ID,
	}}, func(ctx context.Context, tx domain.Tx) error {
		return tx.Orders().Update(ctx, o)
	})
}

// Cancel asks the order's lane to cancel it. The order must exist, belong to
// userID and still be open.
func (s *OrderService) Cancel(ctx context.Context, userID int64, orderID string) error {
	o, err := s.owned(ctx, userID, orderID)
	if err != nil {
		return err
	}
	if !o.Status.Open() {
		return fmt.Errorf("order_service: cancel %s in %s: %w", orderID, o.Status, domain.ErrInvalidStateTransition)
	}
	if err := s.router.Cancel(ctx, o.Symbol, o.ID, userID); err != nil {
		return fmt.Errorf("order_service: cancel %s: %w", orderID, err)
	}
	s.logger.InfoContext(ctx, "cancel requested",
		slog.String("order_id", o.ID),
		slog.Int64("user_id", userID),
	)
	return nil
}

// Get returns one of the user's orders.
func (s *OrderService) Get(ctx context.Context, userID int64, orderID string) (*domain.Order, error) {
	return s.owned(ctx, userID, orderID)
}

// List returns the user's orders, newest first.
func (s *OrderService) List(ctx context.Context, userID int64, opts domain.ListOpts) ([]*domain.Order, error) {
	orders, err := s.store.Orders().ListByUser(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("order_service: list: %w", err)
	}
	return orders, nil
}

// Book returns the published snapshot of symbol.
func (s *OrderService) Book(ctx context.Context, symbol string) (domain.BookSnapshot, error) {
	return s.router.Book(ctx, strings.ToUpper(symbol))
}

func (s *OrderService) owned(ctx context.Context, userID int64, orderID string) (*domain.Order, error) {
	o, err := s.store.Orders().GetByID(ctx, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("order_service: get %s: %w", orderID, err)
	}
	if o.UserID != userID {
		return nil, domain.ErrOrderNotFound
	}
	return o, nil
}
