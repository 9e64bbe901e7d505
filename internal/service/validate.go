package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cexcore/internal/domain"
)

// SubmitRequest is a new order as received from a client.
type SubmitRequest struct {
	UserID        int64            `json:"-" validate:"required,gt=0"`
	ClientOrderID string           `json:"client_order_id" validate:"omitempty,max=64,printascii"`
	Symbol        string           `json:"symbol" validate:"required,alphanum,max=32"`
	Side          domain.OrderSide `json:"side" validate:"required,oneof=BUY SELL"`
	Type          domain.OrderType `json:"type" validate:"required,oneof=LIMIT MARKET"`
	Price         decimal.Decimal  `json:"price"`
	Amount        decimal.Decimal  `json:"amount"`
	QuoteAmount   decimal.Decimal  `json:"quote_amount"`
}

// DepositRequest credits funds to a user.
type DepositRequest struct {
	UserID    int64           `json:"-" validate:"required,gt=0"`
	Asset     string          `json:"asset" validate:"required,alphanum,max=16"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference" validate:"omitempty,max=128,printascii"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(submitRules, SubmitRequest{})
	v.RegisterStructValidation(depositRules, DepositRequest{})
	return v
}

// submitRules checks the fields each order type needs.
func submitRules(sl validator.StructLevel) {
	r := sl.Current().Interface().(SubmitRequest)
	positive := func(d decimal.Decimal, field string) {
		if !d.IsPositive() {
			sl.ReportError(d, field, field, "gt0", "")
		} else if !fitsScale(d) {
			sl.ReportError(d, field, field, "scale", "")
		}
	}
	absent := func(d decimal.Decimal, field string) {
		if !d.IsZero() {
			sl.ReportError(d, field, field, "absent", "")
		}
	}
	switch {
	case r.Type == domain.OrderTypeLimit:
		positive(r.Price, "Price")
		positive(r.Amount, "Amount")
		absent(r.QuoteAmount, "QuoteAmount")
	case r.Type == domain.OrderTypeMarket && r.Side == domain.OrderSideBuy:
		positive(r.QuoteAmount, "QuoteAmount")
		absent(r.Price, "Price")
		absent(r.Amount, "Amount")
	case r.Type == domain.OrderTypeMarket:
		positive(r.Amount, "Amount")
		absent(r.Price, "Price")
		absent(r.QuoteAmount, "QuoteAmount")
	}
}

func depositRules(sl validator.StructLevel) {
	r := sl.Current().Interface().(DepositRequest)
	if !r.Amount.IsPositive() {
		sl.ReportError(r.Amount, "Amount", "Amount", "gt0", "")
	} else if !fitsScale(r.Amount) {
		sl.ReportError(r.Amount, "Amount", "Amount", "scale", "")
	}
}

func fitsScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(domain.PriceScale))
}

// invalid turns validator output into an ErrInvalidOrder naming every bad
// field.
func invalid(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", domain.ErrInvalidOrder, err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", domain.ErrInvalidOrder, strings.Join(parts, ", "))
}
