package domain

import "github.com/shopspring/decimal"

// PriceScale is the number of fractional digits kept for prices, quantities
// and quote values.
const PriceScale int32 = 8

// RoundValue rounds a computed monetary value half-up at PriceScale. It is used
// for freeze amounts, residual unfreezes and average prices.
func RoundValue(d decimal.Decimal) decimal.Decimal {
	return d.Round(PriceScale)
}

// TruncQty truncates a quantity toward zero at PriceScale.
func TruncQty(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(PriceScale)
}

// TruncValue truncates a computed monetary value toward zero at PriceScale.
// Trade costs use it, so the sum of a buy's fills never exceeds what it froze.
func TruncValue(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(PriceScale)
}

// TradeValue returns the quote cost of qty at price, truncated at PriceScale.
func TradeValue(price, qty decimal.Decimal) decimal.Decimal {
	return TruncValue(price.Mul(qty))
}

// QuoteValue returns price*qty rounded half-up at PriceScale.
func QuoteValue(price, qty decimal.Decimal) decimal.Decimal {
	return RoundValue(price.Mul(qty))
}

// AffordableQty returns how much base quantity spend buys at price, truncated
// at PriceScale so that price*qty never exceeds spend.
func AffordableQty(spend, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() || !spend.IsPositive() {
		return decimal.Zero
	}
	q, _ := spend.QuoRem(price, PriceScale)
	return q
}
