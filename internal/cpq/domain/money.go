package domain

import "github.com/shopspring/decimal"

// MoneyScale is the number of decimal places kept after the per-line
// subtotal rounding boundary.
const MoneyScale = 2

// Zero is the canonical zero monetary amount.
var Zero = decimal.Zero

// RoundLineSubtotal applies the documented rounding rule (round-half-even at
// two decimal places). It is the single rounding point in the pricing
// pipeline; aggregates are exact sums of already-rounded line subtotals.
func RoundLineSubtotal(value decimal.Decimal) decimal.Decimal {
	return value.RoundBank(MoneyScale)
}

// PercentOf returns value * (percent / 100) without rounding.
func PercentOf(value, percent decimal.Decimal) decimal.Decimal {
	return value.Mul(percent).Div(decimal.NewFromInt(100))
}

// EffectivePercent returns part / whole * 100, or zero when whole is zero.
func EffectivePercent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Mul(decimal.NewFromInt(100)).Div(whole)
}
