package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/pos-settlement/internal/common"
)

// Money represents a monetary value stored in minor units.
type Money = int64

// Divisor bounds accepted by the calculation API.
const (
	MinDivisor = 1
	MaxDivisor = 10
)

// ErrNegativeInput is returned when a tax, discount or tip value is negative.
var ErrNegativeInput = errors.New("pricing: negative input")

var hundred = decimal.NewFromInt(100)

// AdjustmentType selects how a tax or discount value is interpreted.
type AdjustmentType string

const (
	Fixed      AdjustmentType = "FIXED"
	Percentage AdjustmentType = "PERCENTAGE"
)

// IsValid reports whether the adjustment type is known.
func (t AdjustmentType) IsValid() bool {
	return t == Fixed || t == Percentage
}

// Inputs holds the user-controlled formula parameters. Fixed values are in
// minor units; percentage values are percents (10 == 10%).
type Inputs struct {
	TaxEnabled    bool
	TaxType       AdjustmentType
	TaxValue      decimal.Decimal
	DiscountType  AdjustmentType
	DiscountValue decimal.Decimal
	TipAmount     Money
	Divisor       int
}

// Breakdown aggregates computed formula components.
type Breakdown struct {
	Subtotal    Money
	Tax         Money
	Discount    Money
	Tip         Money
	PreDivision Money
	Divisor     int
	Final       Money
}

// RoundHalfUp rounds a non-negative decimal amount to whole minor units.
func RoundHalfUp(d decimal.Decimal) Money {
	return d.Round(0).IntPart()
}

// Percent returns round_half_up(base * pct / 100).
func Percent(base Money, pct decimal.Decimal) Money {
	return RoundHalfUp(decimal.NewFromInt(base).Mul(pct).Div(hundred))
}

// DivideHalfUp returns round_half_up(amount / divisor).
func DivideHalfUp(amount Money, divisor int) Money {
	if divisor <= 1 {
		return amount
	}
	return RoundHalfUp(decimal.NewFromInt(amount).Div(decimal.NewFromInt(int64(divisor))))
}

// ValidateDivisor rejects divisors outside [MinDivisor, MaxDivisor].
func ValidateDivisor(divisor int) error {
	if divisor < MinDivisor || divisor > MaxDivisor {
		return common.InvalidDivisor(fmt.Sprintf("divisor must be between %d and %d, got %d", MinDivisor, MaxDivisor, divisor))
	}
	return nil
}

// ClampDivisor is a convenience for interactive steppers; the calculation
// API itself rejects out-of-range divisors.
func ClampDivisor(divisor int) int {
	if divisor < MinDivisor {
		return MinDivisor
	}
	if divisor > MaxDivisor {
		return MaxDivisor
	}
	return divisor
}

// Compute derives tax, discount and the final amount from the selected
// subtotal. Tax and discount are each rounded half-up to minor units before
// they are combined; the division by the divisor is rounded half-up once more.
// A discount larger than subtotal plus tax is capped so the amount due never
// drops below the tip.
func Compute(subtotal Money, in Inputs) (Breakdown, error) {
	if err := ValidateDivisor(in.Divisor); err != nil {
		return Breakdown{}, err
	}
	if subtotal < 0 || in.TipAmount < 0 || in.TaxValue.IsNegative() || in.DiscountValue.IsNegative() {
		return Breakdown{}, ErrNegativeInput
	}

	var tax Money
	if in.TaxEnabled {
		tax = adjustment(subtotal, in.TaxType, in.TaxValue)
	}
	discount := adjustment(subtotal, in.DiscountType, in.DiscountValue)
	if discount > subtotal+tax {
		discount = subtotal + tax
	}
	pre := subtotal + tax - discount + in.TipAmount
	return Breakdown{
		Subtotal:    subtotal,
		Tax:         tax,
		Discount:    discount,
		Tip:         in.TipAmount,
		PreDivision: pre,
		Divisor:     in.Divisor,
		Final:       DivideHalfUp(pre, in.Divisor),
	}, nil
}

func adjustment(subtotal Money, kind AdjustmentType, value decimal.Decimal) Money {
	if value.IsZero() {
		return 0
	}
	if kind == Percentage {
		return Percent(subtotal, value)
	}
	return RoundHalfUp(value)
}
