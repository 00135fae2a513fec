package split

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/pos-settlement/internal/pricing"
)

// Method is the payment instrument of a split.
type Method string

const (
	MethodCash         Method = "CASH"
	MethodPOS          Method = "POS"
	MethodCardTransfer Method = "CARD_TRANSFER"
)

// IsValid checks if the payment method is known.
func (m Method) IsValid() bool {
	switch m {
	case MethodCash, MethodPOS, MethodCardTransfer:
		return true
	}
	return false
}

// RequiresAccount reports whether a destination account must be chosen.
func (m Method) RequiresAccount() bool {
	return m != MethodCash
}

func (m Method) String() string {
	return string(m)
}

// Split is one payment instrument contributing to the amount being paid.
// Amount is kept as entered so fractional input can be reported instead of
// being rounded away.
type Split struct {
	ID                   string
	Amount               decimal.Decimal
	Method               Method
	DestinationAccountID string
	TipAmount            pricing.Money
	Locked               bool
}

// New returns an unlocked split with a fresh id.
func New(method Method, amount pricing.Money) Split {
	return Split{
		ID:     uuid.NewString(),
		Amount: decimal.NewFromInt(amount),
		Method: method,
	}
}

// MinorAmount returns the amount in minor units. Callers must only rely on it
// for splits that passed validation.
func (s Split) MinorAmount() pricing.Money {
	return s.Amount.IntPart()
}

// Even builds n cash splits that add up to total, the last one absorbing the
// remainder.
func Even(total pricing.Money, n int) []Split {
	if n < 1 {
		n = 1
	}
	share := total / pricing.Money(n)
	out := make([]Split, n)
	for i := range out {
		amount := share
		if i == n-1 {
			amount = total - share*pricing.Money(n-1)
		}
		out[i] = New(MethodCash, amount)
	}
	return out
}

// Rebalance spreads expectedTotal over the splits that are neither locked nor
// the one just edited. Those fixed splits keep their amounts; the remainder is
// shared evenly with the last adjustable split absorbing the rounding rest.
// When nothing is adjustable the splits are returned unchanged.
func Rebalance(splits []Split, expectedTotal pricing.Money, editedID string) []Split {
	out := make([]Split, len(splits))
	copy(out, splits)

	fixed := decimal.Zero
	adjustable := make([]int, 0, len(out))
	for i, s := range out {
		if s.Locked || (editedID != "" && s.ID == editedID) {
			fixed = fixed.Add(s.Amount)
			continue
		}
		adjustable = append(adjustable, i)
	}
	if len(adjustable) == 0 {
		return out
	}

	remaining := decimal.NewFromInt(expectedTotal).Sub(fixed).Floor().IntPart()
	if remaining < 0 {
		remaining = 0
	}
	n := pricing.Money(len(adjustable))
	share := remaining / n
	for k, idx := range adjustable {
		amount := share
		if k == len(adjustable)-1 {
			amount = remaining - share*(n-1)
		}
		out[idx].Amount = decimal.NewFromInt(amount)
	}
	return out
}
