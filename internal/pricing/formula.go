package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Mode tells whether the final amount follows the formula or a manual edit.
type Mode int

const (
	// FormulaDriven recomputes the final amount on every input change.
	FormulaDriven Mode = iota
	// UserOverridden keeps the manually entered amount until SyncToFormula.
	UserOverridden
)

func (m Mode) String() string {
	if m == UserOverridden {
		return "user_overridden"
	}
	return "formula_driven"
}

// State is a read-only view of a Formula.
type State struct {
	Inputs
	Subtotal           Money
	Mode               Mode
	ManuallyOverridden bool
	FormulaAmount      Money
	FinalAmount        Money
	Breakdown          Breakdown
}

// Formula is the session-local state machine behind the amount field.
type Formula struct {
	subtotal  Money
	inputs    Inputs
	mode      Mode
	final     Money
	breakdown Breakdown
}

// DefaultInputs returns inputs with tax disabled and a divisor of one.
func DefaultInputs() Inputs {
	return Inputs{
		TaxType:      Percentage,
		TaxValue:     decimal.Zero,
		DiscountType: Fixed,
		Divisor:      1,
	}
}

// NewFormula builds a formula-driven state for the given starting inputs.
func NewFormula(in Inputs) (*Formula, error) {
	if in.Divisor == 0 {
		in.Divisor = 1
	}
	if in.TaxType == "" {
		in.TaxType = Percentage
	}
	if in.DiscountType == "" {
		in.DiscountType = Fixed
	}
	b, err := Compute(0, in)
	if err != nil {
		return nil, err
	}
	return &Formula{inputs: in, breakdown: b, final: b.Final}, nil
}

// State returns a snapshot of the current formula values.
func (f *Formula) State() State {
	return State{
		Inputs:             f.inputs,
		Subtotal:           f.subtotal,
		Mode:               f.mode,
		ManuallyOverridden: f.mode == UserOverridden,
		FormulaAmount:      f.breakdown.Final,
		FinalAmount:        f.final,
		Breakdown:          f.breakdown,
	}
}

// FinalAmount returns the amount that will be charged.
func (f *Formula) FinalAmount() Money {
	return f.final
}

// OnFormulaInputChanged applies update to a copy of the inputs and commits it
// when the result is computable. The final amount follows the formula unless
// the user has overridden it; a changed divisor or tax toggle always clears
// the override.
func (f *Formula) OnFormulaInputChanged(update func(*Inputs)) error {
	next := f.inputs
	if update != nil {
		update(&next)
	}
	if err := ValidateDivisor(next.Divisor); err != nil {
		return err
	}
	clearOverride := next.Divisor != f.inputs.Divisor || next.TaxEnabled != f.inputs.TaxEnabled
	return f.apply(f.subtotal, next, clearOverride)
}

// SetSubtotal feeds a new selected subtotal into the formula.
func (f *Formula) SetSubtotal(subtotal Money) error {
	return f.apply(subtotal, f.inputs, false)
}

// SetTax updates the tax type and value.
func (f *Formula) SetTax(kind AdjustmentType, value decimal.Decimal) error {
	if !kind.IsValid() {
		return errors.New("pricing: unknown tax type")
	}
	return f.OnFormulaInputChanged(func(in *Inputs) {
		in.TaxType = kind
		in.TaxValue = value
	})
}

// SetDiscount updates the discount type and value.
func (f *Formula) SetDiscount(kind AdjustmentType, value decimal.Decimal) error {
	if !kind.IsValid() {
		return errors.New("pricing: unknown discount type")
	}
	return f.OnFormulaInputChanged(func(in *Inputs) {
		in.DiscountType = kind
		in.DiscountValue = value
	})
}

// SetTip updates the tip amount.
func (f *Formula) SetTip(tip Money) error {
	return f.OnFormulaInputChanged(func(in *Inputs) { in.TipAmount = tip })
}

// SetTaxEnabled toggles tax. An explicit tax toggle discards a manual override.
func (f *Formula) SetTaxEnabled(enabled bool) error {
	next := f.inputs
	next.TaxEnabled = enabled
	return f.apply(f.subtotal, next, true)
}

// SetDivisor changes the bill-split divisor and discards a manual override.
func (f *Formula) SetDivisor(divisor int) error {
	if err := ValidateDivisor(divisor); err != nil {
		return err
	}
	next := f.inputs
	next.Divisor = divisor
	return f.apply(f.subtotal, next, true)
}

// OnAmountEdited records a direct edit of the amount field. An amount that
// differs from the current final amount decouples it from the formula.
func (f *Formula) OnAmountEdited(amount Money) error {
	if amount < 0 {
		return ErrNegativeInput
	}
	if amount == f.final {
		return nil
	}
	f.final = amount
	f.mode = UserOverridden
	return nil
}

// SyncToFormula recomputes the final amount and leaves override mode.
func (f *Formula) SyncToFormula() {
	f.mode = FormulaDriven
	f.final = f.breakdown.Final
}

func (f *Formula) apply(subtotal Money, in Inputs, clearOverride bool) error {
	b, err := Compute(subtotal, in)
	if err != nil {
		return err
	}
	f.subtotal = subtotal
	f.inputs = in
	f.breakdown = b
	if clearOverride {
		f.mode = FormulaDriven
	}
	if f.mode == FormulaDriven {
		f.final = b.Final
	}
	return nil
}
