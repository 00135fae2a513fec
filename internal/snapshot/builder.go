package snapshot

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	validator "github.com/go-playground/validator/v10"

	"github.com/noah-isme/pos-settlement/internal/common"
	"github.com/noah-isme/pos-settlement/internal/pricing"
	"github.com/noah-isme/pos-settlement/internal/split"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Build freezes raw into a Snapshot. It fails with an INVALID_SALE_STATE
// error when required monetary fields are missing or when a derived quantity
// would be negative; values are never clamped.
func Build(raw RawSale) (Snapshot, error) {
	if err := validate.Struct(raw); err != nil {
		return Snapshot{}, describeValidation(raw.ID, err)
	}

	snap := Snapshot{
		SaleID:         raw.ID,
		SubtotalAmount: *raw.SubtotalAmount,
		TaxAmount:      *raw.TaxAmount,
		DiscountAmount: *raw.DiscountAmount,
		TotalAmount:    *raw.TotalAmount,
		TotalPaid:      *raw.TotalPaid,
		SaleState:      SaleState(raw.State),
		Items:          make([]LineItem, 0, len(raw.Items)),
		Payments:       make([]PaymentRecord, 0, len(raw.Payments)),
	}

	seen := make(map[string]struct{}, len(raw.Items))
	for _, ri := range raw.Items {
		if _, dup := seen[ri.ID]; dup {
			return Snapshot{}, common.InvalidSaleState(fmt.Sprintf("sale %s: duplicate line item %s", raw.ID, ri.ID))
		}
		seen[ri.ID] = struct{}{}
		item, err := buildItem(raw.ID, ri)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Items = append(snap.Items, item)
	}

	var activePaid pricing.Money
	for _, rp := range raw.Payments {
		rec := buildPayment(rp)
		if rec.Status == RecordActive {
			activePaid += rec.AmountApplied
		}
		snap.Payments = append(snap.Payments, rec)
	}
	if len(snap.Payments) > 0 && activePaid != snap.TotalPaid {
		return Snapshot{}, common.InvalidSaleState(fmt.Sprintf(
			"sale %s: total paid %d does not match active payments %d", raw.ID, snap.TotalPaid, activePaid))
	}

	snap.RemainingDue = snap.TotalAmount - snap.TotalPaid
	if snap.RemainingDue < 0 {
		return Snapshot{}, common.InvalidSaleState(fmt.Sprintf(
			"sale %s: total paid %d exceeds total amount %d", raw.ID, snap.TotalPaid, snap.TotalAmount))
	}
	snap.IsFullyPaid = snap.RemainingDue <= 0
	snap.PaymentStatus = derivePaymentStatus(snap)
	return snap, nil
}

func buildItem(saleID string, ri RawItem) (LineItem, error) {
	total := *ri.Quantity
	remaining := total - ri.QuantityPaid
	if remaining < 0 {
		return LineItem{}, common.InvalidSaleState(fmt.Sprintf(
			"sale %s: item %s has %d paid of %d", saleID, ri.ID, ri.QuantityPaid, total))
	}
	item := LineItem{
		ID:                ri.ID,
		Name:              ri.Name,
		UnitPrice:         *ri.UnitPrice,
		QuantityTotal:     total,
		QuantityPaid:      ri.QuantityPaid,
		QuantityRemaining: remaining,
		Extras:            make([]Extra, 0, len(ri.Extras)),
	}
	for _, re := range ri.Extras {
		item.Extras = append(item.Extras, Extra{
			ID:        re.ID,
			Name:      re.Name,
			UnitPrice: *re.UnitPrice,
			Quantity:  re.Quantity,
		})
	}
	return item, nil
}

func buildPayment(rp RawPayment) PaymentRecord {
	rec := PaymentRecord{
		ID:            rp.ID,
		Method:        split.Method(rp.Method),
		AmountApplied: rp.AmountApplied,
		TipAmount:     rp.TipAmount,
		ReceivedBy:    rp.ReceivedBy,
		ReceivedAt:    rp.ReceivedAt,
		Status:        RecordStatus(rp.Status),
	}
	if rp.Account != nil {
		rec.AccountInfo = &AccountInfo{ID: rp.Account.ID, Name: rp.Account.Name, Number: rp.Account.Number}
	}
	return rec
}

func derivePaymentStatus(s Snapshot) PaymentStatus {
	switch {
	case s.IsFullyPaid:
		return Paid
	case s.TotalPaid > 0:
		return PartiallyPaid
	default:
		return Unpaid
	}
}

func describeValidation(saleID string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return common.NewAppError(common.CodeInvalidSaleState, fmt.Sprintf("sale %s: %v", saleID, err), err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	ae := common.InvalidSaleState(fmt.Sprintf("sale %s: %s", saleID, strings.Join(parts, "; ")))
	ae.Details = parts
	return ae
}
