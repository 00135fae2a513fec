package snapshot

import (
	"time"

	"github.com/noah-isme/pos-settlement/internal/pricing"
	"github.com/noah-isme/pos-settlement/internal/split"
)

// SaleState is the lifecycle state of a sale.
type SaleState string

const (
	StateOpen     SaleState = "OPEN"
	StateClosed   SaleState = "CLOSED"
	StateCanceled SaleState = "CANCELED"
)

// IsTerminal reports whether no further payments may be submitted.
func (s SaleState) IsTerminal() bool {
	return s == StateClosed || s == StateCanceled
}

// PaymentStatus summarises how much of a sale has been paid.
type PaymentStatus string

const (
	Unpaid        PaymentStatus = "UNPAID"
	PartiallyPaid PaymentStatus = "PARTIALLY_PAID"
	Paid          PaymentStatus = "PAID"
)

// RecordStatus is the status of a server-confirmed payment record.
type RecordStatus string

const (
	RecordActive RecordStatus = "ACTIVE"
	RecordVoid   RecordStatus = "VOID"
)

// Extra is an add-on attached to a line item.
type Extra struct {
	ID        string
	Name      string
	UnitPrice pricing.Money
	Quantity  int64
}

// LineItem is a frozen sale line.
type LineItem struct {
	ID                string
	Name              string
	UnitPrice         pricing.Money
	QuantityTotal     int64
	QuantityPaid      int64
	QuantityRemaining int64
	Extras            []Extra
}

// ExtrasTotal is the price of all extras for the full original quantity.
func (li LineItem) ExtrasTotal() pricing.Money {
	var total pricing.Money
	for _, e := range li.Extras {
		total += e.UnitPrice * e.Quantity
	}
	return total
}

// Clone returns a copy that shares no slices with li.
func (li LineItem) Clone() LineItem {
	li.Extras = append([]Extra(nil), li.Extras...)
	return li
}

// Selectable reports whether part of the line is still unpaid.
func (li LineItem) Selectable() bool {
	return li.QuantityRemaining > 0
}

// AccountInfo identifies where a non-cash payment was received.
type AccountInfo struct {
	ID     string
	Name   string
	Number string
}

// PaymentRecord is an append-only ledger entry confirmed by the server.
type PaymentRecord struct {
	ID            string
	Method        split.Method
	AmountApplied pricing.Money
	TipAmount     pricing.Money
	ReceivedBy    string
	ReceivedAt    time.Time
	Status        RecordStatus
	AccountInfo   *AccountInfo
}

// Snapshot is an immutable view of a sale's monetary state taken when a
// payment session starts. It is replaced, never edited, after every
// successful payment or void.
type Snapshot struct {
	SaleID         string
	TotalAmount    pricing.Money
	TaxAmount      pricing.Money
	DiscountAmount pricing.Money
	SubtotalAmount pricing.Money
	TotalPaid      pricing.Money
	RemainingDue   pricing.Money
	Items          []LineItem
	Payments       []PaymentRecord
	IsFullyPaid    bool
	PaymentStatus  PaymentStatus
	SaleState      SaleState
}

// Clone returns a deep copy. Views handed to callers are clones so the
// session's own snapshot cannot be edited through them.
func (s Snapshot) Clone() Snapshot {
	if s.Items != nil {
		items := make([]LineItem, len(s.Items))
		for i, it := range s.Items {
			items[i] = it.Clone()
		}
		s.Items = items
	}
	if s.Payments != nil {
		payments := make([]PaymentRecord, len(s.Payments))
		for i, p := range s.Payments {
			if p.AccountInfo != nil {
				info := *p.AccountInfo
				p.AccountInfo = &info
			}
			payments[i] = p
		}
		s.Payments = payments
	}
	return s
}

// IsViewOnly reports whether the sale no longer accepts payments.
func (s Snapshot) IsViewOnly() bool {
	return s.IsFullyPaid || s.SaleState.IsTerminal()
}

// Item looks up a line item by id.
func (s Snapshot) Item(id string) (LineItem, bool) {
	for _, it := range s.Items {
		if it.ID == id {
			return it.Clone(), true
		}
	}
	return LineItem{}, false
}

// SelectableItems returns lines with a remaining quantity, in sale order.
func (s Snapshot) SelectableItems() []LineItem {
	out := make([]LineItem, 0, len(s.Items))
	for _, it := range s.Items {
		if it.Selectable() {
			out = append(out, it.Clone())
		}
	}
	return out
}

// PaidItems returns lines with at least one paid unit for the read-only view.
func (s Snapshot) PaidItems() []LineItem {
	out := make([]LineItem, 0)
	for _, it := range s.Items {
		if it.QuantityPaid > 0 {
			out = append(out, it.Clone())
		}
	}
	return out
}

// Payment looks up a payment record by id.
func (s Snapshot) Payment(id string) (PaymentRecord, bool) {
	for _, p := range s.Payments {
		if p.ID == id {
			if p.AccountInfo != nil {
				info := *p.AccountInfo
				p.AccountInfo = &info
			}
			return p, true
		}
	}
	return PaymentRecord{}, false
}

// ActivePayments returns records that count towards TotalPaid.
func (s Snapshot) ActivePayments() []PaymentRecord {
	out := make([]PaymentRecord, 0, len(s.Payments))
	for _, p := range s.Payments {
		if p.Status == RecordActive {
			out = append(out, p)
		}
	}
	return out
}
