package snapshot

import "time"

// RawSale is the sale representation returned by the sale API. Monetary
// fields are pointers so that a missing field can be told apart from zero.
type RawSale struct {
	ID             string       `json:"id" validate:"required"`
	State          string       `json:"state" validate:"required,oneof=OPEN CLOSED CANCELED"`
	SubtotalAmount *int64       `json:"subtotal_amount" validate:"required,gte=0"`
	TaxAmount      *int64       `json:"tax_amount" validate:"required,gte=0"`
	DiscountAmount *int64       `json:"discount_amount" validate:"required,gte=0"`
	TotalAmount    *int64       `json:"total_amount" validate:"required,gte=0"`
	TotalPaid      *int64       `json:"total_paid" validate:"required,gte=0"`
	Items          []RawItem    `json:"items" validate:"dive"`
	Payments       []RawPayment `json:"payments" validate:"dive"`
}

// RawItem is one sale line as sent by the sale API.
type RawItem struct {
	ID           string     `json:"id" validate:"required"`
	Name         string     `json:"name"`
	UnitPrice    *int64     `json:"unit_price" validate:"required,gte=0"`
	Quantity     *int64     `json:"quantity" validate:"required,gte=0"`
	QuantityPaid int64      `json:"quantity_paid" validate:"gte=0"`
	Extras       []RawExtra `json:"extras" validate:"dive"`
}

// RawExtra is an add-on priced once for the whole line.
type RawExtra struct {
	ID        string `json:"id" validate:"required"`
	Name      string `json:"name"`
	UnitPrice *int64 `json:"unit_price" validate:"required,gte=0"`
	Quantity  int64  `json:"quantity" validate:"gte=1"`
}

// RawPayment is a payment record as sent by the sale API.
type RawPayment struct {
	ID            string          `json:"id" validate:"required"`
	Method        string          `json:"method" validate:"required,oneof=CASH POS CARD_TRANSFER"`
	AmountApplied int64           `json:"amount_applied" validate:"gte=0"`
	TipAmount     int64           `json:"tip_amount" validate:"gte=0"`
	ReceivedBy    string          `json:"received_by"`
	ReceivedAt    time.Time       `json:"received_at"`
	Status        string          `json:"status" validate:"required,oneof=ACTIVE VOID"`
	Account       *RawAccountInfo `json:"account,omitempty"`
}

// RawAccountInfo describes the destination account of a non-cash payment.
type RawAccountInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Number string `json:"number"`
}
