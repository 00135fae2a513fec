package payment

import "github.com/noah-isme/pos-settlement/internal/pricing"

// SubmittedEvent is the payload of events.TopicPaymentSubmitted.
type SubmittedEvent struct {
	SessionID      string        `json:"session_id,omitempty"`
	IdempotencyKey string        `json:"idempotency_key"`
	Amount         pricing.Money `json:"amount"`
	PaymentIDs     []string      `json:"payment_ids"`
	BalanceDue     pricing.Money `json:"balance_due"`
}

// RejectedEvent is the payload of events.TopicPaymentRejected.
type RejectedEvent struct {
	SessionID      string        `json:"session_id,omitempty"`
	IdempotencyKey string        `json:"idempotency_key"`
	Amount         pricing.Money `json:"amount"`
	Reason         string        `json:"reason"`
}

// VoidedEvent is the payload of events.TopicPaymentVoided.
type VoidedEvent struct {
	SessionID  string        `json:"session_id,omitempty"`
	PaymentID  string        `json:"payment_id"`
	Amount     pricing.Money `json:"amount"`
	BalanceDue pricing.Money `json:"balance_due"`
}

// SaleStateEvent is the payload of sale.closed and sale.reopened.
type SaleStateEvent struct {
	State string `json:"state"`
}
