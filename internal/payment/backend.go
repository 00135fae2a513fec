package payment

import (
	"context"
	"time"

	"github.com/noah-isme/pos-settlement/internal/events"
	"github.com/noah-isme/pos-settlement/internal/pricing"
	"github.com/noah-isme/pos-settlement/internal/snapshot"
	"github.com/noah-isme/pos-settlement/internal/split"
)

// Account is a destination account for non-cash payments.
type Account struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Number string `json:"number,omitempty"`
}

// PaymentLine is one split as sent to the sale API.
type PaymentLine struct {
	Method               split.Method  `json:"method"`
	Amount               pricing.Money `json:"amount"`
	TipAmount            pricing.Money `json:"tip_amount"`
	DestinationAccountID string        `json:"destination_account_id,omitempty"`
}

// ItemQuantity tells the server which units the payment settles.
type ItemQuantity struct {
	ItemID   string `json:"item_id"`
	Quantity int64  `json:"quantity"`
}

// SubmitRequest carries every split of one logical submission. The server
// applies all of them or none.
type SubmitRequest struct {
	SaleID         string         `json:"-"`
	IdempotencyKey string         `json:"-"`
	Payments       []PaymentLine  `json:"payments"`
	Items          []ItemQuantity `json:"items,omitempty"`
	ReceivedBy     string         `json:"received_by,omitempty"`
}

// SubmitResult is the server's view of the sale after a submission.
type SubmitResult struct {
	BalanceDue    pricing.Money `json:"balance_due"`
	IsFullyPaid   bool          `json:"is_fully_paid"`
	WasAutoClosed bool          `json:"was_auto_closed"`
	PaymentIDs    []string      `json:"payment_ids"`
}

// VoidResult is the server's view of the sale after a void.
type VoidResult struct {
	BalanceDue  pricing.Money `json:"balance_due"`
	WasReopened bool          `json:"was_reopened"`
}

// Backend is the sale API consumed by the settlement engine. Implementations
// report failures as *common.AppError with CodeNetworkOrServer.
type Backend interface {
	FetchSaleDetail(ctx context.Context, saleID string) (snapshot.RawSale, error)
	SubmitPayments(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	VoidPayment(ctx context.Context, saleID, paymentID string) (VoidResult, error)
	FetchDestinationAccounts(ctx context.Context) ([]Account, error)
}

// SaleLocker serialises mutations of one sale across processes. TryLock must
// fail with lock.ErrLocked instead of waiting.
type SaleLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// IdempotencyStore remembers confirmed submissions by idempotency key.
type IdempotencyStore interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
	Remember(ctx context.Context, key string, payload []byte) error
	Recall(ctx context.Context, key string) ([]byte, bool, error)
}

// AccountsCache keeps the destination account list between sessions. Cache
// failures never fail the lookup.
type AccountsCache interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any) error
}

// Emitter publishes payment lifecycle events.
type Emitter interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}
