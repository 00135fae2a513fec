package backend

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/pos-settlement/internal/common"
	"github.com/noah-isme/pos-settlement/internal/payment"
	"github.com/noah-isme/pos-settlement/internal/snapshot"
)

// Server-side rejection codes of the sale API.
const (
	CodeSaleNotFound     = "SALE_NOT_FOUND"
	CodeSaleNotOpen      = "SALE_NOT_OPEN"
	CodeSaleHasPayments  = "SALE_HAS_PAYMENTS"
	CodePaymentNotFound  = "PAYMENT_NOT_FOUND"
	CodePaymentNotActive = "PAYMENT_NOT_ACTIVE"
	CodeInvalidPayment   = "INVALID_PAYMENT"
	CodeBadRequest       = "BAD_REQUEST"
)

// Memory is an in-process sale API. Amounts beyond the remaining due are
// capped, a sale closes once nothing is left to pay and voiding a payment of
// a closed sale re-opens it. Submissions are replayed by idempotency key.
type Memory struct {
	mu       sync.Mutex
	sales    map[string]*memSale
	accounts []payment.Account
	now      func() time.Time
}

type memSale struct {
	raw     snapshot.RawSale
	replies map[string]payment.SubmitResult
	batches map[string]*batch
}

// batch groups the payments of one submission with the units it settled.
type batch struct {
	items  []payment.ItemQuantity
	active int
}

// NewMemory returns an empty sale API offering the given destination accounts.
func NewMemory(accounts ...payment.Account) *Memory {
	return &Memory{
		sales:    make(map[string]*memSale),
		accounts: append([]payment.Account(nil), accounts...),
		now:      time.Now,
	}
}

// Put stores a copy of raw, replacing any sale with the same id.
func (m *Memory) Put(raw snapshot.RawSale) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sales[raw.ID] = &memSale{
		raw:     cloneSale(raw),
		replies: make(map[string]payment.SubmitResult),
		batches: make(map[string]*batch),
	}
}

// FetchSaleDetail implements payment.Backend.
func (m *Memory) FetchSaleDetail(_ context.Context, saleID string) (snapshot.RawSale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sale, ok := m.sales[saleID]
	if !ok {
		return snapshot.RawSale{}, notFound(saleID)
	}
	return cloneSale(sale.raw), nil
}

// FetchDestinationAccounts implements payment.Backend.
func (m *Memory) FetchDestinationAccounts(context.Context) ([]payment.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]payment.Account(nil), m.accounts...), nil
}

// SubmitPayments implements payment.Backend. All lines are applied or none.
func (m *Memory) SubmitPayments(_ context.Context, req payment.SubmitRequest) (payment.SubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sale, ok := m.sales[req.SaleID]
	if !ok {
		return payment.SubmitResult{}, notFound(req.SaleID)
	}
	if req.IdempotencyKey != "" {
		if prev, seen := sale.replies[req.IdempotencyKey]; seen {
			return prev, nil
		}
	}
	if sale.raw.State != string(snapshot.StateOpen) {
		return payment.SubmitResult{}, common.Rejection(http.StatusConflict, CodeSaleNotOpen,
			fmt.Sprintf("sale %s is %s", req.SaleID, sale.raw.State))
	}
	if err := m.checkLines(req.Payments); err != nil {
		return payment.SubmitResult{}, err
	}
	if err := checkItems(sale.raw, req.Items); err != nil {
		return payment.SubmitResult{}, err
	}

	remaining := *sale.raw.TotalAmount - *sale.raw.TotalPaid
	res := payment.SubmitResult{PaymentIDs: make([]string, 0, len(req.Payments))}
	b := &batch{items: req.Items}
	for _, line := range req.Payments {
		applied := min(line.Amount, remaining)
		if applied <= 0 {
			continue
		}
		remaining -= applied
		id := uuid.NewString()
		rec := snapshot.RawPayment{
			ID:            id,
			Method:        string(line.Method),
			AmountApplied: applied,
			TipAmount:     line.TipAmount,
			ReceivedBy:    req.ReceivedBy,
			ReceivedAt:    m.now().UTC(),
			Status:        string(snapshot.RecordActive),
		}
		if line.DestinationAccountID != "" {
			rec.Account = m.accountInfo(line.DestinationAccountID)
		}
		sale.raw.Payments = append(sale.raw.Payments, rec)
		sale.batches[id] = b
		b.active++
		res.PaymentIDs = append(res.PaymentIDs, id)
	}
	paid := *sale.raw.TotalAmount - remaining
	sale.raw.TotalPaid = &paid
	applyItems(&sale.raw, b.items, 1)

	res.BalanceDue = remaining
	res.IsFullyPaid = remaining <= 0
	if res.IsFullyPaid {
		sale.raw.State = string(snapshot.StateClosed)
		res.WasAutoClosed = true
	}
	if req.IdempotencyKey != "" {
		sale.replies[req.IdempotencyKey] = res
	}
	return res, nil
}

// VoidPayment implements payment.Backend. The units settled by a submission
// become payable again once every payment of that submission is voided.
func (m *Memory) VoidPayment(_ context.Context, saleID, paymentID string) (payment.VoidResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sale, ok := m.sales[saleID]
	if !ok {
		return payment.VoidResult{}, notFound(saleID)
	}
	idx := -1
	for i, p := range sale.raw.Payments {
		if p.ID == paymentID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return payment.VoidResult{}, common.Rejection(http.StatusNotFound, CodePaymentNotFound,
			fmt.Sprintf("payment %s not found on sale %s", paymentID, saleID))
	}
	rec := &sale.raw.Payments[idx]
	if rec.Status != string(snapshot.RecordActive) {
		return payment.VoidResult{}, common.Rejection(http.StatusConflict, CodePaymentNotActive,
			fmt.Sprintf("payment %s is already void", paymentID))
	}
	if sale.raw.State == string(snapshot.StateCanceled) {
		return payment.VoidResult{}, common.Rejection(http.StatusConflict, CodeSaleNotOpen,
			fmt.Sprintf("sale %s is CANCELED", saleID))
	}

	rec.Status = string(snapshot.RecordVoid)
	paid := *sale.raw.TotalPaid - rec.AmountApplied
	sale.raw.TotalPaid = &paid
	if b, ok := sale.batches[paymentID]; ok {
		b.active--
		if b.active == 0 {
			applyItems(&sale.raw, b.items, -1)
		}
	}

	res := payment.VoidResult{BalanceDue: *sale.raw.TotalAmount - paid}
	if sale.raw.State == string(snapshot.StateClosed) && res.BalanceDue > 0 {
		sale.raw.State = string(snapshot.StateOpen)
		res.WasReopened = true
	}
	return res, nil
}

// Cancel moves an open sale without active payments to CANCELED.
func (m *Memory) Cancel(_ context.Context, saleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sale, ok := m.sales[saleID]
	if !ok {
		return notFound(saleID)
	}
	if sale.raw.State != string(snapshot.StateOpen) {
		return common.Rejection(http.StatusConflict, CodeSaleNotOpen, fmt.Sprintf("sale %s is %s", saleID, sale.raw.State))
	}
	if *sale.raw.TotalPaid > 0 {
		return common.Rejection(http.StatusConflict, CodeSaleHasPayments, "void active payments before cancelling the sale")
	}
	sale.raw.State = string(snapshot.StateCanceled)
	return nil
}

func (m *Memory) checkLines(lines []payment.PaymentLine) error {
	if len(lines) == 0 {
		return common.Rejection(http.StatusUnprocessableEntity, CodeInvalidPayment, "at least one payment is required")
	}
	for i, line := range lines {
		if !line.Method.IsValid() {
			return common.Rejection(http.StatusUnprocessableEntity, CodeInvalidPayment,
				fmt.Sprintf("payment %d: unknown method %q", i, line.Method))
		}
		if line.Amount <= 0 || line.TipAmount < 0 {
			return common.Rejection(http.StatusUnprocessableEntity, CodeInvalidPayment,
				fmt.Sprintf("payment %d: amount must be positive", i))
		}
		if line.Method.RequiresAccount() && m.accountInfo(line.DestinationAccountID) == nil {
			return common.Rejection(http.StatusUnprocessableEntity, CodeInvalidPayment,
				fmt.Sprintf("payment %d: unknown destination account %q", i, line.DestinationAccountID))
		}
	}
	return nil
}

func (m *Memory) accountInfo(id string) *snapshot.RawAccountInfo {
	for _, a := range m.accounts {
		if a.ID == id {
			return &snapshot.RawAccountInfo{ID: a.ID, Name: a.Name, Number: a.Number}
		}
	}
	return nil
}

func checkItems(raw snapshot.RawSale, items []payment.ItemQuantity) error {
	for _, iq := range items {
		found := false
		for _, it := range raw.Items {
			if it.ID != iq.ItemID {
				continue
			}
			found = true
			if iq.Quantity <= 0 || iq.Quantity > *it.Quantity-it.QuantityPaid {
				return common.Rejection(http.StatusUnprocessableEntity, CodeInvalidPayment,
					fmt.Sprintf("item %s: quantity %d exceeds the unpaid quantity", iq.ItemID, iq.Quantity))
			}
		}
		if !found {
			return common.Rejection(http.StatusUnprocessableEntity, CodeInvalidPayment,
				fmt.Sprintf("item %s is not part of sale %s", iq.ItemID, raw.ID))
		}
	}
	return nil
}

func applyItems(raw *snapshot.RawSale, items []payment.ItemQuantity, sign int64) {
	for _, iq := range items {
		for i := range raw.Items {
			if raw.Items[i].ID == iq.ItemID {
				raw.Items[i].QuantityPaid += sign * iq.Quantity
			}
		}
	}
}

func notFound(saleID string) error {
	return common.Rejection(http.StatusNotFound, CodeSaleNotFound, fmt.Sprintf("sale %s not found", saleID))
}

func cloneSale(raw snapshot.RawSale) snapshot.RawSale {
	out := raw
	out.SubtotalAmount = cloneMoney(raw.SubtotalAmount)
	out.TaxAmount = cloneMoney(raw.TaxAmount)
	out.DiscountAmount = cloneMoney(raw.DiscountAmount)
	out.TotalAmount = cloneMoney(raw.TotalAmount)
	out.TotalPaid = cloneMoney(raw.TotalPaid)
	out.Items = make([]snapshot.RawItem, len(raw.Items))
	for i, it := range raw.Items {
		c := it
		c.UnitPrice = cloneMoney(it.UnitPrice)
		c.Quantity = cloneMoney(it.Quantity)
		c.Extras = make([]snapshot.RawExtra, len(it.Extras))
		for j, ex := range it.Extras {
			ex.UnitPrice = cloneMoney(ex.UnitPrice)
			c.Extras[j] = ex
		}
		out.Items[i] = c
	}
	out.Payments = make([]snapshot.RawPayment, len(raw.Payments))
	for i, p := range raw.Payments {
		if p.Account != nil {
			acc := *p.Account
			p.Account = &acc
		}
		out.Payments[i] = p
	}
	return out
}

func cloneMoney(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

var _ payment.Backend = (*Memory)(nil)
