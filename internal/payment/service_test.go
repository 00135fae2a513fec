package payment_test

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-settlement/internal/cache"
	"github.com/noah-isme/pos-settlement/internal/common"
	"github.com/noah-isme/pos-settlement/internal/events"
	"github.com/noah-isme/pos-settlement/internal/lock"
	"github.com/noah-isme/pos-settlement/internal/obs"
	"github.com/noah-isme/pos-settlement/internal/payment"
	"github.com/noah-isme/pos-settlement/internal/pricing"
	"github.com/noah-isme/pos-settlement/internal/snapshot"
	"github.com/noah-isme/pos-settlement/internal/split"
)

func ptr(v int64) *int64 { return &v }

type stubBackend struct {
	mu          sync.Mutex
	sale        snapshot.RawSale
	fetchCalls  int
	submitCalls int
	voidCalls   int
	accountCall int
	submitErr   error
	lastReq     payment.SubmitRequest
	entered     chan struct{}
	block       chan struct{}
}

func newStub() *stubBackend {
	return &stubBackend{sale: snapshot.RawSale{
		ID:             "sale-1",
		State:          "OPEN",
		SubtotalAmount: ptr(100_000),
		TaxAmount:      ptr(0),
		DiscountAmount: ptr(0),
		TotalAmount:    ptr(100_000),
		TotalPaid:      ptr(30_000),
		Items: []snapshot.RawItem{
			{ID: "steak", Name: "Steak", UnitPrice: ptr(100_000), Quantity: ptr(1)},
		},
		Payments: []snapshot.RawPayment{
			{ID: "p-1", Method: "CASH", AmountApplied: 30_000, Status: "ACTIVE"},
		},
	}}
}

func (b *stubBackend) FetchSaleDetail(_ context.Context, saleID string) (snapshot.RawSale, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchCalls++
	return b.sale, nil
}

func (b *stubBackend) SubmitPayments(_ context.Context, req payment.SubmitRequest) (payment.SubmitResult, error) {
	b.mu.Lock()
	b.submitCalls++
	b.lastReq = req
	entered, block := b.entered, b.block
	b.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if block != nil {
		<-block
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return payment.SubmitResult{}, b.submitErr
	}
	var ids []string
	paid := *b.sale.TotalPaid
	for i, line := range req.Payments {
		id := req.IdempotencyKey + "-" + string(rune('a'+i))
		ids = append(ids, id)
		paid += line.Amount
		b.sale.Payments = append(b.sale.Payments, snapshot.RawPayment{ID: id, Method: string(line.Method), AmountApplied: line.Amount, Status: "ACTIVE"})
	}
	b.sale.TotalPaid = ptr(paid)
	res := payment.SubmitResult{BalanceDue: *b.sale.TotalAmount - paid, PaymentIDs: ids}
	if res.BalanceDue <= 0 {
		res.IsFullyPaid = true
		res.WasAutoClosed = true
		b.sale.State = "CLOSED"
	}
	return res, nil
}

func (b *stubBackend) VoidPayment(_ context.Context, saleID, paymentID string) (payment.VoidResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.voidCalls++
	paid := *b.sale.TotalPaid
	for i := range b.sale.Payments {
		if b.sale.Payments[i].ID == paymentID {
			b.sale.Payments[i].Status = "VOID"
			paid -= b.sale.Payments[i].AmountApplied
		}
	}
	b.sale.TotalPaid = ptr(paid)
	res := payment.VoidResult{BalanceDue: *b.sale.TotalAmount - paid}
	if b.sale.State == "CLOSED" {
		b.sale.State = "OPEN"
		res.WasReopened = true
	}
	return res, nil
}

func (b *stubBackend) FetchDestinationAccounts(context.Context) ([]payment.Account, error) {
	b.mu.Lock()
	b.accountCall++
	b.mu.Unlock()
	return []payment.Account{{ID: "acc-1", Name: "Main"}}, nil
}

func (b *stubBackend) calls() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submitCalls, b.voidCalls
}

func newService(t *testing.T, backend payment.Backend) (*payment.Service, *events.MemoryStore, *obs.SettlementMetrics) {
	t.Helper()
	store := &events.MemoryStore{}
	metrics := obs.NewSettlementMetrics("test", prometheus.NewRegistry())
	return &payment.Service{
		Backend: backend,
		Events:  &events.Bus{Store: store},
		Metrics: metrics,
		Logger:  zerolog.Nop(),
	}, store, metrics
}

func cashSubmission(amounts ...pricing.Money) payment.Submission {
	sub := payment.Submission{SessionID: "session-1"}
	for _, a := range amounts {
		sub.Splits = append(sub.Splits, split.New(split.MethodCash, a))
		sub.ExpectedTotal += a
	}
	return sub
}

func topics(store *events.MemoryStore) []string {
	var out []string
	for _, ev := range store.Events() {
		out = append(out, ev.Topic)
	}
	return out
}

func TestSubmitRemainingDueClosesSale(t *testing.T) {
	backend := newStub()
	svc, store, metrics := newService(t, backend)
	ctx := context.Background()

	snap, err := svc.Load(ctx, "sale-1")
	require.NoError(t, err)
	require.Equal(t, pricing.Money(70_000), snap.RemainingDue)

	out, err := svc.Submit(ctx, snap, cashSubmission(40_000, 30_000))
	require.NoError(t, err)
	require.True(t, out.Confirmed)
	require.True(t, out.Result.WasAutoClosed)
	require.Zero(t, out.Snapshot.RemainingDue)
	require.True(t, out.Snapshot.IsFullyPaid)
	require.Equal(t, snapshot.StateClosed, out.Snapshot.SaleState)
	require.True(t, out.Snapshot.IsViewOnly())

	submits, _ := backend.calls()
	require.Equal(t, 1, submits, "all splits travel in one request")
	require.Len(t, backend.lastReq.Payments, 2)
	require.NotEmpty(t, backend.lastReq.IdempotencyKey)

	require.Equal(t, []string{events.TopicPaymentSubmitted, events.TopicSaleClosed}, topics(store))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.SubmitTotal.WithLabelValues("ok")))
	require.False(t, svc.Busy("sale-1"))
}

func TestSubmitOnViewOnlySaleNeverCallsBackend(t *testing.T) {
	backend := newStub()
	backend.sale.State = "CANCELED"
	svc, _, _ := newService(t, backend)

	snap, err := svc.Load(context.Background(), "sale-1")
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), snap, cashSubmission(70_000))
	require.ErrorIs(t, err, common.ErrViewOnly)
	submits, _ := backend.calls()
	require.Zero(t, submits)
}

func TestSubmitInvalidSplitsNeverCallBackend(t *testing.T) {
	backend := newStub()
	svc, _, _ := newService(t, backend)
	snap, err := svc.Load(context.Background(), "sale-1")
	require.NoError(t, err)

	sub := cashSubmission(40_000, 20_000)
	sub.ExpectedTotal = 70_000
	_, err = svc.Submit(context.Background(), snap, sub)
	require.ErrorIs(t, err, common.ErrSumMismatch)

	_, err = svc.Submit(context.Background(), snap, payment.Submission{})
	require.ErrorIs(t, err, common.ErrInvalidSplit)

	pos := cashSubmission(70_000)
	pos.Splits[0].Method = split.MethodPOS
	pos.Splits[0].DestinationAccountID = "acc-9"
	pos.KnownAccounts = []string{"acc-1"}
	_, err = svc.Submit(context.Background(), snap, pos)
	require.ErrorIs(t, err, common.ErrInvalidSplit)

	submits, _ := backend.calls()
	require.Zero(t, submits)
}

func TestConcurrentSubmitIsRejected(t *testing.T) {
	backend := newStub()
	backend.entered = make(chan struct{})
	backend.block = make(chan struct{})
	svc, _, metrics := newService(t, backend)
	ctx := context.Background()
	snap, err := svc.Load(ctx, "sale-1")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Submit(ctx, snap, cashSubmission(10_000))
		done <- err
	}()
	<-backend.entered
	require.True(t, svc.Busy("sale-1"))

	_, err = svc.Submit(ctx, snap, cashSubmission(10_000))
	require.ErrorIs(t, err, common.ErrOperationInProgress)
	_, err = svc.Void(ctx, snap, "p-1", "session-2")
	require.ErrorIs(t, err, common.ErrOperationInProgress)

	close(backend.block)
	require.NoError(t, <-done)
	submits, voids := backend.calls()
	require.Equal(t, 1, submits)
	require.Zero(t, voids)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.GuardRejected.WithLabelValues("submit")))
	require.False(t, svc.Busy("sale-1"), "guard is released after completion")
}

func TestServerRejectionSurfacesMessage(t *testing.T) {
	backend := newStub()
	backend.submitErr = common.ServerError(http.StatusConflict, "sale total changed", nil)
	svc, store, _ := newService(t, backend)
	snap, err := svc.Load(context.Background(), "sale-1")
	require.NoError(t, err)

	out, err := svc.Submit(context.Background(), snap, cashSubmission(70_000))
	require.ErrorIs(t, err, common.ErrNetworkOrServer)
	require.Equal(t, "sale total changed", err.Error())
	require.False(t, out.Confirmed)
	require.Equal(t, []string{events.TopicPaymentRejected}, topics(store))
	require.False(t, svc.Busy("sale-1"))
}

func TestVoidRevertsAutoClose(t *testing.T) {
	backend := newStub()
	svc, store, _ := newService(t, backend)
	ctx := context.Background()
	snap, err := svc.Load(ctx, "sale-1")
	require.NoError(t, err)

	out, err := svc.Submit(ctx, snap, cashSubmission(70_000))
	require.NoError(t, err)
	require.Equal(t, snapshot.StateClosed, out.Snapshot.SaleState)

	paymentID := out.Result.PaymentIDs[0]
	voided, err := svc.Void(ctx, out.Snapshot, paymentID, "session-1")
	require.NoError(t, err)
	require.True(t, voided.Result.WasReopened)
	require.Equal(t, snapshot.StateOpen, voided.Snapshot.SaleState)
	require.Equal(t, pricing.Money(70_000), voided.Snapshot.RemainingDue)
	record, ok := voided.Snapshot.Payment(paymentID)
	require.True(t, ok)
	require.Equal(t, snapshot.RecordVoid, record.Status, "voided records stay in the ledger")

	_, err = svc.Void(ctx, voided.Snapshot, paymentID, "session-1")
	require.ErrorIs(t, err, common.ErrNotVoidable)
	_, err = svc.Void(ctx, voided.Snapshot, "missing", "session-1")
	require.ErrorIs(t, err, common.ErrNotVoidable)

	require.Equal(t, []string{
		events.TopicPaymentSubmitted, events.TopicSaleClosed,
		events.TopicPaymentVoided, events.TopicSaleReopened,
	}, topics(store))
}

func TestSubmitReplaysRememberedResult(t *testing.T) {
	backend := newStub()
	svc, _, metrics := newService(t, backend)
	idem := &common.MemoryIdem{}
	svc.Idem = idem
	ctx := context.Background()

	payload, err := json.Marshal(payment.SubmitResult{BalanceDue: 0, IsFullyPaid: true, PaymentIDs: []string{"p-9"}})
	require.NoError(t, err)
	require.NoError(t, idem.Remember(ctx, "key-1", payload))

	snap, err := svc.Load(ctx, "sale-1")
	require.NoError(t, err)
	sub := cashSubmission(70_000)
	sub.IdempotencyKey = "key-1"
	out, err := svc.Submit(ctx, snap, sub)
	require.NoError(t, err)
	require.True(t, out.Replayed)
	require.True(t, out.Confirmed)
	require.Equal(t, []string{"p-9"}, out.Result.PaymentIDs)

	submits, _ := backend.calls()
	require.Zero(t, submits)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.SubmitTotal.WithLabelValues("replayed")))

	sub.IdempotencyKey = "key-2"
	_, err = svc.Submit(ctx, snap, sub)
	require.NoError(t, err)
	recalled, ok, err := idem.Recall(ctx, "key-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, string(recalled), "balance_due")
}

func TestDistributedLockRejectsOtherTerminal(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := lock.Locker{R: client, Prefix: "settlement:lock"}
	backend := newStub()
	svc, _, _ := newService(t, backend)
	svc.Locker = locker
	svc.LockTTL = time.Second
	ctx := context.Background()

	release, err := locker.TryLock(ctx, "sale:sale-1", time.Second)
	require.NoError(t, err)

	snap, err := svc.Load(ctx, "sale-1")
	require.NoError(t, err)
	_, err = svc.Submit(ctx, snap, cashSubmission(70_000))
	require.ErrorIs(t, err, common.ErrOperationInProgress)
	require.False(t, svc.Busy("sale-1"))

	release()
	_, err = svc.Submit(ctx, snap, cashSubmission(70_000))
	require.NoError(t, err)
	require.False(t, mr.Exists("settlement:lock:sale:sale-1"))
}

func TestAccountsAreCachedAcrossSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	backend := newStub()
	svc, _, _ := newService(t, backend)
	svc.Cache = cache.NewJSON(client, time.Minute)
	ctx := context.Background()

	first, err := svc.Accounts(ctx)
	require.NoError(t, err)
	second, err := svc.Accounts(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, backend.accountCall)
	require.True(t, mr.Exists(cache.KeyAccounts))

	mr.Close()
	_, err = svc.Accounts(ctx)
	require.NoError(t, err, "a broken cache falls back to the sale API")
	require.Equal(t, 2, backend.accountCall)
}
