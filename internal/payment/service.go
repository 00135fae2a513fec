package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/pos-settlement/internal/cache"
	"github.com/noah-isme/pos-settlement/internal/common"
	"github.com/noah-isme/pos-settlement/internal/events"
	"github.com/noah-isme/pos-settlement/internal/lock"
	"github.com/noah-isme/pos-settlement/internal/obs"
	"github.com/noah-isme/pos-settlement/internal/pricing"
	"github.com/noah-isme/pos-settlement/internal/snapshot"
	"github.com/noah-isme/pos-settlement/internal/split"
)

// Submission is one logical payment: every split is sent in a single request.
type Submission struct {
	SessionID      string
	IdempotencyKey string
	Splits         []split.Split
	ExpectedTotal  pricing.Money
	Items          []ItemQuantity
	ReceivedBy     string
	// KnownAccounts restricts destination accounts when non-nil.
	KnownAccounts []string
}

// Outcome is a submission result with the snapshot reloaded afterwards.
// Confirmed is set once the server accepted the payment, even if the reload
// failed. Replayed is set when the result came from the idempotency store.
type Outcome struct {
	Result    SubmitResult
	Snapshot  snapshot.Snapshot
	Confirmed bool
	Replayed  bool
}

// VoidOutcome is a void result with the snapshot reloaded afterwards.
// Confirmed mirrors Outcome.Confirmed.
type VoidOutcome struct {
	Result    VoidResult
	Snapshot  snapshot.Snapshot
	Confirmed bool
}

// Service submits and voids payments against the sale API. It is shared by
// all sessions and allows one in-flight mutation per sale.
type Service struct {
	Backend Backend
	Locker  SaleLocker
	LockTTL time.Duration
	Idem    IdempotencyStore
	Events  Emitter
	Cache   AccountsCache
	Metrics *obs.SettlementMetrics
	Logger  zerolog.Logger

	mu       sync.Mutex
	inflight map[string]string
}

// Load fetches the sale and freezes it into a snapshot.
func (s *Service) Load(ctx context.Context, saleID string) (snapshot.Snapshot, error) {
	if s == nil || s.Backend == nil {
		return snapshot.Snapshot{}, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Load")
	defer span.End()
	span.SetAttributes(attribute.String("sale.id", saleID))

	raw, err := s.Backend.FetchSaleDetail(ctx, saleID)
	if err != nil {
		span.RecordError(err)
		return snapshot.Snapshot{}, upstream(err)
	}
	snap, err := snapshot.Build(raw)
	if err != nil {
		span.RecordError(err)
		return snapshot.Snapshot{}, err
	}
	if snap.SaleID != saleID {
		return snapshot.Snapshot{}, common.InvalidSaleState(fmt.Sprintf("sale api returned sale %s for %s", snap.SaleID, saleID))
	}
	return snap, nil
}

// Accounts lists destination accounts for non-cash payments.
func (s *Service) Accounts(ctx context.Context) ([]Account, error) {
	if s == nil || s.Backend == nil {
		return nil, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Accounts")
	defer span.End()

	if s.Cache != nil {
		var cached []Account
		hit, err := s.Cache.GetJSON(ctx, cache.KeyAccounts, &cached)
		if err != nil {
			s.Logger.Warn().Err(err).Msg("accounts cache read failed")
		} else if hit {
			return cached, nil
		}
	}
	accounts, err := s.Backend.FetchDestinationAccounts(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, upstream(err)
	}
	if s.Cache != nil {
		if err := s.Cache.SetJSON(ctx, cache.KeyAccounts, accounts); err != nil {
			s.Logger.Warn().Err(err).Msg("accounts cache write failed")
		}
	}
	return accounts, nil
}

// Submit validates the splits locally, sends them as one request and reloads
// the snapshot. Nothing is sent for a view-only sale or an invalid split set.
// When the payment was confirmed but the reload failed, the outcome is
// returned together with the reload error.
func (s *Service) Submit(ctx context.Context, snap snapshot.Snapshot, sub Submission) (Outcome, error) {
	if s == nil || s.Backend == nil {
		return Outcome{}, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Submit")
	defer span.End()

	if strings.TrimSpace(sub.IdempotencyKey) == "" {
		sub.IdempotencyKey = uuid.NewString()
	}
	start := time.Now()
	result := "error"
	defer func() {
		elapsed := obs.DurationMillis(time.Since(start))
		span.SetAttributes(
			attribute.String("sale.id", snap.SaleID),
			attribute.String("settlement.idempotency_key", sub.IdempotencyKey),
			attribute.Int64("settlement.amount", int64(sub.ExpectedTotal)),
			attribute.String("settlement.result", result),
		)
		s.Metrics.Submit(result, elapsed)
		s.Logger.Info().
			Str("sale_id", snap.SaleID).
			Str("session_id", sub.SessionID).
			Str("idempotency_key", sub.IdempotencyKey).
			Int("splits", len(sub.Splits)).
			Int64("amount", int64(sub.ExpectedTotal)).
			Str("result", result).
			Float64("duration_ms", elapsed).
			Msg("payment_submit")
	}()

	if snap.IsViewOnly() {
		result = "view_only"
		return Outcome{}, common.ViewOnly(snap.SaleID)
	}
	var opts []split.Option
	if sub.KnownAccounts != nil {
		opts = append(opts, split.WithKnownAccounts(sub.KnownAccounts...))
	}
	v := split.Validate(sub.Splits, sub.ExpectedTotal, opts...)
	if !v.IsFullyValid {
		result = "invalid"
		if err := v.Err(); err != nil {
			return Outcome{}, err
		}
		return Outcome{}, common.NewAppError(common.CodeInvalidSplit, "at least one payment split is required", common.ErrInvalidSplit)
	}

	release, err := s.acquire(ctx, snap.SaleID, "submit")
	if err != nil {
		result = "busy"
		return Outcome{}, err
	}
	defer release()

	if out, ok := s.replay(ctx, snap.SaleID, sub.IdempotencyKey); ok {
		result = "replayed"
		return s.reloadAfterSubmit(ctx, out)
	}
	if s.Idem != nil {
		claimed, claimErr := s.Idem.Claim(ctx, sub.IdempotencyKey)
		switch {
		case claimErr != nil:
			s.Logger.Warn().Err(claimErr).Str("sale_id", snap.SaleID).Msg("idempotency claim failed")
		case !claimed:
			result = "busy"
			s.Metrics.Rejected("submit")
			return Outcome{}, common.OperationInProgress(snap.SaleID)
		default:
			defer func() {
				if relErr := s.Idem.Release(context.WithoutCancel(ctx), sub.IdempotencyKey); relErr != nil {
					s.Logger.Warn().Err(relErr).Str("sale_id", snap.SaleID).Msg("idempotency release failed")
				}
			}()
		}
	}

	res, err := s.Backend.SubmitPayments(ctx, buildRequest(snap.SaleID, sub))
	if err != nil {
		err = upstream(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		result = "failed"
		if isRejection(err) {
			result = "rejected"
			s.emit(ctx, events.TopicPaymentRejected, snap.SaleID, RejectedEvent{
				SessionID:      sub.SessionID,
				IdempotencyKey: sub.IdempotencyKey,
				Amount:         sub.ExpectedTotal,
				Reason:         err.Error(),
			})
		}
		return Outcome{}, err
	}
	result = "ok"
	s.remember(ctx, snap.SaleID, sub.IdempotencyKey, res)

	s.emit(ctx, events.TopicPaymentSubmitted, snap.SaleID, SubmittedEvent{
		SessionID:      sub.SessionID,
		IdempotencyKey: sub.IdempotencyKey,
		Amount:         sub.ExpectedTotal,
		PaymentIDs:     res.PaymentIDs,
		BalanceDue:     res.BalanceDue,
	})
	if res.WasAutoClosed {
		s.emit(ctx, events.TopicSaleClosed, snap.SaleID, SaleStateEvent{State: string(snapshot.StateClosed)})
	}
	return s.reloadAfterSubmit(ctx, Outcome{Result: res, Snapshot: snap})
}

// Void reverses an ACTIVE payment record and reloads the snapshot. A void is
// accepted on closed sales since it re-opens an auto-closed one.
func (s *Service) Void(ctx context.Context, snap snapshot.Snapshot, paymentID, sessionID string) (VoidOutcome, error) {
	if s == nil || s.Backend == nil {
		return VoidOutcome{}, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Void")
	defer span.End()
	span.SetAttributes(attribute.String("sale.id", snap.SaleID), attribute.String("payment.id", paymentID))

	result := "error"
	defer func() {
		span.SetAttributes(attribute.String("settlement.result", result))
		s.Metrics.Void(result)
		s.Logger.Info().
			Str("sale_id", snap.SaleID).
			Str("session_id", sessionID).
			Str("payment_id", paymentID).
			Str("result", result).
			Msg("payment_void")
	}()

	record, ok := snap.Payment(paymentID)
	if !ok {
		result = "invalid"
		return VoidOutcome{}, common.NotVoidable(fmt.Sprintf("payment %s is not part of sale %s", paymentID, snap.SaleID))
	}
	if record.Status != snapshot.RecordActive {
		result = "invalid"
		return VoidOutcome{}, common.NotVoidable(fmt.Sprintf("payment %s is already %s", paymentID, strings.ToLower(string(record.Status))))
	}

	release, err := s.acquire(ctx, snap.SaleID, "void")
	if err != nil {
		result = "busy"
		return VoidOutcome{}, err
	}
	defer release()

	res, err := s.Backend.VoidPayment(ctx, snap.SaleID, paymentID)
	if err != nil {
		err = upstream(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		result = "failed"
		if isRejection(err) {
			result = "rejected"
		}
		return VoidOutcome{}, err
	}
	result = "ok"
	s.emit(ctx, events.TopicPaymentVoided, snap.SaleID, VoidedEvent{
		SessionID:  sessionID,
		PaymentID:  paymentID,
		Amount:     record.AmountApplied,
		BalanceDue: res.BalanceDue,
	})
	if res.WasReopened {
		s.emit(ctx, events.TopicSaleReopened, snap.SaleID, SaleStateEvent{State: string(snapshot.StateOpen)})
	}

	out := VoidOutcome{Result: res, Snapshot: snap, Confirmed: true}
	fresh, err := s.Load(ctx, snap.SaleID)
	if err != nil {
		return out, fmt.Errorf("payment: reload after void: %w", err)
	}
	out.Snapshot = fresh
	return out, nil
}

// Busy reports whether a mutation is in flight for the sale in this process.
func (s *Service) Busy(saleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[saleID]
	return ok
}

func (s *Service) reloadAfterSubmit(ctx context.Context, out Outcome) (Outcome, error) {
	out.Confirmed = true
	fresh, err := s.Load(ctx, out.Snapshot.SaleID)
	if err != nil {
		return out, fmt.Errorf("payment: reload after submit: %w", err)
	}
	out.Snapshot = fresh
	return out, nil
}

func (s *Service) replay(ctx context.Context, saleID, key string) (Outcome, bool) {
	if s.Idem == nil {
		return Outcome{}, false
	}
	payload, ok, err := s.Idem.Recall(ctx, key)
	if err != nil {
		s.Logger.Warn().Err(err).Str("sale_id", saleID).Msg("idempotency recall failed")
		return Outcome{}, false
	}
	if !ok {
		return Outcome{}, false
	}
	var res SubmitResult
	if err := json.Unmarshal(payload, &res); err != nil {
		s.Logger.Warn().Err(err).Str("sale_id", saleID).Msg("discarding unreadable idempotency record")
		return Outcome{}, false
	}
	return Outcome{Result: res, Snapshot: snapshot.Snapshot{SaleID: saleID}, Replayed: true}, true
}

func (s *Service) remember(ctx context.Context, saleID, key string, res SubmitResult) {
	if s.Idem == nil {
		return
	}
	payload, err := json.Marshal(res)
	if err == nil {
		err = s.Idem.Remember(ctx, key, payload)
	}
	if err != nil {
		s.Logger.Warn().Err(err).Str("sale_id", saleID).Msg("idempotency remember failed")
	}
}

// acquire takes the in-process guard and, when configured, the distributed
// sale lock. Neither waits: a held guard fails with OperationInProgress.
func (s *Service) acquire(ctx context.Context, saleID, operation string) (func(), error) {
	s.mu.Lock()
	if s.inflight == nil {
		s.inflight = make(map[string]string)
	}
	if _, busy := s.inflight[saleID]; busy {
		s.mu.Unlock()
		s.Metrics.Rejected(operation)
		return nil, common.OperationInProgress(saleID)
	}
	s.inflight[saleID] = operation
	s.mu.Unlock()

	local := func() {
		s.mu.Lock()
		delete(s.inflight, saleID)
		s.mu.Unlock()
	}
	if s.Locker == nil {
		return local, nil
	}
	unlock, err := s.Locker.TryLock(ctx, "sale:"+saleID, s.lockTTL())
	if err != nil {
		local()
		if errors.Is(err, lock.ErrLocked) {
			s.Metrics.Rejected(operation)
			return nil, common.OperationInProgress(saleID)
		}
		return nil, fmt.Errorf("payment: lock sale %s: %w", saleID, err)
	}
	return func() {
		unlock()
		local()
	}, nil
}

func (s *Service) lockTTL() time.Duration {
	if s.LockTTL <= 0 {
		return 30 * time.Second
	}
	return s.LockTTL
}

func (s *Service) emit(ctx context.Context, topic, saleID string, payload any) {
	if s.Events == nil {
		return
	}
	if _, err := s.Events.Emit(ctx, topic, saleID, payload); err != nil {
		s.Logger.Warn().Err(err).Str("topic", topic).Str("sale_id", saleID).Msg("emit event failed")
	}
}

func buildRequest(saleID string, sub Submission) SubmitRequest {
	lines := make([]PaymentLine, 0, len(sub.Splits))
	for _, sp := range sub.Splits {
		lines = append(lines, PaymentLine{
			Method:               sp.Method,
			Amount:               sp.MinorAmount(),
			TipAmount:            sp.TipAmount,
			DestinationAccountID: sp.DestinationAccountID,
		})
	}
	return SubmitRequest{
		SaleID:         saleID,
		IdempotencyKey: sub.IdempotencyKey,
		Payments:       lines,
		Items:          sub.Items,
		ReceivedBy:     sub.ReceivedBy,
	}
}

// upstream normalises backend failures into NETWORK_OR_SERVER_ERROR.
func upstream(err error) error {
	if common.IsAppError(err) {
		return err
	}
	return common.ServerError(0, "", err)
}

func isRejection(err error) bool {
	var appErr *common.AppError
	return errors.As(err, &appErr) && appErr.Rejected()
}
