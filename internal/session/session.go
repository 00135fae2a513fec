package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/pos-settlement/internal/common"
	"github.com/noah-isme/pos-settlement/internal/payment"
	"github.com/noah-isme/pos-settlement/internal/pricing"
	"github.com/noah-isme/pos-settlement/internal/selection"
	"github.com/noah-isme/pos-settlement/internal/snapshot"
	"github.com/noah-isme/pos-settlement/internal/split"
)

// Session is the state of one payment screen for one sale. Selection,
// formula and splits live only here and are dropped whenever a fresh
// snapshot replaces the current one.
type Session struct {
	id         string
	svc        *payment.Service
	defaults   pricing.Inputs
	receivedBy string
	logger     zerolog.Logger

	mu       sync.Mutex
	snap     snapshot.Snapshot
	tracker  *selection.Tracker
	formula  *pricing.Formula
	splits   []split.Split
	accounts []payment.Account
	stale    bool
	closed   bool

	// pendingKey is reused only while the same splits are retried after a
	// failure with an unknown outcome.
	pendingKey   string
	pendingPrint string
}

// Option configures a Session.
type Option func(*Session)

// WithDefaults sets the formula inputs a fresh snapshot starts with.
func WithDefaults(in pricing.Inputs) Option {
	return func(s *Session) { s.defaults = in }
}

// WithReceivedBy records the cashier on every submitted payment.
func WithReceivedBy(name string) Option {
	return func(s *Session) { s.receivedBy = strings.TrimSpace(name) }
}

// WithLogger sets the session logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// Open loads the sale and starts a session with an empty selection.
func Open(ctx context.Context, svc *payment.Service, saleID string, opts ...Option) (*Session, error) {
	if svc == nil {
		return nil, errors.New("session: payment service is required")
	}
	s := &Session{id: uuid.NewString(), svc: svc, defaults: pricing.DefaultInputs()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("session_id", s.id).Str("sale_id", saleID).Logger()

	snap, err := svc.Load(ctx, saleID)
	if err != nil {
		return nil, err
	}
	if err := s.reset(snap); err != nil {
		return nil, err
	}
	s.logger.Debug().Int64("remaining_due", int64(snap.RemainingDue)).Bool("view_only", snap.IsViewOnly()).Msg("payment session opened")
	return s, nil
}

// ID identifies the session in logs and events.
func (s *Session) ID() string {
	return s.id
}

// Snapshot returns the sale state the session works on.
func (s *Session) Snapshot() snapshot.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone()
}

// IsViewOnly reports whether the sale accepts no further payments.
func (s *Session) IsViewOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.IsViewOnly()
}

// IsStale reports whether the server rejected a mutation since the last load.
func (s *Session) IsStale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// SelectionView is the read model of the item selection.
type SelectionView struct {
	Kind        selection.Kind
	Lines       []selection.Line
	Subtotal    pricing.Money
	AllSelected bool
}

// Selection returns the current item selection.
func (s *Session) Selection() SelectionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SelectionView{
		Kind:        s.tracker.Kind(),
		Lines:       s.tracker.Lines(),
		Subtotal:    s.tracker.Subtotal(),
		AllSelected: s.tracker.AllSelected(),
	}
}

// PaidItems lists lines with paid units for the read-only section.
func (s *Session) PaidItems() []snapshot.LineItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.PaidItems()
}

// FormulaState returns the amount field and its derivation.
func (s *Session) FormulaState() pricing.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.formula.State()
}

// Splits returns a copy of the payment splits.
func (s *Session) Splits() []split.Split {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]split.Split(nil), s.splits...)
}

// Validation checks the splits against the amount to charge.
func (s *Session) Validation() split.Validation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return split.Validate(s.splits, s.formula.FinalAmount(), s.validateOptions()...)
}

// ToggleItem selects the whole remaining quantity of an item, or deselects
// it when it is already fully selected.
func (s *Session) ToggleItem(itemID string) error {
	return s.editSelection(func(t *selection.Tracker) error { return t.ToggleFull(itemID) })
}

// SetQuantity selects qty units of an item, clamped to what is unpaid.
func (s *Session) SetQuantity(itemID string, qty int64) error {
	return s.editSelection(func(t *selection.Tracker) error { return t.SetQuantity(itemID, qty) })
}

// SelectAll selects every unpaid unit.
func (s *Session) SelectAll() error {
	return s.editSelection(func(t *selection.Tracker) error {
		t.SelectAll()
		return nil
	})
}

// ClearSelection deselects everything.
func (s *Session) ClearSelection() error {
	return s.editSelection(func(t *selection.Tracker) error {
		t.ClearSelection()
		return nil
	})
}

// UpdateFormula changes formula inputs. A manual amount is kept unless the
// divisor or the tax toggle changed.
func (s *Session) UpdateFormula(update func(*pricing.Inputs)) error {
	return s.editFormula(func(f *pricing.Formula) error { return f.OnFormulaInputChanged(update) })
}

// SetTaxEnabled toggles tax and drops a manual amount.
func (s *Session) SetTaxEnabled(enabled bool) error {
	return s.editFormula(func(f *pricing.Formula) error { return f.SetTaxEnabled(enabled) })
}

// SetTax sets the tax type and value.
func (s *Session) SetTax(kind pricing.AdjustmentType, value decimal.Decimal) error {
	return s.editFormula(func(f *pricing.Formula) error { return f.SetTax(kind, value) })
}

// SetDiscount sets the discount type and value.
func (s *Session) SetDiscount(kind pricing.AdjustmentType, value decimal.Decimal) error {
	return s.editFormula(func(f *pricing.Formula) error { return f.SetDiscount(kind, value) })
}

// SetTip sets the tip added before division.
func (s *Session) SetTip(tip pricing.Money) error {
	return s.editFormula(func(f *pricing.Formula) error { return f.SetTip(tip) })
}

// SetDivisor sets the bill-split divisor and drops a manual amount.
func (s *Session) SetDivisor(divisor int) error {
	return s.editFormula(func(f *pricing.Formula) error { return f.SetDivisor(divisor) })
}

// EditAmount records a manual amount.
func (s *Session) EditAmount(amount pricing.Money) error {
	return s.editFormula(func(f *pricing.Formula) error { return f.OnAmountEdited(amount) })
}

// SyncToFormula drops a manual amount.
func (s *Session) SyncToFormula() error {
	return s.editFormula(func(f *pricing.Formula) error {
		f.SyncToFormula()
		return nil
	})
}

// SetSplits replaces every split.
func (s *Session) SetSplits(splits []split.Split) error {
	return s.editSplits(func([]split.Split, pricing.Money) ([]split.Split, error) {
		return append([]split.Split(nil), splits...), nil
	})
}

// AddSplit appends a split and returns it.
func (s *Session) AddSplit(method split.Method, amount pricing.Money) (split.Split, error) {
	added := split.New(method, amount)
	err := s.editSplits(func(cur []split.Split, _ pricing.Money) ([]split.Split, error) {
		return append(cur, added), nil
	})
	return added, err
}

// UpdateSplit replaces the split with the same id.
func (s *Session) UpdateSplit(updated split.Split) error {
	return s.editSplits(func(cur []split.Split, _ pricing.Money) ([]split.Split, error) {
		for i := range cur {
			if cur[i].ID == updated.ID {
				cur[i] = updated
				return cur, nil
			}
		}
		return nil, unknownSplit(updated.ID)
	})
}

// RemoveSplit drops the split with the given id.
func (s *Session) RemoveSplit(id string) error {
	return s.editSplits(func(cur []split.Split, _ pricing.Money) ([]split.Split, error) {
		for i := range cur {
			if cur[i].ID == id {
				return append(cur[:i], cur[i+1:]...), nil
			}
		}
		return nil, unknownSplit(id)
	})
}

// Rebalance spreads the amount to charge over the splits that are neither
// locked nor editedID.
func (s *Session) Rebalance(editedID string) error {
	return s.editSplits(func(cur []split.Split, total pricing.Money) ([]split.Split, error) {
		return split.Rebalance(cur, total, editedID), nil
	})
}

// SplitEvenly replaces the splits with n equal cash splits. Every split must
// carry at least one minor unit.
func (s *Session) SplitEvenly(n int) error {
	if err := pricing.ValidateDivisor(n); err != nil {
		return err
	}
	return s.editSplits(func(_ []split.Split, total pricing.Money) ([]split.Split, error) {
		if total < pricing.Money(n) {
			return nil, common.InvalidSplitAmount(fmt.Sprintf("cannot split %d into %d positive payments", total, n))
		}
		return split.Even(total, n), nil
	})
}

// Accounts returns destination accounts for non-cash splits, fetched once.
// Once loaded they also restrict split validation.
func (s *Session) Accounts(ctx context.Context) ([]payment.Account, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, common.SessionClosed(s.id)
	}
	if s.accounts != nil {
		out := append([]payment.Account(nil), s.accounts...)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	accounts, err := s.svc.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	if accounts == nil {
		accounts = []payment.Account{}
	}
	s.mu.Lock()
	s.accounts = accounts
	s.mu.Unlock()
	return append([]payment.Account(nil), accounts...), nil
}

// Submit sends the splits as one payment of the current amount together with
// the selected items. On success the session starts over on the reloaded
// snapshot.
func (s *Session) Submit(ctx context.Context) (payment.Outcome, error) {
	s.mu.Lock()
	if err := s.checkMutable(); err != nil {
		s.mu.Unlock()
		return payment.Outcome{}, err
	}
	snap := s.snap.Clone()
	splits := append([]split.Split(nil), s.splits...)
	total := s.formula.FinalAmount()
	items := make([]payment.ItemQuantity, 0)
	for _, line := range s.tracker.Lines() {
		items = append(items, payment.ItemQuantity{ItemID: line.ItemID, Quantity: line.Quantity})
	}
	fp := fingerprint(splits, total, items)
	if s.pendingKey == "" || s.pendingPrint != fp {
		s.pendingKey = uuid.NewString()
		s.pendingPrint = fp
	}
	sub := payment.Submission{
		SessionID:      s.id,
		IdempotencyKey: s.pendingKey,
		Splits:         splits,
		ExpectedTotal:  total,
		Items:          items,
		ReceivedBy:     s.receivedBy,
		KnownAccounts:  s.knownAccounts(),
	}
	s.mu.Unlock()

	out, err := s.svc.Submit(ctx, snap, sub)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if out.Confirmed {
			s.logger.Warn().Str("idempotency_key", sub.IdempotencyKey).Msg("discarding payment result for closed session")
		}
		return payment.Outcome{}, common.SessionClosed(s.id)
	}
	if out.Confirmed {
		s.pendingKey, s.pendingPrint = "", ""
		if err != nil {
			s.stale = true
			return out, err
		}
		return out, s.reset(out.Snapshot)
	}
	if rejected(err) {
		s.pendingKey, s.pendingPrint = "", ""
		s.stale = true
	}
	return out, err
}

// Void reverses an active payment. A void is allowed on a closed sale and
// re-opens it when a balance is due again.
func (s *Session) Void(ctx context.Context, paymentID string) (payment.VoidOutcome, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return payment.VoidOutcome{}, common.SessionClosed(s.id)
	}
	if s.stale {
		s.mu.Unlock()
		return payment.VoidOutcome{}, common.StaleSnapshot(s.snap.SaleID)
	}
	snap := s.snap.Clone()
	s.mu.Unlock()

	out, err := s.svc.Void(ctx, snap, paymentID, s.id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return payment.VoidOutcome{}, common.SessionClosed(s.id)
	}
	if err != nil {
		if rejected(err) || out.Confirmed {
			s.stale = true
		}
		return out, err
	}
	return out, s.reset(out.Snapshot)
}

// Reload fetches the sale again and starts over on the new snapshot.
func (s *Session) Reload(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return common.SessionClosed(s.id)
	}
	saleID := s.snap.SaleID
	s.mu.Unlock()

	snap, err := s.svc.Load(ctx, saleID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return common.SessionClosed(s.id)
	}
	s.pendingKey, s.pendingPrint = "", ""
	return s.reset(snap)
}

// Close ends the session. Results of requests still in flight are discarded.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.logger.Debug().Msg("payment session closed")
}

func (s *Session) reset(snap snapshot.Snapshot) error {
	formula, err := pricing.NewFormula(s.defaults)
	if err != nil {
		return fmt.Errorf("session: formula defaults: %w", err)
	}
	s.snap = snap.Clone()
	s.tracker = selection.NewTracker(snap)
	s.formula = formula
	s.splits = nil
	s.stale = false
	return nil
}

// checkMutable guards every edit and submission. Callers hold mu.
func (s *Session) checkMutable() error {
	switch {
	case s.closed:
		return common.SessionClosed(s.id)
	case s.stale:
		return common.StaleSnapshot(s.snap.SaleID)
	case s.snap.IsViewOnly():
		return common.ViewOnly(s.snap.SaleID)
	}
	return nil
}

func (s *Session) editSelection(edit func(*selection.Tracker) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMutable(); err != nil {
		return err
	}
	if err := edit(s.tracker); err != nil {
		return err
	}
	return s.formula.SetSubtotal(s.tracker.Subtotal())
}

func (s *Session) editFormula(edit func(*pricing.Formula) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMutable(); err != nil {
		return err
	}
	return edit(s.formula)
}

func (s *Session) editSplits(edit func([]split.Split, pricing.Money) ([]split.Split, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMutable(); err != nil {
		return err
	}
	next, err := edit(append([]split.Split(nil), s.splits...), s.formula.FinalAmount())
	if err != nil {
		return err
	}
	s.splits = next
	return nil
}

func (s *Session) knownAccounts() []string {
	if s.accounts == nil {
		return nil
	}
	ids := make([]string, 0, len(s.accounts))
	for _, a := range s.accounts {
		ids = append(ids, a.ID)
	}
	return ids
}

func (s *Session) validateOptions() []split.Option {
	if ids := s.knownAccounts(); ids != nil {
		return []split.Option{split.WithKnownAccounts(ids...)}
	}
	return nil
}

func unknownSplit(id string) error {
	return common.NewAppError(common.CodeInvalidSplit, "split "+id+" does not exist", common.ErrInvalidSplit)
}

func rejected(err error) bool {
	var appErr *common.AppError
	return errors.As(err, &appErr) && appErr.Rejected()
}

// fingerprint identifies what a submission would charge, independent of
// split ids.
func fingerprint(splits []split.Split, total pricing.Money, items []payment.ItemQuantity) string {
	parts := make([]string, 0, len(splits)+len(items)+1)
	parts = append(parts, fmt.Sprintf("total=%d", total))
	for _, sp := range splits {
		parts = append(parts, fmt.Sprintf("split=%s|%s|%s|%d", sp.Method, sp.Amount.String(), sp.DestinationAccountID, sp.TipAmount))
	}
	for _, it := range items {
		parts = append(parts, fmt.Sprintf("item=%s|%d", it.ItemID, it.Quantity))
	}
	sort.Strings(parts[1:])
	return strings.Join(parts, ";")
}
