package split

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/pos-settlement/internal/common"
	"github.com/noah-isme/pos-settlement/internal/pricing"
)

// Issue kinds reported per split.
const (
	IssueAmountNotPositive = "AMOUNT_NOT_POSITIVE"
	IssueAmountFractional  = "AMOUNT_FRACTIONAL"
	IssueUnknownMethod     = "UNKNOWN_METHOD"
	IssueMissingAccount    = "MISSING_DESTINATION_ACCOUNT"
	IssueUnknownAccount    = "UNKNOWN_DESTINATION_ACCOUNT"
	IssueNegativeTip       = "NEGATIVE_TIP"
	IssueDuplicateID       = "DUPLICATE_ID"
)

// Issue is a local problem with one split.
type Issue struct {
	Kind    string
	Message string
}

// Result is the local verdict for a single split.
type Result struct {
	ID     string
	Issues []Issue
}

// Valid reports whether the split has no local issues.
func (r Result) Valid() bool {
	return len(r.Issues) == 0
}

// Validation is the outcome of checking a set of splits against the amount due.
type Validation struct {
	Results        []Result
	Sum            decimal.Decimal
	ExpectedTotal  pricing.Money
	Blocking       *common.AppError
	SubmittableIDs []string
	IsFullyValid   bool
}

// Result returns the verdict for the split with the given id.
func (v Validation) Result(id string) (Result, bool) {
	for _, r := range v.Results {
		if r.ID == id {
			return r, true
		}
	}
	return Result{}, false
}

// Difference is ExpectedTotal minus Sum; positive means money is still missing.
func (v Validation) Difference() decimal.Decimal {
	return decimal.NewFromInt(v.ExpectedTotal).Sub(v.Sum)
}

// Err joins every local and global problem, or returns nil when the whole
// submission is valid.
func (v Validation) Err() error {
	var joined error
	for _, r := range v.Results {
		for _, is := range r.Issues {
			code := common.CodeInvalidSplit
			if is.Kind == IssueAmountNotPositive || is.Kind == IssueAmountFractional {
				code = common.CodeInvalidSplitAmount
			}
			joined = errors.Join(joined, common.NewAppError(code, fmt.Sprintf("split %s: %s", r.ID, is.Message), nil))
		}
	}
	if v.Blocking != nil {
		joined = errors.Join(joined, v.Blocking)
	}
	return joined
}

// Option tunes validation.
type Option func(*options)

type options struct {
	accounts map[string]struct{}
}

// WithKnownAccounts restricts destination accounts to the given ids.
func WithKnownAccounts(ids ...string) Option {
	return func(o *options) {
		o.accounts = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			o.accounts[id] = struct{}{}
		}
	}
}

// Validate checks every split locally and the global sum invariant. A sum
// mismatch blocks the submission without invalidating individual splits, so
// SubmittableIDs can be non-empty while IsFullyValid is false.
func Validate(splits []Split, expectedTotal pricing.Money, opts ...Option) Validation {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	v := Validation{
		Results:        make([]Result, 0, len(splits)),
		Sum:            decimal.Zero,
		ExpectedTotal:  expectedTotal,
		SubmittableIDs: make([]string, 0, len(splits)),
	}
	seen := make(map[string]struct{}, len(splits))
	locallyValid := true
	for _, s := range splits {
		r := Result{ID: s.ID, Issues: checkSplit(s, o)}
		if _, dup := seen[s.ID]; dup {
			r.Issues = append(r.Issues, Issue{Kind: IssueDuplicateID, Message: "split id is used more than once"})
		}
		seen[s.ID] = struct{}{}
		v.Sum = v.Sum.Add(s.Amount)
		if r.Valid() && s.Amount.IsPositive() {
			v.SubmittableIDs = append(v.SubmittableIDs, s.ID)
		} else {
			locallyValid = false
		}
		v.Results = append(v.Results, r)
	}

	if !v.Sum.Equal(decimal.NewFromInt(expectedTotal)) {
		v.Blocking = &common.AppError{
			Code:    common.CodeSumMismatch,
			Message: fmt.Sprintf("split amounts add up to %s, expected %d", v.Sum.String(), expectedTotal),
			Err:     common.ErrSumMismatch,
			Details: map[string]string{"difference": v.Difference().String()},
		}
	}
	v.IsFullyValid = len(splits) > 0 && locallyValid && v.Blocking == nil
	return v
}

func checkSplit(s Split, o options) []Issue {
	var issues []Issue
	if !s.Amount.IsPositive() {
		issues = append(issues, Issue{Kind: IssueAmountNotPositive, Message: "amount must be greater than zero"})
	} else if !s.Amount.IsInteger() {
		issues = append(issues, Issue{Kind: IssueAmountFractional, Message: "amount must be a whole number of minor units"})
	}
	if !s.Method.IsValid() {
		issues = append(issues, Issue{Kind: IssueUnknownMethod, Message: fmt.Sprintf("unknown payment method %q", s.Method)})
	} else if s.Method.RequiresAccount() {
		if s.DestinationAccountID == "" {
			issues = append(issues, Issue{Kind: IssueMissingAccount, Message: "destination account is required for " + s.Method.String()})
		} else if o.accounts != nil {
			if _, ok := o.accounts[s.DestinationAccountID]; !ok {
				issues = append(issues, Issue{Kind: IssueUnknownAccount, Message: "destination account " + s.DestinationAccountID + " is not available"})
			}
		}
	}
	if s.TipAmount < 0 {
		issues = append(issues, Issue{Kind: IssueNegativeTip, Message: "tip must not be negative"})
	}
	return issues
}
