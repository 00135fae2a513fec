package split_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-settlement/internal/common"
	"github.com/noah-isme/pos-settlement/internal/split"
)

func cash(id string, amount string) split.Split {
	return split.Split{ID: id, Amount: decimal.RequireFromString(amount), Method: split.MethodCash}
}

func TestValidateSumMatches(t *testing.T) {
	v := split.Validate([]split.Split{cash("a", "50000"), cash("b", "60000")}, 110_000)
	require.True(t, v.IsFullyValid)
	require.Nil(t, v.Blocking)
	require.Equal(t, []string{"a", "b"}, v.SubmittableIDs)
	require.NoError(t, v.Err())
}

func TestValidateSumMismatchKeepsSplitsSubmittable(t *testing.T) {
	v := split.Validate([]split.Split{cash("a", "50000"), cash("b", "60000")}, 100_000)
	require.False(t, v.IsFullyValid)
	require.NotNil(t, v.Blocking)
	require.ErrorIs(t, v.Err(), common.ErrSumMismatch)
	require.Equal(t, []string{"a", "b"}, v.SubmittableIDs)
	for _, r := range v.Results {
		require.True(t, r.Valid(), "split %s should remain locally valid", r.ID)
	}
	require.True(t, decimal.NewFromInt(-10_000).Equal(v.Difference()))
}

func TestValidateRejectsZeroAndFractionalAmounts(t *testing.T) {
	for _, amount := range []string{"0", "49999.5", "-100"} {
		v := split.Validate([]split.Split{cash("x", amount)}, 0)
		r, ok := v.Result("x")
		require.True(t, ok)
		require.False(t, r.Valid(), "amount %s must be locally invalid", amount)
		require.NotContains(t, v.SubmittableIDs, "x")
		require.False(t, v.IsFullyValid)
		require.ErrorIs(t, v.Err(), common.ErrInvalidSplitAmount)
	}

	// Local validity does not depend on the global sum either.
	v := split.Validate([]split.Split{cash("x", "49999.5"), cash("y", "50000.5")}, 100_000)
	require.Nil(t, v.Blocking)
	require.False(t, v.IsFullyValid)
	require.Empty(t, v.SubmittableIDs)
}

func TestValidateNonCashNeedsAccount(t *testing.T) {
	pos := split.Split{ID: "p", Amount: decimal.NewFromInt(10_000), Method: split.MethodPOS}
	v := split.Validate([]split.Split{pos}, 10_000)
	r, _ := v.Result("p")
	require.Len(t, r.Issues, 1)
	require.Equal(t, split.IssueMissingAccount, r.Issues[0].Kind)
	require.ErrorIs(t, v.Err(), common.ErrInvalidSplit)

	pos.DestinationAccountID = "acc-1"
	v = split.Validate([]split.Split{pos}, 10_000)
	require.True(t, v.IsFullyValid)

	v = split.Validate([]split.Split{pos}, 10_000, split.WithKnownAccounts("acc-2"))
	r, _ = v.Result("p")
	require.Equal(t, split.IssueUnknownAccount, r.Issues[0].Kind)
}

func TestValidateMiscIssues(t *testing.T) {
	bad := split.Split{ID: "m", Amount: decimal.NewFromInt(5), Method: "CHEQUE", TipAmount: -1}
	dup := cash("m", "5")
	v := split.Validate([]split.Split{bad, dup}, 10)
	require.Len(t, v.Results, 2)
	require.Len(t, v.Results[0].Issues, 2)
	require.Equal(t, split.IssueDuplicateID, v.Results[1].Issues[0].Kind)
	require.False(t, v.IsFullyValid)
}

func TestValidateEmptyIsNotValid(t *testing.T) {
	v := split.Validate(nil, 0)
	require.False(t, v.IsFullyValid)
	require.Nil(t, v.Blocking)
}
