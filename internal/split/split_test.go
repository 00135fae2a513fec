package split_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-settlement/internal/pricing"
	"github.com/noah-isme/pos-settlement/internal/split"
)

func amounts(splits []split.Split) []pricing.Money {
	out := make([]pricing.Money, len(splits))
	for i, s := range splits {
		out[i] = s.MinorAmount()
	}
	return out
}

func TestEvenSplitsAddUp(t *testing.T) {
	splits := split.Even(100_001, 3)
	require.Equal(t, []pricing.Money{33_333, 33_333, 33_335}, amounts(splits))
	require.True(t, split.Validate(splits, 100_001).IsFullyValid)
	require.NotEqual(t, splits[0].ID, splits[1].ID)
}

func TestRebalanceSkipsLockedAndEdited(t *testing.T) {
	locked := split.New(split.MethodCash, 30_000)
	locked.Locked = true
	edited := split.New(split.MethodCash, 20_000)
	a := split.New(split.MethodCash, 0)
	b := split.New(split.MethodCash, 0)

	out := split.Rebalance([]split.Split{locked, edited, a, b}, 100_001, edited.ID)
	require.Equal(t, []pricing.Money{30_000, 20_000, 25_000, 25_001}, amounts(out))
	require.True(t, split.Validate(out, 100_001).IsFullyValid)

	// The input slice is not modified.
	require.True(t, a.Amount.IsZero())
}

func TestRebalanceNothingAdjustable(t *testing.T) {
	locked := split.New(split.MethodCash, 10)
	locked.Locked = true
	out := split.Rebalance([]split.Split{locked}, 50, "")
	require.Equal(t, []pricing.Money{10}, amounts(out))
}

func TestRebalanceOverCommitted(t *testing.T) {
	locked := split.New(split.MethodCash, 80)
	locked.Locked = true
	other := split.New(split.MethodCash, 40)
	out := split.Rebalance([]split.Split{locked, other}, 50, "")
	require.True(t, out[1].Amount.Equal(decimal.Zero))
}

func TestMethodRequiresAccount(t *testing.T) {
	require.False(t, split.MethodCash.RequiresAccount())
	require.True(t, split.MethodPOS.RequiresAccount())
	require.True(t, split.MethodCardTransfer.RequiresAccount())
	require.False(t, split.Method("X").IsValid())
}
