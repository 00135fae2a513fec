package resilience_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-settlement/internal/resilience"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBreakerTransitions(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	breaker := resilience.NewBreaker(2, 0.5, 30*time.Second).WithClock(clock.now)
	ctx := context.Background()

	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)
	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)

	require.False(t, breaker.Allow(ctx), "breaker should open after threshold exceeded")
	st := breaker.Stats()
	require.Equal(t, resilience.Open, st.State)
	require.Equal(t, clock.t.Add(30*time.Second), st.RetryAt)
	require.Equal(t, 2, st.Failures)

	clock.advance(30 * time.Second)
	require.True(t, breaker.Allow(ctx), "one probe after the cool-off")
	require.Equal(t, resilience.HalfOpen, breaker.State())
	require.False(t, breaker.Allow(ctx), "a second caller waits for the probe")

	breaker.Report(ctx, true)
	require.True(t, breaker.Allow(ctx))
	require.Equal(t, resilience.Closed, breaker.State())
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	breaker := resilience.NewBreaker(1, 0.5, time.Second).WithClock(clock.now)
	ctx := context.Background()

	breaker.Report(ctx, false)
	clock.advance(time.Second)
	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)
	require.Equal(t, resilience.Open, breaker.State())
	require.False(t, breaker.Allow(ctx))

	clock.advance(time.Second)
	require.True(t, breaker.Allow(ctx))
	clock.advance(time.Second)
	require.True(t, breaker.Allow(ctx), "a probe that never reported is replaced")
}

func TestBreakerWindowForgetsOldFailures(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	breaker := resilience.NewBreaker(4, 0.5, time.Minute).WithWindow(10 * time.Second).WithClock(clock.now)
	ctx := context.Background()

	breaker.Report(ctx, false)
	breaker.Report(ctx, false)
	breaker.Report(ctx, true)
	require.Equal(t, 3, breaker.Stats().Requests)

	clock.advance(10 * time.Second)
	breaker.Report(ctx, false)
	st := breaker.Stats()
	require.Equal(t, resilience.Closed, st.State, "failures from the previous window do not count")
	require.Equal(t, 1, st.Requests)
	require.Equal(t, 1, st.Failures)
	require.True(t, st.RetryAt.IsZero())
}

func TestBackoffWithJitter(t *testing.T) {
	base := 100 * time.Millisecond
	require.Equal(t, base, resilience.Backoff(base, 1, 0))
	require.Equal(t, base*4, resilience.Backoff(base, 3, 0))

	d := resilience.Backoff(base, 2, 0.2)
	require.GreaterOrEqual(t, d, base*2-(base*2/5))
	require.LessOrEqual(t, d, base*2+(base*2/5))
}
