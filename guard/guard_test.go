package guard

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/quotafence/core"
	"github.com/yourusername/quotafence/limiter"
	"github.com/yourusername/quotafence/retry"
)

func newLimiter(t *testing.T, clock clockwork.Clock, rate core.Rate) *limiter.Limiter {
	t.Helper()
	l, err := limiter.New(limiter.WithClock(clock), limiter.WithDefaults(rate))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Stop(context.Background()) })
	return l
}

func TestGuard_FailFastSurfacesDenial(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newLimiter(t, clock, core.Rate{Limit: 1, Burst: 2})
	g, err := New(l, Config{Policy: PolicyFailFast})
	require.NoError(t, err)

	ctx := context.Background()
	calls := 0
	work := func(context.Context) error { calls++; return nil }

	require.NoError(t, g.Do(ctx, "gmail-api", 1, work))
	require.NoError(t, g.Do(ctx, "gmail-api", 1, work))

	err = g.Do(ctx, "gmail-api", 1, work)
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, "gmail-api", limited.Key)
	assert.Equal(t, int64(1000), limited.WaitMs)
	assert.Equal(t, time.Second, limited.RetryAfter())
	assert.Equal(t, 2, calls, "denied work never runs")
}

func TestGuard_WaitPolicyRetriesAfterHint(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newLimiter(t, clock, core.Rate{Limit: 2, Burst: 1})
	g, err := New(l, Config{Policy: PolicyWait, MaxAttempts: 3, MaxWait: time.Minute}, WithClock(clock))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, g.Do(ctx, "calendar-api", 1, func(context.Context) error { return nil }))

	done := make(chan error, 1)
	ran := make(chan struct{})
	go func() {
		done <- g.Do(ctx, "calendar-api", 1, func(context.Context) error {
			close(ran)
			return nil
		})
	}()

	clock.BlockUntil(1)
	clock.Advance(500 * time.Millisecond)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("guard did not retry after the wait hint")
	}
	<-ran
}

func TestGuard_WaitPolicyGivesUp(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newLimiter(t, clock, core.Rate{Limit: 0.001, Burst: 1})
	g, err := New(l, Config{Policy: PolicyWait, MaxAttempts: 2, MaxWait: 10 * time.Millisecond}, WithClock(clock))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, g.Do(ctx, "contacts-api", 1, func(context.Context) error { return nil }))

	done := make(chan error, 1)
	go func() {
		done <- g.Do(ctx, "contacts-api", 1, func(context.Context) error { return nil })
	}()

	clock.BlockUntil(1)
	clock.Advance(10 * time.Millisecond)

	select {
	case err := <-done:
		var limited *RateLimitedError
		require.ErrorAs(t, err, &limited)
		assert.Equal(t, 2, limited.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("guard did not give up")
	}
}

func TestGuard_WaitPolicyHonorsSaturatedHint(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newLimiter(t, clock, core.Rate{Limit: 1e-300 / 60, Burst: 1})
	g, err := New(l, Config{Policy: PolicyWait, MaxAttempts: 2, MaxWait: 10 * time.Millisecond}, WithClock(clock))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, g.Do(ctx, "slow-api", 1, func(context.Context) error { return nil }))

	done := make(chan error, 1)
	go func() {
		done <- g.Do(ctx, "slow-api", 1, func(context.Context) error { return nil })
	}()

	// The guard must park on its timer instead of retrying immediately.
	clock.BlockUntil(1)
	select {
	case err := <-done:
		t.Fatalf("guard returned %v before its wait elapsed", err)
	default:
	}
	clock.Advance(10 * time.Millisecond)

	select {
	case err := <-done:
		var limited *RateLimitedError
		require.ErrorAs(t, err, &limited)
		assert.Equal(t, int64(math.MaxInt64), limited.WaitMs)
		assert.Positive(t, limited.RetryAfter())
	case <-time.After(5 * time.Second):
		t.Fatal("guard did not give up")
	}
}

func TestGuard_GrantedWorkGoesThroughCaller(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newLimiter(t, clock, core.Rate{Limit: 1, Burst: 5})
	caller, err := retry.New(retry.Config{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})
	require.NoError(t, err)
	g, err := New(l, Config{}, WithCaller(caller))
	require.NoError(t, err)

	attempts := 0
	err = g.Do(context.Background(), "gmail-api", 1, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return &retry.StatusError{StatusCode: 502}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	snap, err := l.Snapshot(context.Background(), "gmail-api")
	require.NoError(t, err)
	assert.Equal(t, 4.0, snap.Tokens, "upstream retries do not spend more quota")
}

func TestGuard_InvalidArgumentIsNotRateLimited(t *testing.T) {
	l := newLimiter(t, clockwork.NewFakeClock(), core.Rate{Limit: 1, Burst: 5})
	g, err := New(l, Config{})
	require.NoError(t, err)

	err = g.Do(context.Background(), "gmail-api", 0, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
	var limited *RateLimitedError
	assert.False(t, errors.As(err, &limited))
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("wait")
	require.NoError(t, err)
	assert.Equal(t, PolicyWait, p)
	assert.Equal(t, "wait", p.String())

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyFailFast, p)

	_, err = ParsePolicy("queue")
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}
