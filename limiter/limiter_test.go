package limiter

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/quotafence/core"
	"github.com/yourusername/quotafence/store"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLimiter(t *testing.T, opts ...Option) (*Limiter, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	l, err := New(append([]Option{WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, l.Stop(ctx))
	})
	return l, clock
}

func acquireConcurrently(t *testing.T, l *Limiter, key string, k int) (granted, denied int) {
	t.Helper()
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ctx = context.Background()
	)
	wg.Add(k)
	for range k {
		go func() {
			defer wg.Done()
			dec, err := l.Acquire(ctx, key, 1)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if dec.Granted {
				granted++
			} else {
				denied++
			}
		}()
	}
	wg.Wait()
	return granted, denied
}

func TestLimiter_BurstThenDeny(t *testing.T) {
	l, _ := newTestLimiter(t, WithDefaults(core.Rate{Limit: 1, Burst: 5}))

	granted, denied := acquireConcurrently(t, l, "gmail-api", 10)

	assert.Equal(t, 5, granted)
	assert.Equal(t, 5, denied)
}

func TestLimiter_RefillRecovery(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLimiter(t, WithDefaults(core.Rate{Limit: 1, Burst: 5}))

	acquireConcurrently(t, l, "gmail-api", 10)

	clock.Advance(1000 * time.Millisecond)

	first, err := l.Acquire(ctx, "gmail-api", 1)
	require.NoError(t, err)
	second, err := l.Acquire(ctx, "gmail-api", 1)
	require.NoError(t, err)

	assert.True(t, first.Granted, "one token accrued after 1s")
	assert.False(t, second.Granted, "only one token accrued after 1s")
	assert.Equal(t, int64(1000), second.WaitMs)
}

func TestLimiter_DenialLeavesTokens(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, WithDefaults(core.Rate{Limit: 2, Burst: 3}))

	dec, err := l.Acquire(ctx, "contacts-api", 4)
	require.NoError(t, err)
	assert.False(t, dec.Granted)
	assert.Equal(t, int64(500), dec.WaitMs)
	assert.Equal(t, 3.0, dec.State.Tokens)

	snap, err := l.Snapshot(ctx, "contacts-api")
	require.NoError(t, err)
	assert.Equal(t, 3.0, snap.Tokens)
}

func TestLimiter_SetRateClampsTokens(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, WithDefaults(core.Rate{Limit: 1, Burst: 10}))

	dec, err := l.Acquire(ctx, "gmail-api", 2)
	require.NoError(t, err)
	require.True(t, dec.Granted)
	require.Equal(t, 8.0, dec.State.Tokens)

	state, err := l.SetRate(ctx, "gmail-api", core.Rate{Limit: 1, Burst: 5})
	require.NoError(t, err)
	assert.Equal(t, 5.0, state.Tokens)
	assert.Equal(t, int64(5), state.Burst)

	snap, err := l.Snapshot(ctx, "gmail-api")
	require.NoError(t, err)
	assert.Equal(t, 5.0, snap.Tokens)
}

func TestLimiter_SetRateRefillsAtOldRateFirst(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLimiter(t, WithDefaults(core.Rate{Limit: 1, Burst: 100}))

	dec, err := l.Acquire(ctx, "calendar-api", 100)
	require.NoError(t, err)
	require.True(t, dec.Granted)

	clock.Advance(2 * time.Second)
	state, err := l.SetRate(ctx, "calendar-api", core.Rate{Limit: 10, Burst: 100})
	require.NoError(t, err)
	assert.Equal(t, 2.0, state.Tokens, "elapsed time is credited at the old rate")

	clock.Advance(1 * time.Second)
	snap, err := l.Snapshot(ctx, "calendar-api")
	require.NoError(t, err)
	assert.Equal(t, 12.0, snap.Tokens, "new rate applies from the change onwards")
}

func TestLimiter_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, WithDefaults(core.Rate{Limit: 1, Burst: 5}))

	before, err := l.Snapshot(ctx, "gmail-api")
	require.NoError(t, err)

	tests := []struct {
		name string
		call func() error
	}{
		{name: "zero tokens", call: func() error { _, err := l.Acquire(ctx, "gmail-api", 0); return err }},
		{name: "negative tokens", call: func() error { _, err := l.Acquire(ctx, "gmail-api", -3); return err }},
		{name: "empty key", call: func() error { _, err := l.Acquire(ctx, "", 1); return err }},
		{name: "zero limit", call: func() error { _, err := l.SetRate(ctx, "gmail-api", core.Rate{Limit: 0, Burst: 5}); return err }},
		{name: "zero burst", call: func() error { _, err := l.SetRate(ctx, "gmail-api", core.Rate{Limit: 1, Burst: 0}); return err }},
		{name: "negative limit", call: func() error { _, err := l.SetRate(ctx, "gmail-api", core.Rate{Limit: -1, Burst: 5}); return err }},
		{name: "empty snapshot key", call: func() error { _, err := l.Snapshot(ctx, ""); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), core.ErrInvalidArgument)
		})
	}

	after, err := l.Snapshot(ctx, "gmail-api")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, []string{"gmail-api"}, l.Keys(), "rejected calls create no buckets")
}

// With a clock that never advances no refill happens, so exactly M of K
// concurrent acquires can win however the goroutines are scheduled.
func TestLimiter_NoDoubleSpend(t *testing.T) {
	const (
		m = 7
		k = 200
	)

	for i := range 20 {
		t.Run(fmt.Sprintf("round-%d", i), func(t *testing.T) {
			l, _ := newTestLimiter(t, WithDefaults(core.Rate{Limit: 0.001, Burst: m}))

			granted, denied := acquireConcurrently(t, l, "gmail-api", k)

			assert.Equal(t, m, granted)
			assert.Equal(t, k-m, denied)

			snap, err := l.Snapshot(context.Background(), "gmail-api")
			require.NoError(t, err)
			assert.GreaterOrEqual(t, snap.Tokens, 0.0)
		})
	}
}

func TestLimiter_TokenBucketBound(t *testing.T) {
	ctx := context.Background()
	rate := core.Rate{Limit: 4, Burst: 6}
	l, clock := newTestLimiter(t, WithDefaults(rate))

	var grants []time.Time
	for step := range 400 {
		clock.Advance(time.Duration(37+step%90) * time.Millisecond)
		for range 1 + step%3 {
			dec, err := l.Acquire(ctx, "gmail-api", 1)
			require.NoError(t, err)
			if dec.Granted {
				grants = append(grants, clock.Now())
			}
		}
	}
	require.NotEmpty(t, grants)

	for i := range grants {
		for j := i; j < len(grants); j++ {
			window := grants[j].Sub(grants[i]).Seconds()
			count := float64(j - i + 1)
			bound := float64(rate.Burst) + rate.Limit*window
			if count > bound+1e-9 {
				t.Fatalf("%v grants in %.3fs window exceeds bound %.3f", count, window, bound)
			}
		}
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, WithDefaults(core.Rate{Limit: 1, Burst: 2}))

	for range 3 {
		_, err := l.Acquire(ctx, "gmail-api", 1)
		require.NoError(t, err)
	}

	dec, err := l.Acquire(ctx, "calendar-api", 1)
	require.NoError(t, err)
	assert.True(t, dec.Granted)
	assert.Equal(t, []string{"calendar-api", "gmail-api"}, l.Keys())
}

func TestLimiter_PerKeyRates(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t,
		WithDefaults(core.Rate{Limit: 1, Burst: 5}),
		WithRates(map[string]core.Rate{"gmail-api": {Limit: 0.5, Burst: 2}}),
	)

	gmail, err := l.Snapshot(ctx, "gmail-api")
	require.NoError(t, err)
	assert.Equal(t, core.Rate{Limit: 0.5, Burst: 2}, gmail.Rate())

	other, err := l.Snapshot(ctx, "contacts-api")
	require.NoError(t, err)
	assert.Equal(t, core.Rate{Limit: 1, Burst: 5}, other.Rate())
}

func TestLimiter_SnapshotAdvancesRefill(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLimiter(t, WithDefaults(core.Rate{Limit: 1, Burst: 5}))

	_, err := l.Acquire(ctx, "gmail-api", 5)
	require.NoError(t, err)

	clock.Advance(1500 * time.Millisecond)
	snap, err := l.Snapshot(ctx, "gmail-api")
	require.NoError(t, err)

	assert.Equal(t, 1.5, snap.Tokens)
	assert.Equal(t, clock.Now(), snap.LastRefillAt)
}

func TestLimiter_AcquireOnceReplays(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, WithDefaults(core.Rate{Limit: 1, Burst: 3}))

	first, err := l.AcquireOnce(ctx, "gmail-api", 2, "req-1")
	require.NoError(t, err)
	require.True(t, first.Granted)
	assert.False(t, first.Replayed)

	again, err := l.AcquireOnce(ctx, "gmail-api", 2, "req-1")
	require.NoError(t, err)
	assert.True(t, again.Granted)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.State, again.State)

	snap, err := l.Snapshot(ctx, "gmail-api")
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap.Tokens, "replay must not spend tokens")

	other, err := l.AcquireOnce(ctx, "gmail-api", 2, "req-2")
	require.NoError(t, err)
	assert.False(t, other.Granted)
}

func TestLimiter_DedupeWindowEvictsOldest(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t,
		WithDefaults(core.Rate{Limit: 1, Burst: 100}),
		WithDedupeWindow(2),
	)

	for _, id := range []string{"a", "b", "c"} {
		_, err := l.AcquireOnce(ctx, "gmail-api", 1, id)
		require.NoError(t, err)
	}

	dec, err := l.AcquireOnce(ctx, "gmail-api", 1, "a")
	require.NoError(t, err)
	assert.False(t, dec.Replayed, "a was evicted from a window of 2")

	dec, err = l.AcquireOnce(ctx, "gmail-api", 1, "c")
	require.NoError(t, err)
	assert.True(t, dec.Replayed)
}

func TestLimiter_HydratesFromStore(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.Set(ctx, "gmail-api", &core.BucketState{
		Key: "gmail-api", Limit: 2, Burst: 10, Tokens: 1, LastRefillAt: epoch,
	}))

	l, _ := newTestLimiter(t, WithStore(s), WithDefaults(core.Rate{Limit: 100, Burst: 100}))

	dec, err := l.Acquire(ctx, "gmail-api", 2)
	require.NoError(t, err)
	assert.False(t, dec.Granted)
	assert.Equal(t, int64(500), dec.WaitMs)
	assert.Equal(t, core.Rate{Limit: 2, Burst: 10}, dec.State.Rate())
}

func TestLimiter_PersistsGrantsAndRateChanges(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	l, _ := newTestLimiter(t, WithStore(s), WithDefaults(core.Rate{Limit: 1, Burst: 5}))

	_, err := l.Acquire(ctx, "gmail-api", 3)
	require.NoError(t, err)
	persisted, err := s.Get(ctx, "gmail-api")
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, 2.0, persisted.Tokens)

	_, err = l.SetRate(ctx, "gmail-api", core.Rate{Limit: 3, Burst: 1})
	require.NoError(t, err)
	persisted, err = s.Get(ctx, "gmail-api")
	require.NoError(t, err)
	assert.Equal(t, core.Rate{Limit: 3, Burst: 1}, persisted.Rate())
	assert.Equal(t, 1.0, persisted.Tokens)
}

type countingRecorder struct {
	mu      sync.Mutex
	granted int
	denied  int
	states  int
}

func (c *countingRecorder) ObserveDecision(_ string, granted bool, _ int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if granted {
		c.granted++
	} else {
		c.denied++
	}
}

func (c *countingRecorder) ObserveState(core.BucketState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states++
}

func (c *countingRecorder) ObserveStoreError(string, string) {}

func TestLimiter_ReportsToRecorder(t *testing.T) {
	rec := &countingRecorder{}
	l, _ := newTestLimiter(t, WithDefaults(core.Rate{Limit: 1, Burst: 2}), WithRecorder(rec))

	acquireConcurrently(t, l, "gmail-api", 5)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 2, rec.granted)
	assert.Equal(t, 3, rec.denied)
	assert.Equal(t, 5, rec.states)
}

func TestLimiter_Stop(t *testing.T) {
	l, err := New(WithClock(clockwork.NewFakeClockAt(epoch)))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = l.Acquire(ctx, "gmail-api", 1)
	require.NoError(t, err)

	require.NoError(t, l.Stop(ctx))
	require.NoError(t, l.Stop(ctx), "Stop is idempotent")

	_, err = l.Acquire(ctx, "gmail-api", 1)
	assert.ErrorIs(t, err, ErrStopped)
	_, err = l.Snapshot(ctx, "new-key")
	assert.ErrorIs(t, err, ErrStopped)
}

// stallingStore holds Set until the limiter's context is cancelled and the
// test releases it, so a grant is still running when Stop is called.
type stallingStore struct {
	*store.MemoryStore
	entered   chan struct{}
	cancelled chan struct{}
	release   chan struct{}
}

func (s *stallingStore) Set(ctx context.Context, key string, state *core.BucketState) error {
	close(s.entered)
	<-ctx.Done()
	close(s.cancelled)
	<-s.release
	return ctx.Err()
}

func TestLimiter_StopDuringGrantKeepsDecision(t *testing.T) {
	s := &stallingStore{
		MemoryStore: store.NewMemoryStore(),
		entered:     make(chan struct{}),
		cancelled:   make(chan struct{}),
		release:     make(chan struct{}),
	}
	l, err := New(
		WithClock(clockwork.NewFakeClockAt(epoch)),
		WithStore(s),
		WithDefaults(core.Rate{Limit: 1, Burst: 5}),
		WithStoreTimeout(time.Minute),
	)
	require.NoError(t, err)

	type result struct {
		dec core.Decision
		err error
	}
	done := make(chan result, 1)
	go func() {
		dec, err := l.Acquire(context.Background(), "gmail-api", 1)
		done <- result{dec, err}
	}()

	<-s.entered
	stopped := make(chan error, 1)
	go func() { stopped <- l.Stop(context.Background()) }()

	<-s.cancelled
	select {
	case r := <-done:
		t.Fatalf("Acquire returned %+v before its grant finished", r)
	default:
	}
	close(s.release)

	r := <-done
	require.NoError(t, r.err, "a grant that was applied is reported")
	assert.True(t, r.dec.Granted)
	assert.Equal(t, 4.0, r.dec.State.Tokens)
	require.NoError(t, <-stopped)
}

func TestNew_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{name: "zero default limit", opt: WithDefaults(core.Rate{Limit: 0, Burst: 1})},
		{name: "zero default burst", opt: WithDefaults(core.Rate{Limit: 1, Burst: 0})},
		{name: "invalid key rate", opt: WithRates(map[string]core.Rate{"gmail-api": {Limit: 1}})},
		{name: "empty key", opt: WithRates(map[string]core.Rate{"": {Limit: 1, Burst: 1}})},
		{name: "nil store", opt: WithStore(nil)},
		{name: "nil clock", opt: WithClock(nil)},
		{name: "nil recorder", opt: WithRecorder(nil)},
		{name: "negative dedupe window", opt: WithDedupeWindow(-1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opt)
			assert.ErrorIs(t, err, core.ErrInvalidArgument)
		})
	}
}

func BenchmarkLimiter_Acquire(b *testing.B) {
	l, err := New(WithDefaults(core.Rate{Limit: 1000, Burst: 100000}))
	require.NoError(b, err)
	defer l.Stop(context.Background())

	ctx := context.Background()
	for b.Loop() {
		_, _ = l.Acquire(ctx, "gmail-api", 1)
	}
}
