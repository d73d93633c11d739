package core

import (
	"math"
	"time"
)

// Refill advances state to now using the lazy refill rule:
// elapsed seconds times the limit are added, capped at burst.
// A now earlier than LastRefillAt counts as zero elapsed time and
// leaves LastRefillAt untouched.
func Refill(state *BucketState, now time.Time) {
	elapsed := now.Sub(state.LastRefillAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	state.Tokens = math.Min(float64(state.Burst), state.Tokens+elapsed*state.Limit)

	if now.After(state.LastRefillAt) {
		state.LastRefillAt = now
	}
}

// TryConsume decides an acquire of n tokens against an already refilled state.
// On success n tokens are subtracted. On denial tokens are left as they are
// and the returned wait is the time until the deficit refills.
func TryConsume(state *BucketState, n int64) (granted bool, waitMs int64) {
	need := float64(n)
	if state.Tokens >= need {
		state.Tokens -= need
		return true, 0
	}
	return false, WaitMs(state, need)
}

// WaitMs returns ceil(deficit / limit * 1000) for acquiring need tokens.
// A request larger than burst can never succeed; its hint is still the
// refill time of the deficit so callers can back off. Hints too large for
// an int64 saturate at math.MaxInt64.
func WaitMs(state *BucketState, need float64) int64 {
	deficit := need - state.Tokens
	if deficit <= 0 {
		return 0
	}
	if state.Limit <= 0 {
		return math.MaxInt64
	}
	ms := math.Ceil(deficit / state.Limit * 1000)
	if ms >= math.MaxInt64 || math.IsNaN(ms) {
		return math.MaxInt64
	}
	return int64(ms)
}

// ApplyRate changes limit and burst on an already refilled state and clamps
// tokens to the new burst.
func ApplyRate(state *BucketState, rate Rate) {
	state.Limit = rate.Limit
	state.Burst = rate.Burst
	if state.Tokens > float64(rate.Burst) {
		state.Tokens = float64(rate.Burst)
	}
}
