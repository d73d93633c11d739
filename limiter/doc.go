// Package limiter provides the keyed token-bucket limiter that gates calls to
// upstream provider APIs.
//
// # Overview
//
// Every key (for example "gmail-api") has one bucket holding up to Burst
// tokens that refills continuously at Limit tokens per second. Refill is lazy:
// elapsed time is converted to tokens at the start of each operation.
//
//	l, _ := limiter.New(limiter.WithDefaults(core.Rate{Limit: 1, Burst: 5}))
//	dec, err := l.Acquire(ctx, "gmail-api", 1)
//	if err != nil {
//	    return err // invalid argument or limiter stopped
//	}
//	if !dec.Granted {
//	    // not an error: retry after dec.WaitMs or report rate limited
//	}
//
// # Concurrency
//
// Each key is owned by a single actor goroutine fed by a mailbox. Acquire,
// SetRate and Snapshot for one key run one at a time in the order they reach
// the mailbox, so no caller can consume tokens that were available to an
// earlier one. Keys do not share locks on the hot path; the only shared lock
// guards creation of new actors.
//
// Acquire never sleeps waiting for tokens. Waiting is the caller's choice;
// see package guard for a configurable policy.
//
// # Persistence
//
// Bucket states are written to a store.Store after every grant and rate
// change, and hydrated from it when a key's actor starts. The default store
// is in-memory; store.RedisStore keeps quota across restarts.
//
// # Replay
//
// AcquireOnce remembers the last decisions per key by request ID, so a client
// retrying the same request does not spend tokens twice.
package limiter
