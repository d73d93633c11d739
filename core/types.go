package core

import (
	"fmt"
	"math"
	"time"
)

// Rate is the typed quota configuration for one bucket.
type Rate struct {
	Limit float64 // Tokens added per second
	Burst int64   // Maximum tokens (burst size)
}

// Validate reports ErrInvalidArgument when either field is not positive.
// NaN and infinite limits are rejected as well.
func (r Rate) Validate() error {
	if !(r.Limit > 0) || math.IsInf(r.Limit, 0) {
		return fmt.Errorf("%w: limit must be positive and finite, got %v", ErrInvalidArgument, r.Limit)
	}
	if r.Burst <= 0 {
		return fmt.Errorf("%w: burst must be positive, got %d", ErrInvalidArgument, r.Burst)
	}
	return nil
}

// BucketState represents the current state of a token bucket
type BucketState struct {
	Key          string    `json:"key"`          // Immutable once created
	Limit        float64   `json:"limit"`        // Tokens added per second
	Burst        int64     `json:"burst"`        // Maximum tokens
	Tokens       float64   `json:"tokens"`       // Current tokens available
	LastRefillAt time.Time `json:"lastRefillAt"` // Last time tokens were refilled
}

// NewBucketState creates a full bucket for key.
func NewBucketState(key string, rate Rate, now time.Time) *BucketState {
	return &BucketState{
		Key:          key,
		Limit:        rate.Limit,
		Burst:        rate.Burst,
		Tokens:       float64(rate.Burst),
		LastRefillAt: now,
	}
}

// Rate returns the bucket's current quota configuration.
func (s *BucketState) Rate() Rate {
	return Rate{Limit: s.Limit, Burst: s.Burst}
}

// Decision contains the result of an acquire
type Decision struct {
	Granted  bool        // Whether the tokens were consumed
	WaitMs   int64       // Milliseconds until a retry could succeed (0 if granted)
	State    BucketState // Bucket state after the decision was applied
	Replayed bool        // Served from the request de-duplication window
}
