package api

import (
	"time"

	"github.com/yourusername/quotafence/core"
)

// AcquireRequest is the body of POST /v1/acquire.
type AcquireRequest struct {
	Key       string `json:"key"`                 // Required: bucket key, e.g. "gmail-api"
	Tokens    *int64 `json:"tokens,omitempty"`    // Optional: defaults to 1
	RequestID string `json:"requestId,omitempty"` // Optional: replays the first decision for this ID
}

// AcquireResponse reports an admission decision. A denial is a normal 200
// response with Granted false.
type AcquireResponse struct {
	Granted  bool    `json:"granted"`
	WaitMs   int64   `json:"waitMs"`
	Tokens   float64 `json:"tokens"` // Tokens left after the decision
	Limit    float64 `json:"limit"`  // Tokens per second
	Burst    int64   `json:"burst"`
	Replayed bool    `json:"replayed"`
}

// SetRateRequest is the body of PUT /v1/buckets/{key}/rate. NewLimit is in
// tokens per minute.
type SetRateRequest struct {
	NewLimit float64 `json:"newLimit"`
	NewBurst int64   `json:"newBurst"`
}

// BucketResponse is a bucket snapshot. Limit is tokens per second,
// LimitPerMinute is the same rate in the unit operators set it in.
type BucketResponse struct {
	Key            string    `json:"key"`
	Limit          float64   `json:"limit"`
	LimitPerMinute float64   `json:"limitPerMinute"`
	Burst          int64     `json:"burst"`
	Tokens         float64   `json:"tokens"`
	LastRefillAt   time.Time `json:"lastRefillAt"`
}

// ListResponse is the body of GET /v1/buckets.
type ListResponse struct {
	Buckets []BucketResponse `json:"buckets"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewAcquireResponse converts a decision to its wire form.
func NewAcquireResponse(dec core.Decision) AcquireResponse {
	return AcquireResponse{
		Granted:  dec.Granted,
		WaitMs:   dec.WaitMs,
		Tokens:   dec.State.Tokens,
		Limit:    dec.State.Limit,
		Burst:    dec.State.Burst,
		Replayed: dec.Replayed,
	}
}

// NewBucketResponse converts a state to its wire form.
func NewBucketResponse(s core.BucketState) BucketResponse {
	return BucketResponse{
		Key:            s.Key,
		Limit:          s.Limit,
		LimitPerMinute: core.PerSecondToPerMinute(s.Limit),
		Burst:          s.Burst,
		Tokens:         s.Tokens,
		LastRefillAt:   s.LastRefillAt,
	}
}
