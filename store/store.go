package store

import (
	"context"
	"errors"

	"github.com/yourusername/quotafence/core"
)

// ErrStoreFailed wraps backend failures.
var ErrStoreFailed = errors.New("store operation failed")

// Store defines the interface for bucket state persistence.
// Get returns (nil, nil) when no state exists for the key.
type Store interface {
	Get(ctx context.Context, key string) (*core.BucketState, error)
	Set(ctx context.Context, key string, state *core.BucketState) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}
