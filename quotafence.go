package quotafence

import (
	"github.com/yourusername/quotafence/core"
	"github.com/yourusername/quotafence/limiter"
)

// Re-export main types for convenience
type (
	Limiter  = limiter.Limiter
	Option   = limiter.Option
	Rate     = core.Rate
	Decision = core.Decision
	State    = core.BucketState
)

// New creates a new keyed limiter
var New = limiter.New

// ErrInvalidArgument is returned for empty keys and non-positive tokens, limits or bursts
var ErrInvalidArgument = core.ErrInvalidArgument
