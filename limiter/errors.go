package limiter

import "errors"

var (
	// ErrStopped is returned by every operation after Stop has been called.
	ErrStopped = errors.New("limiter stopped")
)
