package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for non-positive token counts, limits or bursts,
	// and for empty keys. No state is mutated when it is returned.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ValidateTokens checks the token count of an acquire.
func ValidateTokens(n int64) error {
	if n <= 0 {
		return fmt.Errorf("%w: tokens must be positive, got %d", ErrInvalidArgument, n)
	}
	return nil
}

// ValidateKey rejects empty bucket keys.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidArgument)
	}
	return nil
}
