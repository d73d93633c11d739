package config

import "errors"

var (
	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNonPositiveLimit is returned when a bucket refills at zero, a negative
	// or a non-finite rate
	ErrNonPositiveLimit = errors.New("limit must be positive and finite")

	// ErrNonPositiveBurst is returned when a bucket cannot hold a single token
	ErrNonPositiveBurst = errors.New("burst must be at least 1")
)
