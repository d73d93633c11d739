package retry

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrTimeout is returned when an attempt does not finish within the
// configured timeout. It is always retryable.
var ErrTimeout = errors.New("attempt timed out")

// retryableStatus lists the response codes worth another attempt.
var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true, // 408
	http.StatusConflict:            true, // 409
	http.StatusTooManyRequests:     true, // 429
	http.StatusInternalServerError: true, // 500
	http.StatusBadGateway:          true, // 502
	http.StatusServiceUnavailable:  true, // 503
	http.StatusGatewayTimeout:      true, // 504
}

// StatusError is an upstream response with a failing status code.
type StatusError struct {
	StatusCode int
	// RetryAfter is the server-supplied hint, valid when HasRetryAfter is set.
	RetryAfter    time.Duration
	HasRetryAfter bool
	Body          string
}

func (e *StatusError) Error() string {
	if e.HasRetryAfter {
		return fmt.Sprintf("upstream responded %d (retry after %v)", e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("upstream responded %d", e.StatusCode)
}

// RetryAfterHint implements Hinter.
func (e *StatusError) RetryAfterHint() (time.Duration, bool) {
	return e.RetryAfter, e.HasRetryAfter
}

// Hinter is implemented by errors that carry a server-supplied retry delay.
type Hinter interface {
	RetryAfterHint() (time.Duration, bool)
}

// ExhaustedError is returned once every allowed attempt has failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// IsRetryable reports whether err is a timeout or a StatusError with a
// retryable code. Everything else fails the call immediately.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return retryableStatus[se.StatusCode]
	}
	return false
}

const maxDuration = time.Duration(math.MaxInt64)

// ParseRetryAfter reads a Retry-After header value, either delta-seconds
// (fractions allowed) or an HTTP-date. Dates in the past yield zero.
// NaN and infinities are rejected; hints too long for a time.Duration
// saturate at the largest one.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 {
			return 0, false
		}
		ns := secs * float64(time.Second)
		if ns >= float64(maxDuration) {
			return maxDuration.Truncate(time.Millisecond), true
		}
		return time.Duration(ns).Truncate(time.Millisecond), true
	}

	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d.Truncate(time.Millisecond), true
	}

	return 0, false
}
