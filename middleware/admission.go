// Package middleware gates HTTP handlers on quota admission.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/quotafence/core"
)

// Acquirer is satisfied by *limiter.Limiter and *client.Client.
type Acquirer interface {
	Acquire(ctx context.Context, key string, n int64) (core.Decision, error)
}

// Config for creating an Admission middleware
type Config struct {
	Acquirer Acquirer           // Required
	KeyFunc  KeyFunc            // Optional: defaults to Param("key")
	Tokens   int64              // Optional: tokens per request, defaults to 1
	OnReject func(key string)   // Optional: called for every 429
	Logger   logrus.FieldLogger // Optional
}

// Admission admits a request only if its bucket grants the tokens.
type Admission struct {
	acquirer Acquirer
	keyFunc  KeyFunc
	tokens   int64
	onReject func(string)
	logger   logrus.FieldLogger
}

// NewAdmission creates a new admission middleware
func NewAdmission(config Config) (*Admission, error) {
	if config.Acquirer == nil {
		return nil, fmt.Errorf("%w: acquirer cannot be nil", core.ErrInvalidArgument)
	}
	if config.KeyFunc == nil {
		config.KeyFunc = Param("key")
	}
	if config.Tokens == 0 {
		config.Tokens = 1
	}
	if err := core.ValidateTokens(config.Tokens); err != nil {
		return nil, err
	}
	if config.OnReject == nil {
		config.OnReject = func(string) {}
	}
	if config.Logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		config.Logger = discard
	}

	return &Admission{
		acquirer: config.Acquirer,
		keyFunc:  config.KeyFunc,
		tokens:   config.Tokens,
		onReject: config.OnReject,
		logger:   config.Logger,
	}, nil
}

// Middleware wraps an http.Handler with quota admission
func (a *Admission) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := a.keyFunc(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":   "missing_key",
				"message": err.Error(),
			})
			return
		}

		dec, err := a.acquirer.Acquire(r.Context(), key, a.tokens)
		if err != nil {
			status := http.StatusServiceUnavailable
			if errors.Is(err, core.ErrInvalidArgument) {
				status = http.StatusBadRequest
			}
			a.logger.WithFields(logrus.Fields{
				"module": "admission",
				"key":    key,
				"error":  err,
			}).Warn("admission: acquire failed")
			writeJSON(w, status, map[string]any{
				"error":   "admission_failed",
				"message": err.Error(),
			})
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(dec.State.Burst, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(int64(math.Floor(dec.State.Tokens)), 10))

		if !dec.Granted {
			a.onReject(key)

			retryAfterSec := int64(math.Ceil(float64(dec.WaitMs) / 1000))
			if retryAfterSec < 1 {
				retryAfterSec = 1
			}
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSec, 10))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":        "rate_limit_exceeded",
				"message":      "Quota for " + key + " exhausted. Please try again later.",
				"retryAfterMs": dec.WaitMs,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
