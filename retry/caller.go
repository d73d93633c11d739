package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/yourusername/quotafence/core"
)

// Operation is one attempt of the wrapped work. It must return promptly
// once ctx is cancelled.
type Operation func(ctx context.Context) error

// Config controls attempts, timeouts and backoff.
type Config struct {
	Timeout      time.Duration // Per attempt; 0 disables the timeout race
	MaxRetries   int           // Retries after the first attempt
	InitialDelay time.Duration // Backoff base
	MaxDelay     time.Duration // Backoff cap
	Jitter       float64       // Fraction in [0,1] subtracted at most from a backoff delay
}

// DefaultConfig returns the settings used for provider calls.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Jitter:       0.25,
	}
}

// Validate checks that the config is usable.
func (c Config) Validate() error {
	switch {
	case c.Timeout < 0:
		return fmt.Errorf("%w: timeout cannot be negative", core.ErrInvalidArgument)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: max retries cannot be negative", core.ErrInvalidArgument)
	case c.InitialDelay <= 0:
		return fmt.Errorf("%w: initial delay must be positive", core.ErrInvalidArgument)
	case c.MaxDelay < c.InitialDelay:
		return fmt.Errorf("%w: max delay must be at least the initial delay", core.ErrInvalidArgument)
	case c.Jitter < 0 || c.Jitter > 1:
		return fmt.Errorf("%w: jitter must be within [0, 1]", core.ErrInvalidArgument)
	}
	return nil
}

// Caller runs an Operation with a timeout race, retry classification and
// exponential backoff. It knows nothing about the limiter; call sites acquire
// quota first and only then hand the work to a Caller.
type Caller struct {
	cfg     Config
	clock   clockwork.Clock
	rand    func() float64
	onRetry func(attempt int, delay time.Duration, err error)
}

// Option configures a Caller.
type Option func(*Caller)

// WithClock sets the clock used for timeouts and backoff sleeps.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Caller) { c.clock = clock }
}

// WithRand sets the source of jitter, returning values in [0,1).
func WithRand(fn func() float64) Option {
	return func(c *Caller) { c.rand = fn }
}

// OnRetry registers a hook called before each backoff sleep with the number
// of the upcoming attempt (starting at 1), the delay and the failure.
func OnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(c *Caller) { c.onRetry = fn }
}

// New creates a Caller.
func New(cfg Config, opts ...Option) (*Caller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Caller{
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		rand:    rand.Float64,
		onRetry: func(int, time.Duration, error) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Do runs op until it succeeds, fails with a non-retryable error, or runs out
// of retries. Cancelling ctx aborts both the running attempt and any backoff
// sleep.
func (c *Caller) Do(ctx context.Context, op Operation) error {
	for attempt := 0; ; attempt++ {
		err := c.attempt(ctx, op)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt >= c.cfg.MaxRetries {
			return &ExhaustedError{Attempts: attempt + 1, Last: err}
		}

		delay := c.Delay(attempt, err)
		c.onRetry(attempt+1, delay, err)

		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Delay returns the wait before the retry following a failed attempt
// (0-based). A Retry-After hint is used as is; otherwise the delay is
// min(MaxDelay, InitialDelay*2^attempt) minus up to Jitter of itself.
func (c *Caller) Delay(attempt int, err error) time.Duration {
	var hinter Hinter
	if errors.As(err, &hinter) {
		if hint, ok := hinter.RetryAfterHint(); ok {
			return hint
		}
	}

	delay := c.cfg.InitialDelay
	for i := 0; i < attempt && delay < c.cfg.MaxDelay; i++ {
		delay *= 2
	}
	if delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}

	return delay - time.Duration(float64(delay)*c.cfg.Jitter*c.rand())
}

func (c *Caller) attempt(ctx context.Context, op Operation) error {
	if c.cfg.Timeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- op(attemptCtx)
	}()

	timer := c.clock.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	select {
	case err := <-result:
		return err
	case <-timer.Chan():
		return fmt.Errorf("%w after %v", ErrTimeout, c.cfg.Timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Caller) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := c.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
