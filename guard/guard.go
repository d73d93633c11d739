// Package guard composes quota admission with the retrying upstream call.
//
// What happens on a denial is an explicit Policy rather than something
// hidden in the limiter: FailFast surfaces a *RateLimitedError right away,
// Wait sleeps for the limiter's wait hint (capped) and asks again.
package guard

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/quotafence/core"
	"github.com/yourusername/quotafence/retry"
)

// Acquirer is the admission side of a guarded call. Both *limiter.Limiter and
// the remote *client.Client satisfy it.
type Acquirer interface {
	Acquire(ctx context.Context, key string, n int64) (core.Decision, error)
}

// Policy decides what a denied admission does.
type Policy int

const (
	// PolicyFailFast returns a *RateLimitedError on the first denial.
	PolicyFailFast Policy = iota
	// PolicyWait sleeps for the wait hint and tries again.
	PolicyWait
)

// ParsePolicy maps a config string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "fail_fast":
		return PolicyFailFast, nil
	case "wait":
		return PolicyWait, nil
	default:
		return 0, fmt.Errorf("%w: unknown guard policy %q", core.ErrInvalidArgument, s)
	}
}

func (p Policy) String() string {
	if p == PolicyWait {
		return "wait"
	}
	return "fail_fast"
}

// Config controls a Guard.
type Config struct {
	Policy      Policy
	MaxWait     time.Duration // Cap on a single sleep under PolicyWait (0 = no cap)
	MaxAttempts int           // Acquire attempts under PolicyWait
}

// RateLimitedError reports that admission was denied.
type RateLimitedError struct {
	Key      string
	WaitMs   int64
	Attempts int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s after %d attempt(s), retry in %dms", e.Key, e.Attempts, e.WaitMs)
}

// RetryAfter returns the wait hint as a duration.
func (e *RateLimitedError) RetryAfter() time.Duration {
	return waitDuration(e.WaitMs)
}

// waitDuration converts a millisecond hint, saturating instead of
// overflowing for hints beyond what a time.Duration can hold.
func waitDuration(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	if ms > int64(math.MaxInt64/time.Millisecond) {
		return math.MaxInt64
	}
	return time.Duration(ms) * time.Millisecond
}

// Guard runs work only after its key admitted it.
type Guard struct {
	acquirer Acquirer
	caller   *retry.Caller
	cfg      Config
	clock    clockwork.Clock
	logger   logrus.FieldLogger
}

// Option configures a Guard.
type Option func(*Guard)

// WithCaller wraps granted work in a RetryingCaller.
func WithCaller(c *retry.Caller) Option {
	return func(g *Guard) { g.caller = c }
}

// WithClock sets the clock used for PolicyWait sleeps.
func WithClock(c clockwork.Clock) Option {
	return func(g *Guard) { g.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(g *Guard) { g.logger = l }
}

// New creates a Guard.
func New(acquirer Acquirer, cfg Config, opts ...Option) (*Guard, error) {
	if acquirer == nil {
		return nil, fmt.Errorf("%w: acquirer cannot be nil", core.ErrInvalidArgument)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxWait < 0 {
		return nil, fmt.Errorf("%w: max wait cannot be negative", core.ErrInvalidArgument)
	}

	discard := logrus.New()
	discard.SetOutput(io.Discard)

	g := &Guard{
		acquirer: acquirer,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		logger:   discard,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Do admits n tokens on key and then runs op, through the RetryingCaller when
// one is configured. Denials never reach op.
func (g *Guard) Do(ctx context.Context, key string, n int64, op retry.Operation) error {
	if err := g.admit(ctx, key, n); err != nil {
		return err
	}
	if g.caller != nil {
		return g.caller.Do(ctx, op)
	}
	return op(ctx)
}

func (g *Guard) admit(ctx context.Context, key string, n int64) error {
	for attempt := 1; ; attempt++ {
		dec, err := g.acquirer.Acquire(ctx, key, n)
		if err != nil {
			return fmt.Errorf("acquire %s: %w", key, err)
		}
		if dec.Granted {
			return nil
		}

		if g.cfg.Policy == PolicyFailFast || attempt >= g.cfg.MaxAttempts {
			return &RateLimitedError{Key: key, WaitMs: dec.WaitMs, Attempts: attempt}
		}

		wait := waitDuration(dec.WaitMs)
		if g.cfg.MaxWait > 0 && wait > g.cfg.MaxWait {
			wait = g.cfg.MaxWait
		}
		g.logger.WithFields(logrus.Fields{
			"module":  "guard",
			"key":     key,
			"attempt": attempt,
			"wait_ms": wait.Milliseconds(),
		}).Debug("guard: denied, waiting for quota")

		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (g *Guard) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := g.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
