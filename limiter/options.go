package limiter

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/quotafence/core"
	"github.com/yourusername/quotafence/store"
)

// Option is a functional option for configuring a Limiter.
type Option func(*Limiter) error

// WithClock sets the time source. Tests pass a clockwork.FakeClock.
func WithClock(clock clockwork.Clock) Option {
	return func(l *Limiter) error {
		if clock == nil {
			return fmt.Errorf("%w: clock cannot be nil", core.ErrInvalidArgument)
		}
		l.clock = clock
		return nil
	}
}

// WithStore sets where bucket states are persisted.
// If not provided, an in-memory store is used.
func WithStore(s store.Store) Option {
	return func(l *Limiter) error {
		if s == nil {
			return fmt.Errorf("%w: store cannot be nil", core.ErrInvalidArgument)
		}
		l.store = s
		return nil
	}
}

// WithDefaults sets the rate used for keys without a specific rate.
func WithDefaults(rate core.Rate) Option {
	return func(l *Limiter) error {
		if err := rate.Validate(); err != nil {
			return err
		}
		l.defaults = rate
		return nil
	}
}

// WithRates sets initial rates for specific keys, e.g. one per upstream API.
func WithRates(rates map[string]core.Rate) Option {
	return func(l *Limiter) error {
		for key, rate := range rates {
			if err := core.ValidateKey(key); err != nil {
				return err
			}
			if err := rate.Validate(); err != nil {
				return fmt.Errorf("rate for %s: %w", key, err)
			}
			l.rates[key] = rate
		}
		return nil
	}
}

// WithLogger sets the logger. Denials are logged at debug level only.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(l *Limiter) error {
		if logger == nil {
			return fmt.Errorf("%w: logger cannot be nil", core.ErrInvalidArgument)
		}
		l.logger = logger
		return nil
	}
}

// WithRecorder injects a metrics backend.
func WithRecorder(r Recorder) Option {
	return func(l *Limiter) error {
		if r == nil {
			return fmt.Errorf("%w: recorder cannot be nil", core.ErrInvalidArgument)
		}
		l.recorder = r
		return nil
	}
}

// WithDedupeWindow sets how many request IDs each key remembers for
// AcquireOnce. Zero disables replay.
func WithDedupeWindow(n int) Option {
	return func(l *Limiter) error {
		if n < 0 {
			return fmt.Errorf("%w: dedupe window cannot be negative", core.ErrInvalidArgument)
		}
		l.dedupeWindow = n
		return nil
	}
}

// WithStoreTimeout bounds each store call made by an actor.
func WithStoreTimeout(d time.Duration) Option {
	return func(l *Limiter) error {
		if d <= 0 {
			return fmt.Errorf("%w: store timeout must be positive", core.ErrInvalidArgument)
		}
		l.storeTimeout = d
		return nil
	}
}

// WithMailboxSize sets the buffer of each key's mailbox.
func WithMailboxSize(n int) Option {
	return func(l *Limiter) error {
		if n < 0 {
			return fmt.Errorf("%w: mailbox size cannot be negative", core.ErrInvalidArgument)
		}
		l.mailboxSize = n
		return nil
	}
}
