package limiter

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/yourusername/quotafence/core"
	"github.com/yourusername/quotafence/store"
)

// Limiter is a keyed token-bucket limiter. Each key is owned by its own actor
// goroutine, so operations on one key are strictly serialized in arrival order
// while different keys proceed independently.
type Limiter struct {
	clock        clockwork.Clock
	store        store.Store
	defaults     core.Rate
	rates        map[string]core.Rate // initial per-key rates, read-only after New
	logger       logrus.FieldLogger
	recorder     Recorder
	dedupeWindow int
	storeTimeout time.Duration
	mailboxSize  int

	// denials are expected traffic, so their debug lines are sampled
	denialLog *rate.Limiter

	mu     sync.RWMutex
	actors map[string]*actor

	stopped *atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Limiter with the given options.
//
// Example:
//
//	l, err := limiter.New(
//	    limiter.WithDefaults(core.Rate{Limit: 10, Burst: 20}),
//	    limiter.WithRates(map[string]core.Rate{"gmail-api": {Limit: 4, Burst: 8}}),
//	)
func New(opts ...Option) (*Limiter, error) {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	l := &Limiter{
		clock:        clockwork.NewRealClock(),
		defaults:     core.Rate{Limit: 10, Burst: 100},
		rates:        make(map[string]core.Rate),
		logger:       discard,
		recorder:     noopRecorder{},
		dedupeWindow: 1024,
		storeTimeout: time.Second,
		mailboxSize:  64,
		denialLog:    rate.NewLimiter(rate.Every(time.Second), 10),
		actors:       make(map[string]*actor),
		stopped:      atomic.NewBool(false),
		ctx:          ctx,
		cancel:       cancel,
	}

	for _, opt := range opts {
		if err := opt(l); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if l.store == nil {
		l.store = store.NewMemoryStore()
	}

	return l, nil
}

// Acquire tries to take n tokens from key's bucket. It never waits for
// tokens: a denial is returned immediately with the wait hint in WaitMs and
// leaves the bucket's tokens untouched.
func (l *Limiter) Acquire(ctx context.Context, key string, n int64) (core.Decision, error) {
	return l.AcquireOnce(ctx, key, n, "")
}

// AcquireOnce is Acquire with request de-duplication: a requestID already
// decided for this key is answered with the original decision, marked
// Replayed, without touching the bucket again. An empty requestID disables
// de-duplication.
func (l *Limiter) AcquireOnce(ctx context.Context, key string, n int64, requestID string) (core.Decision, error) {
	if err := core.ValidateKey(key); err != nil {
		return core.Decision{}, err
	}
	if err := core.ValidateTokens(n); err != nil {
		return core.Decision{}, err
	}

	var dec core.Decision
	err := l.send(ctx, key, func(state *core.BucketState, seen *dedupe) {
		if requestID != "" {
			if prior, ok := seen.lookup(requestID); ok {
				prior.Replayed = true
				dec = prior
				return
			}
		}

		core.Refill(state, l.clock.Now())
		granted, waitMs := core.TryConsume(state, n)
		dec = core.Decision{Granted: granted, WaitMs: waitMs, State: *state}

		if requestID != "" {
			seen.remember(requestID, dec)
		}
		if granted {
			l.persist(state)
		}
		l.recorder.ObserveDecision(key, granted, n)
		l.recorder.ObserveState(*state)
	})
	if err != nil {
		return core.Decision{}, err
	}

	if !dec.Granted && !dec.Replayed && l.denialLog.Allow() {
		l.logger.WithFields(logrus.Fields{
			"module":  "limiter",
			"key":     key,
			"tokens":  n,
			"wait_ms": dec.WaitMs,
		}).Debug("limiter: acquire denied")
	}
	return dec, nil
}

// SetRate changes key's limit and burst. The bucket is refilled at the old
// rate first so the change applies from now on, then tokens are clamped to the
// new burst.
func (l *Limiter) SetRate(ctx context.Context, key string, r core.Rate) (core.BucketState, error) {
	if err := core.ValidateKey(key); err != nil {
		return core.BucketState{}, err
	}
	if err := r.Validate(); err != nil {
		return core.BucketState{}, err
	}

	var (
		snapshot core.BucketState
		previous core.Rate
	)
	err := l.send(ctx, key, func(state *core.BucketState, _ *dedupe) {
		core.Refill(state, l.clock.Now())
		previous = state.Rate()
		core.ApplyRate(state, r)
		snapshot = *state
		l.persist(state)
		l.recorder.ObserveState(*state)
	})
	if err != nil {
		return core.BucketState{}, err
	}

	l.logger.WithFields(logrus.Fields{
		"module":     "limiter",
		"key":        key,
		"limit":      r.Limit,
		"burst":      r.Burst,
		"prev_limit": previous.Limit,
		"prev_burst": previous.Burst,
	}).Info("limiter: rate changed")
	return snapshot, nil
}

// Snapshot returns key's current state after refilling it. Observing a bucket
// therefore advances its LastRefillAt.
func (l *Limiter) Snapshot(ctx context.Context, key string) (core.BucketState, error) {
	if err := core.ValidateKey(key); err != nil {
		return core.BucketState{}, err
	}

	var snapshot core.BucketState
	err := l.send(ctx, key, func(state *core.BucketState, _ *dedupe) {
		core.Refill(state, l.clock.Now())
		snapshot = *state
		l.recorder.ObserveState(*state)
	})
	return snapshot, err
}

// Keys returns every key with a live bucket, sorted.
func (l *Limiter) Keys() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Sorted(maps.Keys(l.actors))
}

// Stop stops every actor and blocks until they return or ctx expires. It can
// be called any number of times.
func (l *Limiter) Stop(ctx context.Context) error {
	l.mu.Lock()
	l.stopped.Store(true)
	l.mu.Unlock()
	l.cancel()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("timed out while stopping: %w", ctx.Err())
	case <-done:
		return nil
	}
}

// send delivers run to key's actor and waits until it has executed. The
// caller's ctx only guards delivery: once the actor has the message the
// mutation is committed, so the reply is always awaited.
func (l *Limiter) send(ctx context.Context, key string, run func(*core.BucketState, *dedupe)) error {
	a, err := l.actorFor(key)
	if err != nil {
		return err
	}

	msg := message{run: run, done: make(chan struct{})}
	select {
	case a.mailbox <- msg:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return ErrStopped
	}

	select {
	case <-msg.done:
		return nil
	case <-l.ctx.Done():
	}

	// Stop raced the reply. Once the actor has exited, done tells whether
	// the message ran.
	<-a.exited
	select {
	case <-msg.done:
		return nil
	default:
		return ErrStopped
	}
}

func (l *Limiter) actorFor(key string) (*actor, error) {
	if l.stopped.Load() {
		return nil, ErrStopped
	}

	l.mu.RLock()
	a, ok := l.actors[key]
	l.mu.RUnlock()
	if ok {
		return a, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check: another goroutine might have created it, or Stop ran.
	if l.stopped.Load() {
		return nil, ErrStopped
	}
	if a, ok = l.actors[key]; ok {
		return a, nil
	}

	a = newActor(key, l)
	l.actors[key] = a
	l.wg.Add(1)
	go a.loop(l.ctx)
	return a, nil
}

// rateFor returns the configured starting rate for key.
func (l *Limiter) rateFor(key string) core.Rate {
	if r, ok := l.rates[key]; ok {
		return r
	}
	return l.defaults
}

// load hydrates key's bucket from the store, or creates a full one.
func (l *Limiter) load(key string) *core.BucketState {
	ctx, cancel := context.WithTimeout(l.ctx, l.storeTimeout)
	defer cancel()

	state, err := l.store.Get(ctx, key)
	if err != nil {
		l.recorder.ObserveStoreError(key, "get")
		l.logger.WithFields(logrus.Fields{
			"module": "limiter",
			"key":    key,
			"error":  err,
		}).Error("limiter: load failed, starting with a full bucket")
	}
	if state == nil || state.Rate().Validate() != nil {
		return core.NewBucketState(key, l.rateFor(key), l.clock.Now())
	}

	state.Key = key
	if state.Tokens > float64(state.Burst) {
		state.Tokens = float64(state.Burst)
	}
	if state.Tokens < 0 {
		state.Tokens = 0
	}
	return state
}

func (l *Limiter) persist(state *core.BucketState) {
	ctx, cancel := context.WithTimeout(l.ctx, l.storeTimeout)
	defer cancel()

	if err := l.store.Set(ctx, state.Key, state); err != nil {
		l.recorder.ObserveStoreError(state.Key, "set")
		l.logger.WithFields(logrus.Fields{
			"module": "limiter",
			"key":    state.Key,
			"error":  err,
		}).Error("limiter: persist failed")
	}
}
