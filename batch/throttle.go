package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/quotafence/core"
)

// Throttle runs work in fixed-size chunks with a flat pause between chunks.
// It is a coarse pre-filter that keeps thousands of items from hitting the
// limiter at once; it knows nothing about bucket state.
type Throttle struct {
	size  int
	delay time.Duration
	clock clockwork.Clock
}

// New creates a Throttle with chunks of size items and delay between chunks.
func New(size int, delay time.Duration, clock clockwork.Clock) (*Throttle, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", core.ErrInvalidArgument, size)
	}
	if delay < 0 {
		return nil, fmt.Errorf("%w: delay cannot be negative", core.ErrInvalidArgument)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Throttle{size: size, delay: delay, clock: clock}, nil
}

// Chunk splits items into consecutive slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		return nil
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}

// ForEach calls fn for every item. Items within a chunk run concurrently;
// the next chunk starts after the whole chunk finished and the delay passed.
// The first failing chunk stops the run and cancels its siblings' ctx.
func ForEach[T any](ctx context.Context, t *Throttle, items []T, fn func(ctx context.Context, item T) error) error {
	chunks := Chunk(items, t.size)
	for i, chunk := range chunks {
		if i > 0 {
			if err := t.wait(ctx); err != nil {
				return err
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, item := range chunk {
			g.Go(func() error {
				return fn(gctx, item)
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("chunk %d of %d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func (t *Throttle) wait(ctx context.Context) error {
	if t.delay == 0 {
		return ctx.Err()
	}
	timer := t.clock.NewTimer(t.delay)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
