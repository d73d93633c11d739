package limiter

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/yourusername/quotafence/core"
)

// message is one unit of work for an actor. run executes on the actor's
// goroutine with exclusive access to the bucket; done is closed afterwards.
type message struct {
	run  func(state *core.BucketState, seen *dedupe)
	done chan struct{}
}

// actor owns exactly one bucket. All operations for its key go through the
// mailbox and execute one at a time, in the order they were received.
type actor struct {
	key     string
	mailbox chan message
	exited  chan struct{}
	owner   *Limiter
}

func newActor(key string, owner *Limiter) *actor {
	return &actor{
		key:     key,
		mailbox: make(chan message, owner.mailboxSize),
		exited:  make(chan struct{}),
		owner:   owner,
	}
}

// loop runs until the limiter is stopped. Messages still buffered at that
// point are dropped; their senders observe ErrStopped. A message already
// running is finished before exited is closed.
func (a *actor) loop(ctx context.Context) {
	defer a.owner.wg.Done()
	defer close(a.exited)

	state := a.owner.load(a.key)
	seen := newDedupe(a.owner.dedupeWindow)

	for {
		select {
		case msg := <-a.mailbox:
			msg.run(state, seen)
			close(msg.done)
		case <-ctx.Done():
			a.owner.logger.WithFields(logrus.Fields{
				"module": "limiter",
				"key":    a.key,
			}).Debug("limiter: actor stopped")
			return
		}
	}
}

// dedupe remembers the last decisions by request ID, bounded FIFO.
// Only the owning actor touches it, so it needs no locking.
type dedupe struct {
	limit     int
	decisions map[string]core.Decision
	order     []string
	next      int
}

func newDedupe(limit int) *dedupe {
	return &dedupe{
		limit:     limit,
		decisions: make(map[string]core.Decision),
	}
}

func (d *dedupe) lookup(id string) (core.Decision, bool) {
	dec, ok := d.decisions[id]
	return dec, ok
}

func (d *dedupe) remember(id string, dec core.Decision) {
	if d.limit == 0 {
		return
	}
	if len(d.order) < d.limit {
		d.order = append(d.order, id)
	} else {
		delete(d.decisions, d.order[d.next])
		d.order[d.next] = id
		d.next = (d.next + 1) % d.limit
	}
	d.decisions[id] = dec
}
