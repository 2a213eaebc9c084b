// Package flowcontrol implements admission control on outstanding messages
// by count and by byte size (spec §4.2). The shape follows the teacher's
// internal/backend/sema.Semaphore — a token you must acquire before doing
// work and must return when done — generalized from one dimension (a
// fixed count of concurrent operations) to two (message count and message
// bytes, either of which may be unlimited) and from a strict FIFO channel
// queue to an explicit waiter queue so two unrelated resources can be
// reserved atomically together.
package flowcontrol

import (
	"container/list"
	"context"
	"sync"

	"github.com/pubflow/pubsub/internal/errors"
)

// LimitBehavior selects what Reserve does when admitting the caller would
// exceed a configured limit.
type LimitBehavior int

const (
	// Block makes Reserve wait until enough capacity is released.
	Block LimitBehavior = iota
	// Ignore makes Reserve return immediately without accounting for the
	// reservation (spec §4.2: "return immediately without accounting").
	Ignore
)

// Unlimited disables a limit dimension.
const Unlimited = 0

// Settings configures a Controller. Zero (Unlimited) means no bound on that
// dimension.
type Settings struct {
	MaxOutstandingMessages int64
	MaxOutstandingBytes    int64
	LimitBehavior          LimitBehavior
}

// Controller gates admission of new messages so that, at all times,
// outstanding-count <= MaxOutstandingMessages and
// outstanding-bytes <= MaxOutstandingBytes (spec's Data Model invariant),
// when both are finite and LimitBehavior is Block.
type Controller struct {
	settings Settings

	mu      sync.Mutex
	count   int64
	bytes   int64
	waiters list.List // of *waiter, oldest first: FIFO fairness
}

type waiter struct {
	count, bytes int64
	ready        chan struct{}
}

// New returns a Controller configured by s.
func New(s Settings) *Controller {
	return &Controller{settings: s}
}

// Reserve admits count messages totalling bytes. If both limits would still
// be satisfied it records the reservation and returns immediately. If a
// limit would be exceeded: under Block, it waits (FIFO among other blocked
// callers) until the reservation fits or ctx is done; under Ignore, it
// returns immediately without recording anything (the caller is admitted
// uncounted).
func (c *Controller) Reserve(ctx context.Context, count, bytes int64) error {
	c.mu.Lock()
	if c.fits(count, bytes) {
		c.count += count
		c.bytes += bytes
		c.mu.Unlock()
		return nil
	}

	if c.settings.LimitBehavior == Ignore {
		c.mu.Unlock()
		return nil
	}

	w := &waiter{count: count, bytes: bytes, ready: make(chan struct{})}
	elem := c.waiters.PushBack(w)
	c.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		select {
		case <-w.ready:
			// Woken and admitted in the same instant we were cancelled;
			// honor the admission rather than leak the reservation.
			c.mu.Unlock()
			return nil
		default:
			c.waiters.Remove(elem)
			c.mu.Unlock()
			return ctx.Err()
		}
	}
}

// fits reports whether admitting count/bytes keeps both limits satisfied.
// Called with c.mu held.
func (c *Controller) fits(count, bytes int64) bool {
	if c.settings.MaxOutstandingMessages != Unlimited && c.count+count > c.settings.MaxOutstandingMessages {
		return false
	}
	if c.settings.MaxOutstandingBytes != Unlimited && c.bytes+bytes > c.settings.MaxOutstandingBytes {
		return false
	}
	return true
}

// Release returns count messages totalling bytes to the pool and wakes
// waiters, oldest first, as space becomes available. Release never fails.
func (c *Controller) Release(count, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.count -= count
	c.bytes -= bytes
	if c.count < 0 {
		c.count = 0
	}
	if c.bytes < 0 {
		c.bytes = 0
	}

	for e := c.waiters.Front(); e != nil; {
		w := e.Value.(*waiter)
		if !c.fits(w.count, w.bytes) {
			// The head of the FIFO still doesn't fit: later, smaller
			// waiters are left blocked too, so that a large reservation
			// is never starved by a stream of small ones jumping ahead.
			break
		}
		c.count += w.count
		c.bytes += w.bytes
		next := e.Next()
		c.waiters.Remove(e)
		close(w.ready)
		e = next
	}
}

// Outstanding returns the current outstanding count and bytes.
func (c *Controller) Outstanding() (count, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count, c.bytes
}

// ValidateSettings returns a ConfigInvalid-flavored error if s describes a
// nonsensical configuration (spec §7: negative limits are rejected at
// build() time, synchronously).
func ValidateSettings(s Settings) error {
	if s.MaxOutstandingMessages < 0 {
		return errors.Fatalf("flow control: maxOutstandingMessages must be >= 0, got %d", s.MaxOutstandingMessages)
	}
	if s.MaxOutstandingBytes < 0 {
		return errors.Fatalf("flow control: maxOutstandingBytes must be >= 0, got %d", s.MaxOutstandingBytes)
	}
	return nil
}
