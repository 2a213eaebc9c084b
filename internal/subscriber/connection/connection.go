// Package connection implements the abstract Subscriber Connection state
// machine (spec §4.4): it drives one logical message stream, owns an Ack
// Pump, translates server frames into handler invocations, and
// reconnects with bounded exponential backoff on retryable failures
// while failing fast on fatal ones. Two concrete strategies specialise
// intake: Streaming (internal/subscriber/connection, NewStreaming) and
// Polling (NewPolling).
//
// The reconnect loop follows the teacher pack's retry-wrapper idiom
// (internal/backend/retry's use of github.com/cenkalti/backoff/v4:
// ExponentialBackOff, RetryNotify-style notify callback, Permanent to
// stop retrying) adapted from a bounded-elapsed-time retry around a
// single RPC to an unbounded reconnect loop around a long-lived stream.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pubflow/pubsub/internal/debug"
	"github.com/pubflow/pubsub/internal/errors"
	"github.com/pubflow/pubsub/internal/subscriber/ackpump"
	"github.com/pubflow/pubsub/internal/subscriber/clock"
	"github.com/pubflow/pubsub/internal/subscriber/flowcontrol"
	"github.com/pubflow/pubsub/internal/subscriber/latency"
	"github.com/pubflow/pubsub/internal/subscriber/transport"
)

// State is a Connection's lifecycle state.
type State int32

const (
	New State = iota
	Starting
	Running
	Stopping
	Terminated
	Failed
)

func (s State) String() string {
	switch s {
	case New:
		return "NEW"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Terminated:
		return "TERMINATED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Outcome is a handler's resolution for one message.
type Outcome int

const (
	Ack Outcome = iota
	Nack
)

// Handler is the user-supplied message callback (spec §6). A non-nil
// error is always treated as Nack, regardless of the returned Outcome,
// matching "ERROR is treated as NACK with a logged cause".
type Handler func(ctx context.Context, msg transport.Message) (Outcome, error)

// Strategy specialises how a Connection opens its transport and pumps
// messages. Streaming and Polling each implement it.
type Strategy interface {
	// runSession opens the transport and pumps messages until ctx is
	// done or an unrecoverable-for-this-session error occurs. It must
	// call c.deliver for every received message and must itself decide
	// when to call c.pump.OnMessageReceived/onAck/onNack via deliver's
	// completion path.
	runSession(ctx context.Context, c *Connection) error

	// sendAckOperations is the Ack Pump's flush target for this
	// strategy's transport.
	sendAckOperations(ctx context.Context, acks []string, modAcks []ackpump.ModAck)

	// updateStreamAckDeadline informs the transport of a new default
	// deadline. Polling strategies may no-op.
	updateStreamAckDeadline(ctx context.Context, seconds int32) error

	// close tears down whatever transport handle is currently open.
	close()
}

// Settings configures one Connection. ackExpirationPadding,
// streamAckDeadline and flow/backoff tuning are shared across a
// Supervisor's Connections; Subscription and the Strategy are per-
// Connection.
type Settings struct {
	Subscription         string
	AckExpirationPadding time.Duration
	InitialStreamAckDeadline time.Duration
	FlowController       *flowcontrol.Controller
	Distribution         *latency.Distribution
	Handler              Handler
	Classifier           transport.Classifier
	Clock                clock.Clock

	InitialBackoff time.Duration // default 100ms
	MaxBackoff     time.Duration // default a few seconds
}

// Connection drives one logical stream end to end.
type Connection struct {
	settings Settings
	strategy Strategy

	mu           sync.Mutex
	state        State
	failureCause error

	pump *ackpump.Pump

	wg            sync.WaitGroup // outstanding handler goroutines
	ctx           context.Context
	cancel        context.CancelFunc
	done          chan struct{}
	sessionOpened bool // set by markOpened; read by retryLoop to decide whether to reset backoff
}

// markOpened records that the current session successfully opened its
// transport, so retryLoop resets backoff to its initial value once this
// session ends (spec §8's "Backoff reset" law: "after any successful
// stream open the next retryable error waits the initial backoff, not a
// doubled value").
func (c *Connection) markOpened() {
	c.mu.Lock()
	c.sessionOpened = true
	c.mu.Unlock()
}

func newConnection(settings Settings, strategy Strategy) *Connection {
	if settings.Clock == nil {
		settings.Clock = clock.New()
	}
	if settings.InitialBackoff == 0 {
		settings.InitialBackoff = 100 * time.Millisecond
	}
	if settings.MaxBackoff == 0 {
		settings.MaxBackoff = 4 * time.Second
	}

	c := &Connection{settings: settings, strategy: strategy, done: make(chan struct{})}
	c.pump = ackpump.New(settings.Clock, settings.AckExpirationPadding, settings.InitialStreamAckDeadline, c.flushAcks)
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// FailureCause returns the error that moved this Connection to Failed,
// or nil.
func (c *Connection) FailureCause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failureCause
}

// Start transitions NEW->STARTING and begins the reconnect loop in the
// background. Idempotent once RUNNING or later.
func (c *Connection) Start(ctx context.Context) {
	c.mu.Lock()
	if c.state != New {
		c.mu.Unlock()
		return
	}
	c.state = Starting
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	go c.retryLoop()
}

// Stop transitions to STOPPING, cancels intake, best-effort flushes
// pending acks/nacks, and waits for in-flight handlers to be
// acknowledged as drained before entering TERMINATED. Idempotent.
func (c *Connection) Stop() {
	c.mu.Lock()
	if c.state == Terminated || c.state == Failed {
		c.mu.Unlock()
		return
	}
	notStarted := c.state == New
	c.state = Stopping
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !notStarted {
		<-c.done
	}
	c.wg.Wait()

	c.pump.Stop()

	c.mu.Lock()
	if c.state != Failed {
		c.state = Terminated
	}
	c.mu.Unlock()
}

// retryLoop owns the whole backoff/reconnect lifecycle, per spec §4.4.
func (c *Connection) retryLoop() {
	defer close(c.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.settings.InitialBackoff
	bo.MaxInterval = c.settings.MaxBackoff
	bo.MaxElapsedTime = 0 // retry indefinitely; the Supervisor decides when to give up

	for {
		if c.ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.state = Running
		c.sessionOpened = false
		c.mu.Unlock()

		err := c.strategy.runSession(c.ctx, c)
		c.strategy.close()

		c.mu.Lock()
		opened := c.sessionOpened
		c.mu.Unlock()
		if opened {
			bo.Reset()
		}

		if c.ctx.Err() != nil {
			return
		}
		if err == nil {
			continue
		}

		if errors.IsFatal(err) || c.settings.Classifier.IsFatal(err) {
			c.mu.Lock()
			c.state = Failed
			c.failureCause = err
			c.mu.Unlock()
			return
		}

		if !c.settings.Classifier.IsRetryable(err) {
			// Unclassified errors are treated as fatal: failing loud beats
			// silently retrying something the classifier doesn't recognise.
			c.mu.Lock()
			c.state = Failed
			c.failureCause = err
			c.mu.Unlock()
			return
		}

		delay := bo.NextBackOff()
		debug.Log("connection: retryable error %v, reconnecting in %s", err, delay)
		select {
		case <-c.ctx.Done():
			return
		case <-c.settings.Clock.After(delay):
		}
	}
}

// deliver reserves flow-control capacity, invokes the handler on its
// own goroutine (the one-shot future the design notes describe, mapped
// onto a goroutine-plus-completion-callback rather than an explicit
// channel since the handler's return is itself the resolution), and
// feeds the outcome back into the Ack Pump and Latency Distribution.
func (c *Connection) deliver(ctx context.Context, msg transport.Message) {
	if err := c.settings.FlowController.Reserve(ctx, 1, int64(len(msg.Data))); err != nil {
		return // ctx done; message will be redelivered after the server-side deadline
	}

	c.pump.OnMessageReceived(msg.AckID)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		outcome, err := c.settings.Handler(ctx, msg)
		elapsed := c.settings.Clock.Now().Sub(msg.Received)

		c.settings.FlowController.Release(1, int64(len(msg.Data)))
		c.settings.Distribution.Record(int(elapsed / time.Second))

		if err != nil || outcome == Nack {
			if err != nil {
				debug.Log("connection: handler(%s) returned error: %v", msg.AckID, err)
			}
			c.pump.OnNack(msg.AckID)
			return
		}
		c.pump.OnAck(msg.AckID)
	}()
}

func (c *Connection) flushAcks(acks []string, modAcks []ackpump.ModAck) {
	c.strategy.sendAckOperations(c.ctx, acks, modAcks)
}

// UpdateStreamAckDeadline re-tunes the stream ack-deadline, per the
// Supervisor's periodic recomputation from the shared Distribution.
func (c *Connection) UpdateStreamAckDeadline(ctx context.Context, seconds int32) error {
	c.pump.UpdateStreamAckDeadline(time.Duration(seconds) * time.Second)
	return c.strategy.updateStreamAckDeadline(ctx, seconds)
}
