package connection

import (
	"context"
	"sync"

	"github.com/pubflow/pubsub/internal/subscriber/ackpump"
	"github.com/pubflow/pubsub/internal/subscriber/transport"
)

// TransportFactory builds a fresh StreamingTransport for one session.
// Each reconnect calls it again, so a Supervisor fanning out N
// Connections can give each its own underlying channel (spec §4.5:
// "per-channel stream-concurrency limits do not serialise traffic").
type TransportFactory func() transport.StreamingTransport

type streaming struct {
	factory                TransportFactory
	subscription           string
	initialDeadlineSeconds int32

	mu      sync.Mutex
	current transport.StreamingTransport
}

// NewStreaming returns a Connection that drives a bidirectional
// streaming pull (spec §4.4.1), using transports built by factory.
func NewStreaming(settings Settings, factory TransportFactory) *Connection {
	s := &streaming{
		factory:                factory,
		subscription:           settings.Subscription,
		initialDeadlineSeconds: int32(settings.InitialStreamAckDeadline.Seconds()),
	}
	return newConnection(settings, s)
}

func (s *streaming) runSession(ctx context.Context, c *Connection) error {
	tr := s.factory()
	s.mu.Lock()
	s.current = tr
	s.mu.Unlock()

	if err := tr.Open(ctx, s.subscription, s.initialDeadlineSeconds); err != nil {
		return err
	}
	c.markOpened()

	for {
		msgs, err := tr.Recv(ctx)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			c.deliver(ctx, m)
		}
		// Manual inbound flow control: ask for exactly one more frame
		// now that this one has been dispatched to the handler queue.
		tr.RequestOne()

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *streaming) sendAckOperations(ctx context.Context, acks []string, modAcks []ackpump.ModAck) {
	s.mu.Lock()
	tr := s.current
	s.mu.Unlock()
	if tr == nil {
		return
	}
	_ = tr.SendAckOperations(ctx, acks, modAcks)
}

func (s *streaming) updateStreamAckDeadline(ctx context.Context, seconds int32) error {
	s.mu.Lock()
	tr := s.current
	s.mu.Unlock()
	if tr == nil {
		return nil
	}
	return tr.SendStreamAckDeadline(ctx, seconds)
}

func (s *streaming) close() {
	s.mu.Lock()
	tr := s.current
	s.current = nil
	s.mu.Unlock()
	if tr != nil {
		_ = tr.Close()
	}
}
