// Package transporttest provides an in-memory fake of
// internal/subscriber/transport's interfaces, for deterministic tests of
// the Connection and Supervisor without a real RPC channel. The shape
// (a mutex-guarded server with injectable one-shot errors and a
// recorded call log) follows the teacher pack's pstest fake Pub/Sub
// server, simplified from a real gRPC service down to direct Go
// interfaces since this module's Transport boundary is itself a Go
// interface rather than a wire protocol.
package transporttest

import (
	"context"
	"sync"

	"github.com/pubflow/pubsub/internal/subscriber/ackpump"
	"github.com/pubflow/pubsub/internal/subscriber/transport"
)

// Server is a fake in-memory pub/sub endpoint. Messages queued with
// Push are delivered to whichever open Stream or Pull calls reach them
// first; Acks/ModAcks are recorded for assertions.
type Server struct {
	mu sync.Mutex

	queue []transport.Message

	acks    []string
	modAcks []ackpump.ModAck

	// OpenErr, RecvErr and PullErr let a test inject a one-shot error on
	// the next matching call, then clear it, to exercise Connection
	// retry/fatal handling.
	OpenErr error
	RecvErr error
	PullErr error

	streamAckDeadline int32
	closed            bool
}

// NewServer returns an empty fake server.
func NewServer() *Server {
	return &Server{}
}

// Push enqueues messages for future Recv/Pull calls to deliver.
func (s *Server) Push(msgs ...transport.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, msgs...)
}

// Acks returns every ack-id observed so far, in receipt order.
func (s *Server) Acks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acks...)
}

// ModAcks returns every modify-ack entry observed so far, in receipt
// order.
func (s *Server) ModAcks() []ackpump.ModAck {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ackpump.ModAck(nil), s.modAcks...)
}

// StreamAckDeadline returns the most recently set stream ack-deadline.
func (s *Server) StreamAckDeadline() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamAckDeadline
}

// Stream is a fake transport.StreamingTransport bound to one Server.
// Each Stream models one logical open connection: closing it and
// opening a new one against the same Server simulates a reconnect.
type Stream struct {
	s        *Server
	requests chan struct{}
	open     bool
}

// NewStream returns a fake stream reading from and writing to s.
func NewStream(s *Server) *Stream {
	return &Stream{s: s, requests: make(chan struct{}, 1)}
}

func (c *Stream) Open(ctx context.Context, subscription string, initialStreamAckDeadlineSeconds int32) error {
	c.s.mu.Lock()
	if err := c.s.OpenErr; err != nil {
		c.s.OpenErr = nil
		c.s.mu.Unlock()
		return err
	}
	c.s.streamAckDeadline = initialStreamAckDeadlineSeconds
	c.s.closed = false
	c.s.mu.Unlock()

	c.open = true
	c.requests <- struct{}{} // manual inbound flow control starts primed for one frame
	return nil
}

func (c *Stream) Recv(ctx context.Context) ([]transport.Message, error) {
	select {
	case <-c.requests:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.RecvErr; err != nil {
		c.s.RecvErr = nil
		return nil, err
	}
	if len(c.s.queue) == 0 {
		return nil, nil
	}
	msgs := c.s.queue
	c.s.queue = nil
	return msgs, nil
}

func (c *Stream) RequestOne() {
	select {
	case c.requests <- struct{}{}:
	default:
	}
}

func (c *Stream) SendAckOperations(ctx context.Context, acks []string, modAcks []ackpump.ModAck) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.acks = append(c.s.acks, acks...)
	c.s.modAcks = append(c.s.modAcks, modAcks...)
	return nil
}

func (c *Stream) SendStreamAckDeadline(ctx context.Context, seconds int32) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.streamAckDeadline = seconds
	return nil
}

func (c *Stream) Close() error {
	c.s.mu.Lock()
	c.s.closed = true
	c.s.mu.Unlock()
	c.open = false
	return nil
}

// Poller is a fake transport.PollingTransport bound to one Server.
type Poller struct {
	s *Server
}

// NewPoller returns a fake poller reading from and writing to s.
func NewPoller(s *Server) *Poller {
	return &Poller{s: s}
}

func (p *Poller) Pull(ctx context.Context, subscription string, maxMessages int) ([]transport.Message, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if err := p.s.PullErr; err != nil {
		p.s.PullErr = nil
		return nil, err
	}
	if len(p.s.queue) == 0 {
		return nil, nil
	}
	n := maxMessages
	if n > len(p.s.queue) || n <= 0 {
		n = len(p.s.queue)
	}
	msgs := p.s.queue[:n]
	p.s.queue = p.s.queue[n:]
	return msgs, nil
}

func (p *Poller) ModifyAckDeadline(ctx context.Context, subscription string, modAcks []ackpump.ModAck) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	p.s.modAcks = append(p.s.modAcks, modAcks...)
	return nil
}

func (p *Poller) Ack(ctx context.Context, subscription string, acks []string) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	p.s.acks = append(p.s.acks, acks...)
	return nil
}
