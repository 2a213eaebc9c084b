// Package transport defines the RPC-layer abstraction a Connection
// consumes (spec §6): opening a stream, sending ack/modify-ack frames,
// receiving delivered messages, and the unary pull/modify-ack-deadline
// calls used by the polling strategy. Credentials, channel construction,
// and the wire schema of the pub/sub service itself are external
// collaborators and have no representation here.
package transport

import (
	"context"
	"time"

	"github.com/pubflow/pubsub/internal/subscriber/ackpump"
)

// Message is one delivered message, opaque to everything except the
// user handler.
type Message struct {
	AckID    string
	Data     []byte
	Received time.Time
}

// StreamingTransport is a bidirectional stream: receive delivers frames
// of messages pushed by the server; Send transmits ack/modify-ack
// batches or a stream ack-deadline change; manual inbound flow control
// is expressed by RequestOne, which must be called once per processed
// frame to ask for the next one.
type StreamingTransport interface {
	// Open begins the stream for subscription, with the given initial
	// stream ack-deadline in seconds.
	Open(ctx context.Context, subscription string, initialStreamAckDeadlineSeconds int32) error

	// Recv blocks for the next frame of delivered messages. It returns
	// io.EOF-equivalent via a non-nil, classifiable error when the
	// stream ends.
	Recv(ctx context.Context) ([]Message, error)

	// RequestOne asks the transport for exactly one more frame,
	// implementing manual inbound flow control.
	RequestOne()

	// SendAckOperations transmits one batch of ack-ids and modify-ack
	// entries on the open stream.
	SendAckOperations(ctx context.Context, acks []string, modAcks []ackpump.ModAck) error

	// SendStreamAckDeadline transmits a new default stream ack-deadline.
	SendStreamAckDeadline(ctx context.Context, seconds int32) error

	// Close tears down the stream.
	Close() error
}

// PollingTransport issues unary pull and modify-ack-deadline requests.
type PollingTransport interface {
	// Pull fetches up to maxMessages messages in one unary call.
	Pull(ctx context.Context, subscription string, maxMessages int) ([]Message, error)

	// ModifyAckDeadline sends a batch of deadline modifications
	// (including nacks, encoded as extension 0) in one unary call.
	ModifyAckDeadline(ctx context.Context, subscription string, modAcks []ackpump.ModAck) error

	// Ack sends a batch of ack-ids in one unary call.
	Ack(ctx context.Context, subscription string, acks []string) error
}
