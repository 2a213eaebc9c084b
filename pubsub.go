// Package pubsub is the public entry point: it assembles a Supervisor
// from a ReceiveSettings and a StreamingFactory/PollingTransport, and
// blocks Receive until the context is cancelled or the subscription
// fails fatally, the way a client library's top-level Subscribe/Receive
// call does.
package pubsub

import (
	"context"
	"time"

	"github.com/pubflow/pubsub/internal/subscriber/connection"
	"github.com/pubflow/pubsub/internal/subscriber/flowcontrol"
	"github.com/pubflow/pubsub/internal/subscriber/supervisor"
	"github.com/pubflow/pubsub/internal/subscriber/transport"
)

// Message is one delivered message handed to a Handler.
type Message = transport.Message

// AckResult is a handler's resolution for one message (spec §6: ACK,
// NACK, ERROR — ERROR is folded into Nack by Receive's adapter below).
type AckResult int

const (
	Ack AckResult = iota
	Nack
)

// Handler is the user-supplied message callback. A non-nil error is
// always treated as Nack and logged, regardless of the returned
// AckResult.
type Handler func(ctx context.Context, msg Message) (AckResult, error)

// LimitBehavior selects what happens when a flow-control limit would be
// exceeded.
type LimitBehavior = flowcontrol.LimitBehavior

const (
	Block  = flowcontrol.Block
	Ignore = flowcontrol.Ignore
)

// FlowControlSettings bounds resident memory and concurrency (spec §6).
type FlowControlSettings = flowcontrol.Settings

// ReceiveSettings mirrors spec.md §6's configuration-options table.
// Credentials, ChannelBuilder and Executor are out of scope for this
// module (spec.md §1 lists them as external collaborators); callers
// instead supply a ready StreamingFactory or PollingTransport built
// however their RPC stack requires.
type ReceiveSettings struct {
	// AckExpirationPadding is subtracted from the stream ack-deadline when
	// computing extension length. Must be positive; minimum enforced
	// value is 1s.
	AckExpirationPadding time.Duration

	// StreamAckDeadline is the initial stream deadline, clamped to
	// [10s, 600s]; default 10s.
	StreamAckDeadline time.Duration

	// ChannelsPerCore is the streaming fan-out multiplier; default 4.
	// Unused in polling mode.
	ChannelsPerCore int

	// FlowControlSettings bounds outstanding messages/bytes.
	FlowControlSettings FlowControlSettings

	// RetryableStatuses overrides the default grpc-status-code
	// retryable/fatal classifier.
	RetryableStatuses transport.Classifier

	// StreamingFactory, when set, puts Receive in streaming mode: one
	// fresh StreamingTransport per Connection per reconnect.
	StreamingFactory func() transport.StreamingTransport

	// PollingTransport, when set instead of StreamingFactory, puts
	// Receive in polling mode with a single Connection.
	PollingTransport transport.PollingTransport
}

// Client is a running subscription: the public handle NewClient returns,
// usable from another goroutine to inspect state or force an early stop.
type Client struct {
	sup *supervisor.Supervisor
}

// State mirrors the Supervisor's lifecycle state.
type State = supervisor.State

// State returns the Client's current lifecycle state.
func (c *Client) State() State { return c.sup.State() }

// FailureCause returns the fatal error that stopped the Client, or nil.
func (c *Client) FailureCause() error { return c.sup.FailureCause() }

// Stop signals the subscription to stop and waits for it to drain.
func (c *Client) Stop() { c.sup.Stop() }

// Receive builds a Supervisor from settings, starts it, and blocks
// until ctx is cancelled or the subscription transitions to FAILED,
// then stops the subscription and returns. A non-nil error means the
// subscription failed fatally (spec §7: "Only fatal transport errors
// and ConfigInvalid are surfaced to the embedding program").
func Receive(ctx context.Context, subscription string, settings ReceiveSettings, handler Handler) error {
	sup, err := build(ctx, subscription, settings, handler)
	if err != nil {
		return err
	}

	sup.Start(ctx)
	defer sup.Stop()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if sup.State() == supervisor.Failed {
				return sup.FailureCause()
			}
		}
	}
}

// NewClient builds and starts a Supervisor without blocking, returning
// a Client the caller can poll or Stop explicitly.
func NewClient(ctx context.Context, subscription string, settings ReceiveSettings, handler Handler) (*Client, error) {
	sup, err := build(ctx, subscription, settings, handler)
	if err != nil {
		return nil, err
	}
	sup.Start(ctx)
	return &Client{sup: sup}, nil
}

func build(ctx context.Context, subscription string, settings ReceiveSettings, handler Handler) (*supervisor.Supervisor, error) {
	adapted := func(ctx context.Context, msg transport.Message) (connection.Outcome, error) {
		outcome, err := handler(ctx, msg)
		if outcome == Nack {
			return connection.Nack, err
		}
		return connection.Ack, err
	}

	supSettings := supervisor.Settings{
		Subscription:             subscription,
		AckExpirationPadding:     settings.AckExpirationPadding,
		InitialStreamAckDeadline: settings.StreamAckDeadline,
		ChannelsPerCore:          settings.ChannelsPerCore,
		FlowControlSettings:      settings.FlowControlSettings,
		Handler:                  adapted,
		Classifier:               settings.RetryableStatuses,
		StreamingFactory:         settings.StreamingFactory,
		Poller:                   settings.PollingTransport,
	}

	return supervisor.Build(ctx, supSettings)
}
