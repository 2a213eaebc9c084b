package connection

import (
	"context"
	"time"

	"github.com/pubflow/pubsub/internal/subscriber/ackpump"
	"github.com/pubflow/pubsub/internal/subscriber/clock"
	"github.com/pubflow/pubsub/internal/subscriber/transport"
)

// PollEmptyInterval is how long the polling strategy waits after a pull
// returns zero messages before trying again (spec §4.4.2: "the poll loop
// self-paces").
const PollEmptyInterval = 200 * time.Millisecond

// PollMaxMessages bounds one unary pull request.
const PollMaxMessages = 1000

type polling struct {
	poller       transport.PollingTransport
	subscription string
	clk          clock.Clock
}

// NewPolling returns a Connection that drives repeated unary pulls
// (spec §4.4.2), treating each response identically to a streaming
// frame.
func NewPolling(settings Settings, poller transport.PollingTransport) *Connection {
	p := &polling{poller: poller, subscription: settings.Subscription, clk: settings.Clock}
	return newConnection(settings, p)
}

func (p *polling) runSession(ctx context.Context, c *Connection) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := p.poller.Pull(ctx, p.subscription, PollMaxMessages)
		if err != nil {
			return err
		}
		c.markOpened()

		if len(msgs) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-p.clk.After(PollEmptyInterval):
			}
			continue
		}

		for _, m := range msgs {
			c.deliver(ctx, m)
		}
	}
}

func (p *polling) sendAckOperations(ctx context.Context, acks []string, modAcks []ackpump.ModAck) {
	if len(modAcks) > 0 {
		_ = p.poller.ModifyAckDeadline(ctx, p.subscription, modAcks)
	}
	if len(acks) > 0 {
		_ = p.poller.Ack(ctx, p.subscription, acks)
	}
}

// updateStreamAckDeadline is a no-op for polling: there is no
// stream-level default deadline to re-announce (spec §4.4: "informs the
// transport (streaming only)"). The Ack Pump's extension interval is
// still reseeded by the caller in Connection.UpdateStreamAckDeadline.
func (p *polling) updateStreamAckDeadline(ctx context.Context, seconds int32) error {
	return nil
}

func (p *polling) close() {}
