package connection_test

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pubflow/pubsub/internal/subscriber/clock"
	"github.com/pubflow/pubsub/internal/subscriber/connection"
	"github.com/pubflow/pubsub/internal/subscriber/flowcontrol"
	"github.com/pubflow/pubsub/internal/subscriber/latency"
	"github.com/pubflow/pubsub/internal/subscriber/transport"
	"github.com/pubflow/pubsub/internal/subscriber/transporttest"
)

func newTestSettings(clk clock.Clock, handler connection.Handler) connection.Settings {
	return connection.Settings{
		Subscription:             "projects/p/subscriptions/s",
		AckExpirationPadding:     time.Second,
		InitialStreamAckDeadline: 10 * time.Second,
		FlowController:           flowcontrol.New(flowcontrol.Settings{}),
		Distribution:             latency.New(),
		Handler:                  handler,
		Classifier:               transport.Default(),
		Clock:                    clk,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestAckSingleMessageEndToEnd(t *testing.T) {
	clk := clock.New()
	srv := transporttest.NewServer()
	handler := func(ctx context.Context, msg transport.Message) (connection.Outcome, error) {
		return connection.Ack, nil
	}
	conn := connection.NewStreaming(newTestSettings(clk, handler), func() transport.StreamingTransport {
		return transporttest.NewStream(srv)
	})

	conn.Start(context.Background())
	waitFor(t, func() bool { return conn.State() == connection.Running })

	srv.Push(transport.Message{AckID: "A", Received: clk.Now()})
	waitFor(t, func() bool { return len(srv.Acks()) == 1 })

	conn.Stop()

	if got := srv.Acks(); len(got) != 1 || got[0] != "A" {
		t.Fatalf("acks = %v, want [A]", got)
	}
	if got := srv.ModAcks(); len(got) != 0 {
		t.Fatalf("modAcks = %v, want none", got)
	}
}

func TestNackSingleMessageEndToEnd(t *testing.T) {
	clk := clock.New()
	srv := transporttest.NewServer()
	handler := func(ctx context.Context, msg transport.Message) (connection.Outcome, error) {
		return connection.Nack, nil
	}
	conn := connection.NewStreaming(newTestSettings(clk, handler), func() transport.StreamingTransport {
		return transporttest.NewStream(srv)
	})

	conn.Start(context.Background())
	waitFor(t, func() bool { return conn.State() == connection.Running })

	srv.Push(transport.Message{AckID: "A", Received: clk.Now()})
	waitFor(t, func() bool { return len(srv.ModAcks()) == 1 })

	conn.Stop()

	if got := srv.ModAcks(); len(got) != 1 || got[0].AckID != "A" || got[0].ExtensionSeconds != 0 {
		t.Fatalf("modAcks = %v, want [{A 0}]", got)
	}
	if got := srv.Acks(); len(got) != 0 {
		t.Fatalf("acks = %v, want none", got)
	}
}

func TestHandlerErrorIsTreatedAsNack(t *testing.T) {
	clk := clock.New()
	srv := transporttest.NewServer()
	handler := func(ctx context.Context, msg transport.Message) (connection.Outcome, error) {
		return connection.Ack, errors.New("handler blew up")
	}
	conn := connection.NewStreaming(newTestSettings(clk, handler), func() transport.StreamingTransport {
		return transporttest.NewStream(srv)
	})

	conn.Start(context.Background())
	waitFor(t, func() bool { return conn.State() == connection.Running })

	srv.Push(transport.Message{AckID: "A", Received: clk.Now()})
	waitFor(t, func() bool { return len(srv.ModAcks()) == 1 })

	conn.Stop()

	if got := srv.ModAcks(); len(got) != 1 || got[0].AckID != "A" || got[0].ExtensionSeconds != 0 {
		t.Fatalf("modAcks = %v, want [{A 0}]", got)
	}
}

func TestBatchedAcksEndToEnd(t *testing.T) {
	clk := clock.New()
	srv := transporttest.NewServer()
	handler := func(ctx context.Context, msg transport.Message) (connection.Outcome, error) {
		return connection.Ack, nil
	}
	conn := connection.NewStreaming(newTestSettings(clk, handler), func() transport.StreamingTransport {
		return transporttest.NewStream(srv)
	})

	conn.Start(context.Background())
	waitFor(t, func() bool { return conn.State() == connection.Running })

	srv.Push(
		transport.Message{AckID: "A", Received: clk.Now()},
		transport.Message{AckID: "B", Received: clk.Now()},
		transport.Message{AckID: "C", Received: clk.Now()},
	)
	waitFor(t, func() bool { return len(srv.Acks()) == 3 })
	conn.Stop()

	got := srv.Acks()
	sort.Strings(got)
	if len(got) != 3 || got[0] != "A" || got[1] != "B" || got[2] != "C" {
		t.Fatalf("acks = %v, want [A B C]", got)
	}
}

func TestFatalErrorTransitionsToFailed(t *testing.T) {
	clk := clock.New()
	srv := transporttest.NewServer()
	srv.OpenErr = status.Error(codes.InvalidArgument, "bad subscription")
	handler := func(ctx context.Context, msg transport.Message) (connection.Outcome, error) {
		return connection.Ack, nil
	}
	conn := connection.NewStreaming(newTestSettings(clk, handler), func() transport.StreamingTransport {
		return transporttest.NewStream(srv)
	})

	conn.Start(context.Background())
	waitFor(t, func() bool { return conn.State() == connection.Failed })

	if status.Code(conn.FailureCause()) != codes.InvalidArgument {
		t.Fatalf("failureCause = %v, want InvalidArgument", conn.FailureCause())
	}
}

func TestIdempotentStop(t *testing.T) {
	clk := clock.New()
	srv := transporttest.NewServer()
	handler := func(ctx context.Context, msg transport.Message) (connection.Outcome, error) {
		return connection.Ack, nil
	}
	conn := connection.NewStreaming(newTestSettings(clk, handler), func() transport.StreamingTransport {
		return transporttest.NewStream(srv)
	})

	conn.Start(context.Background())
	waitFor(t, func() bool { return conn.State() == connection.Running })

	conn.Stop()
	conn.Stop()

	if conn.State() != connection.Terminated {
		t.Fatalf("state = %v, want TERMINATED", conn.State())
	}
}
