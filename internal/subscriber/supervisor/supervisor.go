// Package supervisor implements the Subscriber Supervisor (spec §4.5): it
// owns a fan-out of N parallel Connections, the Latency Distribution and
// Flow Controller shared across them, and the periodic stream
// ack-deadline re-tune loop.
//
// Fan-out follows the teacher's internal/archiver worker-pool idiom
// (errgroup.Group to start N workers), generalized from "save these files
// concurrently" to "run these Connections concurrently, forever, until
// stopped or one fails fatally". A fatal Connection failure is picked up
// by the monitor loop, not by the errgroup.
package supervisor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/pubflow/pubsub/internal/debug"
	"github.com/pubflow/pubsub/internal/errors"
	"github.com/pubflow/pubsub/internal/subscriber/clock"
	"github.com/pubflow/pubsub/internal/subscriber/connection"
	"github.com/pubflow/pubsub/internal/subscriber/flowcontrol"
	"github.com/pubflow/pubsub/internal/subscriber/latency"
	"github.com/pubflow/pubsub/internal/subscriber/transport"
)

var maxprocsOnce sync.Once

// setMaxProcs adjusts GOMAXPROCS to the container's CPU quota once per
// process, the way cmd/restic's main.go does on startup.
func setMaxProcs() {
	maxprocsOnce.Do(func() {
		_, _ = maxprocs.Set()
	})
}

// DefaultChannelsPerCore is the streaming fan-out multiplier (spec §4.5,
// §6 channelsPerCore).
const DefaultChannelsPerCore = 4

// AckDeadlineUpdatePeriod is how often the Supervisor recomputes the
// stream ack-deadline from the shared Distribution (spec §4.5).
const AckDeadlineUpdatePeriod = 60 * time.Second

// State mirrors connection.State at the Supervisor level.
type State int32

const (
	New State = iota
	Running
	Stopping
	Terminated
	Failed
)

func (s State) String() string {
	switch s {
	case New:
		return "NEW"
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

// Settings configures a Supervisor. Exactly one of StreamingFactory or
// Poller must be set.
type Settings struct {
	Subscription             string
	AckExpirationPadding     time.Duration
	InitialStreamAckDeadline time.Duration
	ChannelsPerCore          int
	FlowControlSettings      flowcontrol.Settings
	Handler                  connection.Handler
	Classifier               transport.Classifier
	Clock                    clock.Clock

	// StreamingFactory, when set, builds a fresh transport per Connection
	// per reconnect (spec §4.5: "each Connection is given its own
	// underlying transport channel"). Supervisor runs in streaming mode.
	StreamingFactory connection.TransportFactory

	// Poller, when set instead of StreamingFactory, puts the Supervisor
	// in polling mode with a single Connection (spec §4.5's K=1 for
	// polling).
	Poller transport.PollingTransport

	RetunePeriod time.Duration // default AckDeadlineUpdatePeriod
}

// Build validates settings and returns a ready-to-Start Supervisor, or a
// ConfigInvalid error (spec §7) if settings are nonsensical.
func Build(ctx context.Context, settings Settings) (*Supervisor, error) {
	if settings.Subscription == "" {
		return nil, errors.Fatal("config invalid: subscription is required")
	}
	if settings.StreamingFactory == nil && settings.Poller == nil {
		return nil, errors.Fatal("config invalid: one of StreamingFactory or Poller is required")
	}
	if settings.StreamingFactory != nil && settings.Poller != nil {
		return nil, errors.Fatal("config invalid: StreamingFactory and Poller are mutually exclusive")
	}
	if settings.AckExpirationPadding <= 0 {
		return nil, errors.Fatal("config invalid: ackExpirationPadding must be positive")
	}
	if settings.InitialStreamAckDeadline < 0 {
		return nil, errors.Fatal("config invalid: streamAckDeadline must not be negative")
	}
	if err := flowcontrol.ValidateSettings(settings.FlowControlSettings); err != nil {
		return nil, err
	}
	if settings.Handler == nil {
		return nil, errors.Fatal("config invalid: handler is required")
	}

	if settings.AckExpirationPadding < time.Second {
		settings.AckExpirationPadding = time.Second
	}
	if settings.InitialStreamAckDeadline < 10*time.Second {
		settings.InitialStreamAckDeadline = 10 * time.Second
	}
	if settings.InitialStreamAckDeadline > 600*time.Second {
		settings.InitialStreamAckDeadline = 600 * time.Second
	}
	if settings.ChannelsPerCore <= 0 {
		settings.ChannelsPerCore = DefaultChannelsPerCore
	}
	if settings.Classifier.IsRetryable == nil || settings.Classifier.IsFatal == nil {
		settings.Classifier = transport.Default()
	}
	if settings.Clock == nil {
		settings.Clock = clock.New()
	}
	if settings.RetunePeriod <= 0 {
		settings.RetunePeriod = AckDeadlineUpdatePeriod
	}

	return &Supervisor{
		settings: settings,
		dist:     latency.New(),
		flow:     flowcontrol.New(settings.FlowControlSettings),
		done:     make(chan struct{}),
	}, nil
}

// Supervisor owns N Connections, the shared Distribution and
// FlowController, and the re-tune loop.
type Supervisor struct {
	settings Settings
	dist     *latency.Distribution
	flow     *flowcontrol.Controller

	mu           sync.Mutex
	state        State
	failureCause error
	conns        []*connection.Connection

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NumCores returns the fan-out core count this process sees, after
// adjusting GOMAXPROCS for the container's CPU quota.
func NumCores() int {
	setMaxProcs()
	return runtime.GOMAXPROCS(0)
}

// State returns the current Supervisor state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FailureCause returns the fatal error that stopped the Supervisor, or
// nil.
func (s *Supervisor) FailureCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failureCause
}

// Connections returns the Connections owned by this Supervisor, for
// tests and diagnostics.
func (s *Supervisor) Connections() []*connection.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*connection.Connection(nil), s.conns...)
}

// Start builds N Connections (streaming: NumCores * ChannelsPerCore;
// polling: 1), calls Start on them all in parallel via an errgroup, and
// begins the monitor and re-tune loops. The Supervisor is RUNNING as soon
// as the Connections are built. Start returns once every Connection's
// Start call has returned; it does not wait for the Connections to leave
// STARTING, which each does on its own goroutine.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.state != New {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	n := 1
	if s.settings.StreamingFactory != nil {
		n = NumCores() * s.settings.ChannelsPerCore
	}
	conns := make([]*connection.Connection, n)
	for i := range conns {
		conns[i] = s.newConnection()
	}
	s.conns = conns
	s.state = Running
	s.mu.Unlock()

	var g errgroup.Group
	for _, c := range conns {
		c := c
		g.Go(func() error {
			c.Start(s.ctx)
			return nil
		})
	}
	_ = g.Wait()

	go s.monitor()
	go s.retuneLoop()
}

func (s *Supervisor) newConnection() *connection.Connection {
	base := connection.Settings{
		Subscription:             s.settings.Subscription,
		AckExpirationPadding:     s.settings.AckExpirationPadding,
		InitialStreamAckDeadline: s.settings.InitialStreamAckDeadline,
		FlowController:           s.flow,
		Distribution:             s.dist,
		Handler:                  s.settings.Handler,
		Classifier:               s.settings.Classifier,
		Clock:                    s.settings.Clock,
	}
	if s.settings.StreamingFactory != nil {
		return connection.NewStreaming(base, s.settings.StreamingFactory)
	}
	return connection.NewPolling(base, s.settings.Poller)
}

// monitor watches for any Connection reaching Failed and propagates
// that to the whole Supervisor, stopping the remaining peers (spec
// §4.5: "Failure of any Connection with a fatal error propagates to the
// whole Supervisor, which then stops the remaining Connections").
func (s *Supervisor) monitor() {
	ticker := s.settings.Clock.Ticker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.state != Running {
				s.mu.Unlock()
				return
			}
			var failed *connection.Connection
			for _, c := range s.conns {
				if c.State() == connection.Failed {
					failed = c
					break
				}
			}
			s.mu.Unlock()

			if failed != nil {
				s.fail(failed.FailureCause())
				return
			}
		}
	}
}

func (s *Supervisor) fail(cause error) {
	s.mu.Lock()
	if s.state == Failed || s.state == Terminated {
		s.mu.Unlock()
		return
	}
	s.state = Failed
	s.failureCause = cause
	conns := append([]*connection.Connection(nil), s.conns...)
	s.mu.Unlock()

	debug.Log("supervisor: connection failed fatally: %v; stopping peers", cause)
	s.cancel()
	for _, c := range conns {
		c.Stop()
	}
	close(s.done)
}

// retuneLoop recomputes the stream ack-deadline from the shared
// Distribution's p99 every RetunePeriod and pushes it to every
// Connection when it changes.
func (s *Supervisor) retuneLoop() {
	ticker := s.settings.Clock.Ticker(s.settings.RetunePeriod)
	defer ticker.Stop()

	current := s.settings.InitialStreamAckDeadline

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.state != Running {
				s.mu.Unlock()
				return
			}
			conns := append([]*connection.Connection(nil), s.conns...)
			s.mu.Unlock()

			p99 := time.Duration(s.dist.Percentile(0.99)) * time.Second
			if p99 < 10*time.Second {
				p99 = 10 * time.Second
			}
			if p99 > 600*time.Second {
				p99 = 600 * time.Second
			}
			if p99 == current {
				continue
			}
			current = p99

			debug.Log("supervisor: re-tuning stream ack-deadline to %s", p99)
			for _, c := range conns {
				_ = c.UpdateStreamAckDeadline(s.ctx, int32(p99/time.Second))
			}
		}
	}
}

// Stop signals every Connection to stop, awaits all drains, and
// releases shared resources. Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.state == Terminated || s.state == Failed {
		s.mu.Unlock()
		return
	}
	if s.state == New {
		s.state = Terminated
		s.mu.Unlock()
		return
	}
	s.state = Stopping
	conns := append([]*connection.Connection(nil), s.conns...)
	s.mu.Unlock()

	s.cancel()

	var wg sync.WaitGroup
	for _, c := range conns {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Stop()
		}()
	}
	wg.Wait()

	s.mu.Lock()
	if s.state != Failed {
		s.state = Terminated
	}
	s.mu.Unlock()
}
