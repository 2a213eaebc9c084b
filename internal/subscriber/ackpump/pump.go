// Package ackpump implements per-connection bookkeeping of in-flight
// messages and the batched emission of ack / modify-ack-deadline
// operations (spec §4.3). It owns two scheduled alarms: one that flushes
// queued acks/nacks/extensions after a short coalescing delay, and one
// that periodically extends the deadline of messages still in flight.
package ackpump

import (
	"sync"
	"time"

	"github.com/pubflow/pubsub/internal/subscriber/clock"
)

// PendingAcksSendDelay is how long the pump waits after the first queued
// ack/nack before flushing, to coalesce a burst of near-simultaneous
// handler completions into one request.
const PendingAcksSendDelay = 100 * time.Millisecond

// MaxPerRequestChanges bounds the combined ack + modify-ack entries sent
// in a single request frame; larger flushes are split into successive
// calls to the Flusher.
const MaxPerRequestChanges = 10000

// InitialExtensionSeconds is the hard-coded deadline extension applied to
// in-flight messages before the stream ack-deadline has ever been tuned
// from observed latency. It intentionally ignores ackExpirationPadding
// and the [10, 600] clamp that apply once tuning has happened.
const InitialExtensionSeconds = 2

const (
	minExtensionSeconds = 10
	maxExtensionSeconds = 600
)

// ModAck is one outgoing deadline-modification entry. ExtensionSeconds
// of 0 encodes a nack.
type ModAck struct {
	AckID            string
	ExtensionSeconds int32
}

// Flusher transmits one request's worth of ack/modify-ack entries. It is
// the Connection's sendAckOperations, injected rather than referenced
// back through a Connection interface (design note §9: "model this as an
// injected flush-target function, not a bidirectional ownership edge").
type Flusher func(acks []string, modAcks []ModAck)

// Pump batches acks, nacks, and deadline extensions for one Connection.
type Pump struct {
	clk                  clock.Clock
	flush                Flusher
	ackExpirationPadding time.Duration

	mu               sync.Mutex
	streamAckDeadline time.Duration
	tuned            bool
	pendingAcks      map[string]struct{}
	pendingNacks     map[string]struct{}
	pendingExt       map[string]int32
	inFlight         map[string]time.Time

	ackSendAlarm   *clock.Alarm
	extensionAlarm *clock.Alarm

	stopped bool
}

// New returns a pump driven by clk, flushing through flush. padding is
// ackExpirationPadding; initialStreamAckDeadline is the configured
// streamAckDeadlineSeconds before any supervisor re-tune.
func New(clk clock.Clock, padding, initialStreamAckDeadline time.Duration, flush Flusher) *Pump {
	return &Pump{
		clk:                  clk,
		flush:                flush,
		ackExpirationPadding: padding,
		streamAckDeadline:    initialStreamAckDeadline,
		pendingAcks:          make(map[string]struct{}),
		pendingNacks:         make(map[string]struct{}),
		pendingExt:           make(map[string]int32),
		inFlight:             make(map[string]time.Time),
		ackSendAlarm:         clock.NewAlarm(clk),
		extensionAlarm:       clock.NewAlarm(clk),
	}
}

// OnMessageReceived registers a newly delivered message as in flight and
// arms the extension alarm if it is not already running.
func (p *Pump) OnMessageReceived(ackID string) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.inFlight[ackID] = p.clk.Now()
	delay := p.rearmDelay()
	p.mu.Unlock()

	p.extensionAlarm.Arm(delay, p.fireExtensionAlarm)
}

// OnAck enqueues ackID for ack and arms the send alarm.
func (p *Pump) OnAck(ackID string) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	delete(p.inFlight, ackID)
	delete(p.pendingExt, ackID)
	p.pendingAcks[ackID] = struct{}{}
	p.mu.Unlock()

	p.ackSendAlarm.Arm(PendingAcksSendDelay, p.doFlush)
}

// OnNack enqueues ackID for nack (a modify-ack with extension 0).
func (p *Pump) OnNack(ackID string) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	delete(p.inFlight, ackID)
	delete(p.pendingExt, ackID)
	p.pendingNacks[ackID] = struct{}{}
	p.mu.Unlock()

	p.ackSendAlarm.Arm(PendingAcksSendDelay, p.doFlush)
}

// UpdateStreamAckDeadline reseeds the extension interval from a new
// stream ack-deadline, as computed by the supervisor's re-tune loop.
func (p *Pump) UpdateStreamAckDeadline(d time.Duration) {
	p.mu.Lock()
	p.streamAckDeadline = d
	p.tuned = true
	p.mu.Unlock()
}

// Stop performs a best-effort final flush and stops scheduling further
// work. Subsequent Pump calls are silently dropped (spec §7,
// ShutdownInProgress).
func (p *Pump) Stop() {
	p.ackSendAlarm.Cancel()
	p.extensionAlarm.Cancel()
	p.doFlush()

	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

// fireExtensionAlarm computes the current extension length, stamps it
// onto every in-flight message, flushes immediately, and reschedules
// itself. Extensions are flushed without waiting for the coalescing
// delay: there is no reason to hold them once computed, and onAck/onNack
// already provide their own coalescing window.
func (p *Pump) fireExtensionAlarm() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	ext := p.currentExtensionSeconds()
	for ackID := range p.inFlight {
		p.pendingExt[ackID] = ext
	}
	delay := p.rearmDelay()
	hasInFlight := len(p.inFlight) > 0
	p.mu.Unlock()

	p.doFlush()

	if hasInFlight {
		p.extensionAlarm.Rearm(delay, p.fireExtensionAlarm)
	}
}

// currentExtensionSeconds returns the deadline-extension length to stamp
// on in-flight messages right now. Called with p.mu held.
func (p *Pump) currentExtensionSeconds() int32 {
	if !p.tuned {
		return InitialExtensionSeconds
	}
	seconds := int64(p.streamAckDeadline/time.Second) - int64(p.ackExpirationPadding/time.Second)
	if seconds < minExtensionSeconds {
		seconds = minExtensionSeconds
	}
	if seconds > maxExtensionSeconds {
		seconds = maxExtensionSeconds
	}
	return int32(seconds)
}

// rearmDelay is the interval until the extension alarm next reconsiders
// in-flight messages. Called with p.mu held.
func (p *Pump) rearmDelay() time.Duration {
	d := p.streamAckDeadline - p.ackExpirationPadding
	if d < time.Second {
		d = time.Second
	}
	return d
}

// doFlush drains the pending structures and hands them to the Flusher in
// batches of at most MaxPerRequestChanges combined entries, with
// modify-deadline entries ordered before ack entries within each batch.
func (p *Pump) doFlush() {
	p.mu.Lock()
	if p.stopped && len(p.pendingAcks) == 0 && len(p.pendingNacks) == 0 && len(p.pendingExt) == 0 {
		p.mu.Unlock()
		return
	}

	modAcks := make([]ModAck, 0, len(p.pendingExt)+len(p.pendingNacks))
	for ackID, ext := range p.pendingExt {
		modAcks = append(modAcks, ModAck{AckID: ackID, ExtensionSeconds: ext})
	}
	for ackID := range p.pendingNacks {
		modAcks = append(modAcks, ModAck{AckID: ackID, ExtensionSeconds: 0})
	}
	acks := make([]string, 0, len(p.pendingAcks))
	for ackID := range p.pendingAcks {
		acks = append(acks, ackID)
	}

	p.pendingAcks = make(map[string]struct{})
	p.pendingNacks = make(map[string]struct{})
	p.pendingExt = make(map[string]int32)
	p.mu.Unlock()

	if len(modAcks) == 0 && len(acks) == 0 {
		return
	}

	for len(modAcks) > 0 || len(acks) > 0 {
		budget := MaxPerRequestChanges
		var batchModAcks []ModAck
		if n := min(budget, len(modAcks)); n > 0 {
			batchModAcks = modAcks[:n]
			modAcks = modAcks[n:]
			budget -= n
		}
		var batchAcks []string
		if n := min(budget, len(acks)); n > 0 {
			batchAcks = acks[:n]
			acks = acks[n:]
		}
		p.flush(batchAcks, batchModAcks)
	}
}

// InFlightCount reports the number of messages currently tracked as in
// flight. Exposed for tests and for the supervisor's diagnostics.
func (p *Pump) InFlightCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}
