// Package clock wraps github.com/benbjohnson/clock so the subscriber core
// schedules its alarms (spec: ackSendAlarm, extensionAlarm, reconnect
// backoff, ack-deadline re-tune ticker) against an injectable time source
// instead of calling time.Now/time.AfterFunc directly. Tests substitute
// clock.NewMock, whose Add advances the mock's notion of now and fires every
// due timer/ticker callback before returning, satisfying the requirement
// that advancing time atomically fires scheduled callbacks.
package clock

import "github.com/benbjohnson/clock"

// Clock is the subset of benbjohnson/clock.Clock the subscriber core needs.
// A *clock.Clock (real time) and a *clock.Mock (virtual time, for tests)
// both satisfy it.
type Clock = clock.Clock

// Mock is a controllable clock for deterministic tests. Add fires due
// timers/tickers atomically before returning.
type Mock = clock.Mock

// New returns the real, wall-clock implementation.
func New() Clock {
	return clock.New()
}

// NewMock returns a virtual clock parked at the Unix epoch.
func NewMock() *Mock {
	return clock.NewMock()
}
