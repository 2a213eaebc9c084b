package clock

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Alarm is a cancellable "run this closure after Δ" primitive (spec design
// note §9), built on top of a Clock so it can be driven by a Mock in tests.
// It is safe to Arm/Cancel from multiple goroutines, but the fired closure
// itself runs on the clock's own goroutine and must not block for long.
type Alarm struct {
	c Clock

	mu    sync.Mutex
	timer *clock.Timer
	armed bool
}

// NewAlarm returns an unarmed alarm driven by c.
func NewAlarm(c Clock) *Alarm {
	return &Alarm{c: c}
}

// Arm schedules f to run after d, unless the alarm is already armed (in
// which case Arm is a no-op — callers that want to reschedule must Cancel
// first). Returns whether the alarm was newly armed.
func (a *Alarm) Arm(d time.Duration, f func()) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.armed {
		return false
	}

	a.armed = true
	a.timer = a.c.AfterFunc(d, func() {
		a.mu.Lock()
		a.armed = false
		a.mu.Unlock()
		f()
	})
	return true
}

// Rearm cancels any pending fire and schedules f to run after d.
func (a *Alarm) Rearm(d time.Duration, f func()) {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.armed = true
	a.timer = a.c.AfterFunc(d, func() {
		a.mu.Lock()
		a.armed = false
		a.mu.Unlock()
		f()
	})
	a.mu.Unlock()
}

// Cancel stops a pending fire, if any.
func (a *Alarm) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.armed = false
}

// Armed reports whether the alarm currently has a pending fire.
func (a *Alarm) Armed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.armed
}
