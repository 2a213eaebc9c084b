package clock_test

import (
	"testing"
	"time"

	"github.com/pubflow/pubsub/internal/subscriber/clock"
)

func TestAlarmFiresOnAdvance(t *testing.T) {
	mock := clock.NewMock()
	a := clock.NewAlarm(mock)

	fired := make(chan struct{}, 1)
	a.Arm(5*time.Second, func() { fired <- struct{}{} })

	mock.Add(4 * time.Second)
	select {
	case <-fired:
		t.Fatal("alarm fired before its delay elapsed")
	default:
	}

	mock.Add(1 * time.Second)
	select {
	case <-fired:
	default:
		t.Fatal("alarm did not fire once its delay elapsed")
	}
}

func TestArmIsNoOpWhileArmed(t *testing.T) {
	mock := clock.NewMock()
	a := clock.NewAlarm(mock)

	if !a.Arm(time.Second, func() {}) {
		t.Fatal("first Arm should succeed")
	}
	if a.Arm(time.Second, func() {}) {
		t.Fatal("second Arm while armed should be a no-op")
	}
}

func TestCancelPreventsFire(t *testing.T) {
	mock := clock.NewMock()
	a := clock.NewAlarm(mock)

	fired := false
	a.Arm(time.Second, func() { fired = true })
	a.Cancel()

	mock.Add(2 * time.Second)
	if fired {
		t.Fatal("cancelled alarm fired")
	}
	if a.Armed() {
		t.Fatal("cancelled alarm reports armed")
	}
}
