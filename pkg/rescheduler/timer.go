package rescheduler

import (
	"time"

	"github.com/benbjohnson/clock"
)

// TimerService registers one-shot callbacks. Implementations may run fn on
// any goroutine; Rescheduler never touches its own state there, it only hops
// back onto its confinement queue.
type TimerService interface {
	// Schedule runs fn once after delay. A negative delay is treated as zero.
	Schedule(delay time.Duration, fn func()) Timer
}

// Timer is the handle for an outstanding Schedule registration.
type Timer interface {
	// Stop cancels the registration. It reports whether the call prevented
	// the callback from running.
	Stop() bool
}

// NewTimerService returns a TimerService backed by the given clock, so a mock
// clock drives scheduled callbacks deterministically in tests.
func NewTimerService(c clock.Clock) TimerService {
	return clockTimers{c: c}
}

type clockTimers struct {
	c clock.Clock
}

func (t clockTimers) Schedule(delay time.Duration, fn func()) Timer {
	if delay < 0 {
		delay = 0
	}
	return t.c.AfterFunc(delay, fn)
}
