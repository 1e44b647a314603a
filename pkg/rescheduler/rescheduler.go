package rescheduler

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Rescheduler coalesces repeated deadline updates into at most one pending
// timer registration and fires its action at most once per armed period.
//
// Every method must be called on the confinement executor passed to New.
// Calling them anywhere else is a data race, not a detectable error.
type Rescheduler struct {
	// collaborators
	action func()
	exec   Executor
	timers TimerService
	clk    clock.Clock

	// stopwatch origin; instants below are nanos elapsed since origin.
	origin time.Time

	// state, confined to exec
	runAt  int64
	armed  bool
	wakeUp Timer
}

// New creates a Rescheduler. The action is fixed for the lifetime of the
// instance and runs on exec, at most once per arm cycle. The clock is
// sampled at construction as the monotonic origin.
func New(action func(), exec Executor, timers TimerService, c clock.Clock) *Rescheduler {
	return &Rescheduler{
		action: action,
		exec:   exec,
		timers: timers,
		clk:    c,
		origin: c.Now(),
	}
}

// Reschedule arms the action to run delay from now, superseding any earlier
// request. The timer service is only touched when the new deadline is earlier
// than the outstanding check-in (or no timer is pending); deadlines that only
// move later ride on the existing timer, which re-validates when it fires.
// A delay <= 0 means "fire on the next check-in".
func (r *Rescheduler) Reschedule(delay time.Duration) {
	newRunAt := r.now() + delay.Nanoseconds()
	r.armed = true
	// Subtraction-based ordering stays correct if the nano counter wraps.
	if newRunAt-r.runAt < 0 || r.wakeUp == nil {
		if r.wakeUp != nil {
			r.wakeUp.Stop()
		}
		r.wakeUp = r.timers.Schedule(delay, r.wake)
	}
	r.runAt = newRunAt
}

// Cancel disarms the action. With permanent=false any pending timer keeps
// running and no-ops on check-in, which leaves later re-arming cheap. With
// permanent=true the timer registration is released eagerly. Idempotent
// either way, and a no-op on a never-armed instance.
func (r *Rescheduler) Cancel(permanent bool) {
	r.armed = false
	if permanent && r.wakeUp != nil {
		r.wakeUp.Stop()
		r.wakeUp = nil
	}
}

// Armed reports whether a fire is still pending. Like every other method it
// is only meaningful on the confinement executor; it exists so tests can
// observe re-arm vs. fire decisions without racing the timer.
func (r *Rescheduler) Armed() bool {
	return r.armed
}

// wake runs on the timer service's goroutine. Its only job is to hop onto
// the confinement executor; state is never touched here.
func (r *Rescheduler) wake() {
	r.exec.Run(r.checkIn)
}

// checkIn runs on the confinement executor when a timer fires. Either the
// fire was canceled, or the deadline moved later and the timer re-arms for
// the remainder, or this is the true fire.
func (r *Rescheduler) checkIn() {
	if !r.armed {
		r.wakeUp = nil
		return
	}
	remaining := r.runAt - r.now()
	if remaining > 0 {
		r.wakeUp = r.timers.Schedule(time.Duration(remaining), r.wake)
		return
	}
	// Clear state before running the action so a panicking action cannot
	// leave the instance armed with no timer outstanding.
	r.armed = false
	r.wakeUp = nil
	r.action()
}

func (r *Rescheduler) now() int64 {
	return r.clk.Now().Sub(r.origin).Nanoseconds()
}
