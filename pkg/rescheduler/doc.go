// Package rescheduler provides a lazy, coalescing one-shot timer: many
// competing "run this at time T" requests collapse into at most one pending
// timer registration, the most recently requested deadline always wins, and
// the action fires at most once per armed period.
//
// # Model
//
// A Rescheduler composes three collaborators: a monotonic clock, a
// TimerService that can register a callback after a delay, and a SerialQueue
// that confines every state transition (and the action itself) to a single
// worker goroutine. There are no internal locks; the queue is the only
// synchronization mechanism.
//
// # Lazy re-arm
//
// Reschedule only touches the timer service when the new deadline is earlier
// than the outstanding check-in (or when no timer is pending). When deadlines
// only move later — the common case for debounce-style usage — the existing
// timer is left alone; its callback re-validates against the latest deadline
// when it fires and re-arms for the remainder instead of running the action.
// The action therefore never runs before the last requested deadline, though
// it may run slightly after it.
//
// # Cancellation
//
// Cancel(false) is a soft disarm: a pending timer is left running and will
// no-op on check-in, which keeps later re-arming cheap. Cancel(true)
// additionally releases the timer registration eagerly. Both are idempotent.
package rescheduler
