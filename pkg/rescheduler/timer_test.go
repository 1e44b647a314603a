package rescheduler

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestTimerServiceFiresAfterDelay(t *testing.T) {
	mock := clock.NewMock()
	ts := NewTimerService(mock)

	fired := 0
	ts.Schedule(100*time.Millisecond, func() { fired++ })

	mock.Add(50 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("fired early: %d", fired)
	}
	mock.Add(60 * time.Millisecond)
	if fired != 1 {
		t.Fatalf("expected 1 fire, got %d", fired)
	}
	mock.Add(time.Hour)
	if fired != 1 {
		t.Fatalf("one-shot timer fired again: %d", fired)
	}
}

func TestTimerServiceStop(t *testing.T) {
	mock := clock.NewMock()
	ts := NewTimerService(mock)

	fired := 0
	h := ts.Schedule(100*time.Millisecond, func() { fired++ })
	if !h.Stop() {
		t.Fatal("Stop on a pending timer reported false")
	}
	mock.Add(time.Hour)
	if fired != 0 {
		t.Fatalf("stopped timer fired: %d", fired)
	}
}

func TestTimerServiceClampsNegativeDelay(t *testing.T) {
	mock := clock.NewMock()
	ts := NewTimerService(mock)

	fired := 0
	ts.Schedule(-time.Second, func() { fired++ })
	mock.Add(time.Millisecond)
	if fired != 1 {
		t.Fatalf("expected negative delay to fire immediately, got %d", fired)
	}
}
