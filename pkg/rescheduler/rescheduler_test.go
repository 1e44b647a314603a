package rescheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// inlineExec runs tasks immediately on the caller's goroutine. Combined with
// a mock clock (which fires timer callbacks synchronously from Add) this
// keeps every state transition on the test goroutine, which satisfies the
// confinement contract without a worker to synchronize with.
type inlineExec struct{}

func (inlineExec) Run(fn func()) { fn() }

// countingTimers wraps a TimerService and counts Schedule/Stop traffic so
// tests can assert the lazy re-arm behavior.
type countingTimers struct {
	inner TimerService

	mu        sync.Mutex
	scheduled int
	stopped   int
}

func (c *countingTimers) Schedule(delay time.Duration, fn func()) Timer {
	c.mu.Lock()
	c.scheduled++
	c.mu.Unlock()
	return &countingTimer{svc: c, inner: c.inner.Schedule(delay, fn)}
}

func (c *countingTimers) counts() (scheduled, stopped int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scheduled, c.stopped
}

type countingTimer struct {
	svc   *countingTimers
	inner Timer
}

func (t *countingTimer) Stop() bool {
	t.svc.mu.Lock()
	t.svc.stopped++
	t.svc.mu.Unlock()
	return t.inner.Stop()
}

type fixture struct {
	mock   *clock.Mock
	timers *countingTimers
	r      *Rescheduler
	fires  *int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := clock.NewMock()
	timers := &countingTimers{inner: NewTimerService(mock)}
	fires := 0
	r := New(func() { fires++ }, inlineExec{}, timers, mock)
	return &fixture{mock: mock, timers: timers, r: r, fires: &fires}
}

func TestFiresOncePerArmCycle(t *testing.T) {
	f := newFixture(t)

	f.r.Reschedule(100 * time.Millisecond)
	f.r.Reschedule(100 * time.Millisecond)
	f.r.Reschedule(100 * time.Millisecond)

	f.mock.Add(50 * time.Millisecond)
	if *f.fires != 0 {
		t.Fatalf("fired before deadline: %d", *f.fires)
	}
	f.mock.Add(time.Hour)
	if *f.fires != 1 {
		t.Fatalf("expected exactly 1 fire, got %d", *f.fires)
	}
	if f.r.Armed() {
		t.Fatal("expected disarmed after fire")
	}

	// Idle again: more elapsed time must not re-fire.
	f.mock.Add(time.Hour)
	if *f.fires != 1 {
		t.Fatalf("fired again while idle: %d", *f.fires)
	}
}

func TestLatestDeadlineWins(t *testing.T) {
	f := newFixture(t)

	f.r.Reschedule(10 * time.Millisecond)
	f.r.Reschedule(1000 * time.Millisecond)

	// The 10ms timer checks in, sees the deadline moved out, and re-arms
	// for the remainder instead of firing.
	f.mock.Add(500 * time.Millisecond)
	if *f.fires != 0 {
		t.Fatalf("fired before latest deadline: %d", *f.fires)
	}
	if !f.r.Armed() {
		t.Fatal("expected still armed after early check-in")
	}

	f.mock.Add(600 * time.Millisecond)
	if *f.fires != 1 {
		t.Fatalf("expected 1 fire after latest deadline, got %d", *f.fires)
	}
}

func TestLazyRearmSkipsTimerService(t *testing.T) {
	f := newFixture(t)

	f.r.Reschedule(1000 * time.Millisecond)
	f.r.Reschedule(2000 * time.Millisecond)

	// Pushing the deadline later must not touch the timer service: the
	// outstanding 1000ms registration is still earlier than the new target.
	scheduled, stopped := f.timers.counts()
	if scheduled != 1 || stopped != 0 {
		t.Fatalf("expected 1 schedule / 0 stops, got %d / %d", scheduled, stopped)
	}

	// The check-in at 1000ms re-arms once for the remainder.
	f.mock.Add(1000 * time.Millisecond)
	scheduled, _ = f.timers.counts()
	if scheduled != 2 {
		t.Fatalf("expected 2 schedules after check-in, got %d", scheduled)
	}
	if *f.fires != 0 {
		t.Fatalf("fired at old deadline: %d", *f.fires)
	}

	f.mock.Add(1000 * time.Millisecond)
	if *f.fires != 1 {
		t.Fatalf("expected 1 fire, got %d", *f.fires)
	}
}

func TestEarlierDeadlineReplacesTimer(t *testing.T) {
	f := newFixture(t)

	f.r.Reschedule(2000 * time.Millisecond)
	f.r.Reschedule(10 * time.Millisecond)

	scheduled, stopped := f.timers.counts()
	if scheduled != 2 || stopped != 1 {
		t.Fatalf("expected cancel+reschedule pair, got %d schedules / %d stops", scheduled, stopped)
	}

	f.mock.Add(20 * time.Millisecond)
	if *f.fires != 1 {
		t.Fatalf("expected fire at the earlier deadline, got %d", *f.fires)
	}
}

func TestPermanentCancelTearsDownTimer(t *testing.T) {
	f := newFixture(t)

	f.r.Reschedule(100 * time.Millisecond)
	f.r.Cancel(true)

	_, stopped := f.timers.counts()
	if stopped != 1 {
		t.Fatalf("expected timer stop, got %d", stopped)
	}
	if f.r.Armed() {
		t.Fatal("expected disarmed")
	}

	f.mock.Add(time.Hour)
	if *f.fires != 0 {
		t.Fatalf("fired after permanent cancel: %d", *f.fires)
	}
}

func TestSoftCancelLetsTimerNoop(t *testing.T) {
	f := newFixture(t)

	f.r.Reschedule(100 * time.Millisecond)
	f.r.Cancel(false)

	_, stopped := f.timers.counts()
	if stopped != 0 {
		t.Fatalf("soft cancel must not stop the timer, got %d stops", stopped)
	}

	// The pending timer fires internally, observes the disarm, and clears
	// itself without invoking the action.
	f.mock.Add(200 * time.Millisecond)
	if *f.fires != 0 {
		t.Fatalf("fired after soft cancel: %d", *f.fires)
	}

	// The instance is back to idle and re-armable.
	f.r.Reschedule(50 * time.Millisecond)
	f.mock.Add(60 * time.Millisecond)
	if *f.fires != 1 {
		t.Fatalf("expected fire after re-arm, got %d", *f.fires)
	}
}

func TestCancelIdempotent(t *testing.T) {
	f := newFixture(t)

	// Never armed: no timer-service interaction at all.
	f.r.Cancel(true)
	f.r.Cancel(true)
	f.r.Cancel(false)
	scheduled, stopped := f.timers.counts()
	if scheduled != 0 || stopped != 0 {
		t.Fatalf("unexpected timer traffic: %d schedules / %d stops", scheduled, stopped)
	}

	// Armed: the second permanent cancel finds no handle and does nothing.
	f.r.Reschedule(time.Second)
	f.r.Cancel(true)
	f.r.Cancel(true)
	_, stopped = f.timers.counts()
	if stopped != 1 {
		t.Fatalf("expected a single stop, got %d", stopped)
	}
}

func TestNonPositiveDelayFiresOnNextCheckIn(t *testing.T) {
	f := newFixture(t)

	f.r.Reschedule(-5 * time.Millisecond)
	f.mock.Add(time.Millisecond)
	if *f.fires != 1 {
		t.Fatalf("expected immediate fire for negative delay, got %d", *f.fires)
	}

	f.r.Reschedule(0)
	f.mock.Add(time.Millisecond)
	if *f.fires != 2 {
		t.Fatalf("expected immediate fire for zero delay, got %d", *f.fires)
	}
}

func TestRearmAfterFire(t *testing.T) {
	f := newFixture(t)

	for i := 1; i <= 3; i++ {
		f.r.Reschedule(100 * time.Millisecond)
		f.mock.Add(150 * time.Millisecond)
		if *f.fires != i {
			t.Fatalf("cycle %d: expected %d fires, got %d", i, i, *f.fires)
		}
	}
}

// manualTimers records scheduled callbacks and lets the test fire them by
// hand, so timer behavior can be driven without a clock.
type manualTimers struct {
	fns []func()
}

func (m *manualTimers) Schedule(delay time.Duration, fn func()) Timer {
	m.fns = append(m.fns, fn)
	return manualHandle{}
}

// fire invokes the i-th scheduled callback, swallowing an action panic the
// way a production executor would.
func (m *manualTimers) fire(i int) {
	defer func() { _ = recover() }()
	m.fns[i]()
}

type manualHandle struct{}

func (manualHandle) Stop() bool { return true }

func TestPanickingActionLeavesCleanState(t *testing.T) {
	mock := clock.NewMock()
	timers := &manualTimers{}
	calls := 0
	r := New(func() {
		calls++
		panic("action failed")
	}, inlineExec{}, timers, mock)

	r.Reschedule(10 * time.Millisecond)
	mock.Add(20 * time.Millisecond)
	timers.fire(0)

	if calls != 1 {
		t.Fatalf("expected 1 action call, got %d", calls)
	}
	if r.Armed() {
		t.Fatal("panicking action left instance armed")
	}

	// Still usable after the panic.
	r.Reschedule(10 * time.Millisecond)
	mock.Add(20 * time.Millisecond)
	timers.fire(1)
	if calls != 2 {
		t.Fatalf("expected re-arm to work after panic, got %d calls", calls)
	}
}

// recordingExec collects tasks without running them.
type recordingExec struct {
	tasks []func()
}

func (e *recordingExec) Run(fn func()) { e.tasks = append(e.tasks, fn) }

func TestTimerCallbackOnlyEnqueues(t *testing.T) {
	mock := clock.NewMock()
	timers := &manualTimers{}
	exec := &recordingExec{}
	fires := 0
	r := New(func() { fires++ }, exec, timers, mock)

	r.Reschedule(10 * time.Millisecond)
	mock.Add(20 * time.Millisecond)

	// The timer-side callback must do nothing but hop onto the executor:
	// no state change, no action, exactly one enqueued task.
	timers.fire(0)
	if len(exec.tasks) != 1 {
		t.Fatalf("expected 1 enqueued task, got %d", len(exec.tasks))
	}
	if fires != 0 {
		t.Fatal("action ran on the timer goroutine")
	}
	if !r.Armed() {
		t.Fatal("timer callback mutated state off-executor")
	}

	// Draining the executor performs the real fire.
	exec.tasks[0]()
	if fires != 1 {
		t.Fatalf("expected fire after executor drain, got %d", fires)
	}
}

// flush waits until everything submitted to q before the call has run.
func flush(t *testing.T, q *SerialQueue) {
	t.Helper()
	ch := make(chan struct{})
	q.Run(func() { close(ch) })
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not drain")
	}
}

func TestFullStackOnSerialQueue(t *testing.T) {
	q := NewSerialQueue()
	defer q.Close()

	mock := clock.NewMock()
	timers := NewTimerService(mock)

	fired := make(chan struct{}, 4)
	r := New(func() { fired <- struct{}{} }, q, timers, mock)

	q.Run(func() { r.Reschedule(50 * time.Millisecond) })
	q.Run(func() { r.Reschedule(200 * time.Millisecond) })
	flush(t, q)

	// First timer checks in early and re-arms; no fire yet.
	mock.Add(100 * time.Millisecond)
	flush(t, q)
	select {
	case <-fired:
		t.Fatal("fired before the latest deadline")
	default:
	}

	mock.Add(150 * time.Millisecond)
	flush(t, q)
	select {
	case <-fired:
	default:
		t.Fatal("expected fire after the latest deadline")
	}
}
