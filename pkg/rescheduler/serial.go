package rescheduler

import (
	"runtime/debug"
	"sync"
)

// Executor runs functions. Rescheduler requires an executor that runs them
// one at a time, in submission order, on a single logical goroutine.
type Executor interface {
	Run(fn func())
}

// SerialQueue is a single-consumer FIFO task queue: one worker goroutine
// drains submitted functions in order. It is the confinement executor for
// Rescheduler — everything that touches rescheduler state runs here.
//
// The queue is unbounded. Submitting never blocks and never drops while the
// queue is open; after Close, Run is a no-op.
type SerialQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	closed  bool
	done    chan struct{}
	onPanic func(v any, stack []byte)
}

// NewSerialQueue creates the queue and starts its worker goroutine.
func NewSerialQueue() *SerialQueue {
	q := &SerialQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

// SetPanicHandler installs a handler invoked when a submitted function
// panics. Without a handler panics are swallowed so the worker survives.
// Must be set before tasks that may panic are submitted.
func (q *SerialQueue) SetPanicHandler(fn func(v any, stack []byte)) {
	q.mu.Lock()
	q.onPanic = fn
	q.mu.Unlock()
}

// Run submits fn to the queue. Safe to call from any goroutine, including
// from within a running task. Calls after Close are dropped.
func (q *SerialQueue) Run(fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
	q.cond.Signal()
}

// Close stops accepting new tasks, waits for already-submitted tasks to
// finish, then returns. Safe to call more than once.
func (q *SerialQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Signal()
	<-q.done
}

func (q *SerialQueue) loop() {
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			// closed and drained
			q.mu.Unlock()
			close(q.done)
			return
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		handler := q.onPanic
		q.mu.Unlock()

		invoke(fn, handler)
	}
}

func invoke(fn func(), onPanic func(v any, stack []byte)) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(r, debug.Stack())
		}
	}()
	fn()
}
