package rescheduler

import (
	"sync"
	"testing"
	"time"
)

func TestSerialQueueRunsInOrder(t *testing.T) {
	q := NewSerialQueue()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		q.Run(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	q.Close()

	if len(got) != 100 {
		t.Fatalf("expected 100 tasks, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("out of order at %d: got %d", i, v)
		}
	}
}

func TestSerialQueueCloseDrains(t *testing.T) {
	q := NewSerialQueue()

	done := false
	q.Run(func() { time.Sleep(10 * time.Millisecond) })
	q.Run(func() { done = true })
	q.Close()

	// Close returned, so the worker has drained; no lock needed.
	if !done {
		t.Fatal("Close returned before submitted tasks ran")
	}
}

func TestSerialQueueRunAfterCloseDropped(t *testing.T) {
	q := NewSerialQueue()
	q.Close()

	ran := false
	q.Run(func() { ran = true })
	time.Sleep(10 * time.Millisecond)
	if ran {
		t.Fatal("task ran after Close")
	}

	// Double Close must not hang or panic.
	q.Close()
}

func TestSerialQueueSubmitFromTask(t *testing.T) {
	q := NewSerialQueue()

	ch := make(chan int, 2)
	submitted := make(chan struct{})
	q.Run(func() {
		ch <- 1
		q.Run(func() { ch <- 2 })
		close(submitted)
	})
	<-submitted
	q.Close()

	if v := <-ch; v != 1 {
		t.Fatalf("expected 1, got %d", v)
	}
	select {
	case v := <-ch:
		if v != 2 {
			t.Fatalf("expected 2, got %d", v)
		}
	default:
		t.Fatal("nested task did not run before Close returned")
	}
}

func TestSerialQueueSurvivesPanic(t *testing.T) {
	q := NewSerialQueue()

	var mu sync.Mutex
	var panics []any
	q.SetPanicHandler(func(v any, stack []byte) {
		mu.Lock()
		panics = append(panics, v)
		mu.Unlock()
		if len(stack) == 0 {
			t.Error("empty stack in panic handler")
		}
	})

	q.Run(func() { panic("boom") })
	ran := false
	q.Run(func() { ran = true })
	q.Close()

	if !ran {
		t.Fatal("worker died after panic")
	}
	if len(panics) != 1 || panics[0] != "boom" {
		t.Fatalf("unexpected panic handler calls: %v", panics)
	}
}
