package sched

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestAfterFires(t *testing.T) {
	s := New()
	var fired atomic.Int32
	done := make(chan struct{})
	s.After(10*time.Millisecond, func() {
		fired.Add(1)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not fire")
	}
	if fired.Load() != 1 {
		t.Fatalf("fired %d times, want 1", fired.Load())
	}
	if s.Pending() != 0 {
		t.Fatalf("pending = %d after fire, want 0", s.Pending())
	}
}

func TestCancelPreventsFire(t *testing.T) {
	s := New()
	var fired atomic.Int32
	task := s.After(20*time.Millisecond, func() { fired.Add(1) })
	task.Cancel()
	task.Cancel() // idempotent
	time.Sleep(60 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("cancelled task fired")
	}
	if s.Pending() != 0 {
		t.Fatalf("pending = %d after cancel, want 0", s.Pending())
	}
}

func TestCancelAll(t *testing.T) {
	s := New()
	var fired atomic.Int32
	for i := 0; i < 5; i++ {
		s.After(30*time.Millisecond, func() { fired.Add(1) })
	}
	if s.Pending() != 5 {
		t.Fatalf("pending = %d, want 5", s.Pending())
	}
	s.CancelAll()
	time.Sleep(80 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("%d tasks fired after CancelAll", fired.Load())
	}
	if s.Pending() != 0 {
		t.Fatalf("pending = %d after CancelAll, want 0", s.Pending())
	}
}
