// Package sched provides cancellable single-shot timers tracked as a group.
// Restart waits and follow-up replies are scheduled through it so that
// "cancel this one" and "cancel everything pending" are both O(1)-per-task
// operations instead of chased callback chains.
package sched

import (
	"sync"
	"time"
)

// Task is a handle for one pending single-shot execution.
type Task struct {
	s     *Scheduler
	timer *time.Timer

	mu    sync.Mutex
	done  bool
}

// Cancel stops the task if it has not fired yet. Safe to call multiple times
// and after the task has fired.
func (t *Task) Cancel() {
	t.mu.Lock()
	already := t.done
	t.done = true
	t.mu.Unlock()
	if already {
		return
	}
	t.timer.Stop()
	t.s.remove(t)
}

// markFired flags the task as executed; returns false when it was cancelled
// between the timer firing and the callback running.
func (t *Task) markFired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Scheduler owns a set of pending tasks.
type Scheduler struct {
	mu      sync.Mutex
	pending map[*Task]struct{}
}

func New() *Scheduler {
	return &Scheduler{pending: make(map[*Task]struct{})}
}

// After schedules fn to run once after d. The callback runs on its own
// goroutine (timer goroutine); fn is responsible for its own locking.
func (s *Scheduler) After(d time.Duration, fn func()) *Task {
	t := &Task{s: s}
	t.timer = time.AfterFunc(d, func() {
		if !t.markFired() {
			return
		}
		s.remove(t)
		fn()
	})
	s.mu.Lock()
	s.pending[t] = struct{}{}
	s.mu.Unlock()
	return t
}

func (s *Scheduler) remove(t *Task) {
	s.mu.Lock()
	delete(s.pending, t)
	s.mu.Unlock()
}

// CancelAll cancels every pending task.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.pending))
	for t := range s.pending {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()
	for _, t := range tasks {
		t.Cancel()
	}
}

// Pending returns the number of tasks that have not fired or been cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
