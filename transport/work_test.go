package transport

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkItem_RunsScheduledWork(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	done := make(chan struct{})
	item := s.NewItem(func() { close(done) })

	if !item.Schedule() {
		t.Fatal("Schedule should succeed")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("work did not run")
	}
}

func TestWorkItem_DedupesWhilePending(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var runs atomic.Int64
	release := make(chan struct{})
	var wg sync.WaitGroup

	// First item blocks the scheduler goroutine so the second stays pending.
	blocker := s.NewItem(func() { <-release })
	wg.Add(1)
	item := s.NewItem(func() {
		runs.Add(1)
		wg.Done()
	})

	blocker.Schedule()
	if !item.Schedule() {
		t.Fatal("first Schedule should succeed")
	}
	if item.Schedule() {
		t.Error("second Schedule should report already pending")
	}

	close(release)
	wg.Wait()

	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
}

func TestWorkItem_RescheduleDuringRunGetsAnotherPass(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var runs atomic.Int64
	done := make(chan struct{})

	var item *WorkItem
	item = s.NewItem(func() {
		if runs.Add(1) == 1 {
			// Pending was cleared before entry, so this queues a second pass.
			if !item.Schedule() {
				t.Error("reschedule during run should succeed")
			}
			return
		}
		close(done)
	})

	item.Schedule()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second pass did not run")
	}
	if got := runs.Load(); got != 2 {
		t.Errorf("runs = %d, want 2", got)
	}
}

func TestScheduler_StopDropsNewWork(t *testing.T) {
	s := NewScheduler()
	s.Stop()
	s.Stop() // idempotent

	item := s.NewItem(func() { t.Error("work ran after Stop") })
	item.Schedule()
	time.Sleep(10 * time.Millisecond)
}
