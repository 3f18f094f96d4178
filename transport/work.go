package transport

import (
	"sync"
	"sync/atomic"
)

// Scheduler runs work items sequentially on one background goroutine. Queue
// callbacks hand off to it so the signalling context stays short.
type Scheduler struct {
	ch   chan *WorkItem
	done chan struct{}
	stop sync.Once
}

// WorkItem is a schedulable unit of deferred work. An item already scheduled
// and not yet started is not queued twice.
type WorkItem struct {
	fn      func()
	pending atomic.Bool
	s       *Scheduler
}

// NewScheduler starts a scheduler with its drain goroutine.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		ch:   make(chan *WorkItem, 128),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Scheduler) loop() {
	for {
		select {
		case <-s.done:
			return
		case item := <-s.ch:
			// Clear before running so a re-schedule during execution is
			// honored with another pass.
			item.pending.Store(false)
			item.fn()
		}
	}
}

// NewItem binds a function to this scheduler.
func (s *Scheduler) NewItem(fn func()) *WorkItem {
	return &WorkItem{fn: fn, s: s}
}

// Schedule queues the item. Returns false if it was already pending or the
// scheduler has stopped.
func (w *WorkItem) Schedule() bool {
	if !w.pending.CompareAndSwap(false, true) {
		return false
	}
	select {
	case w.s.ch <- w:
		return true
	case <-w.s.done:
		w.pending.Store(false)
		return false
	}
}

// Stop terminates the drain goroutine. Items scheduled afterwards are
// dropped.
func (s *Scheduler) Stop() {
	s.stop.Do(func() { close(s.done) })
}
