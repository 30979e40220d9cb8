// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package scheduler fires deferred background flushes. A timer-wheel
// package is the usual reach for many small, independently-cancellable
// timeouts, but a single min-heap driven by one shared time.Timer serves
// just as well here and needs no extra dependency: one shared timer
// serving many tablets, rather than one goroutine or *time.Timer per
// tablet, keeps the scheduler's footprint flat as the number of buffered
// tablets grows.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord"
)

type entry struct {
	at    time.Time
	fn    func()
	index int // heap index; -1 once removed
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Handle cancels its scheduled task. Cancelling an already-fired or
// already-cancelled task is a no-op.
type Handle struct {
	s *Scheduler
	e *entry
}

// Cancel removes the task from the schedule if it hasn't fired yet.
func (h Handle) Cancel() {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.s.stopped || h.e.index < 0 {
		return
	}
	heap.Remove(&h.s.entries, h.e.index)
	h.s.rearm()
}

// Scheduler is a single min-heap of pending tasks driven by one shared
// *time.Timer, so registering many concurrent small timeouts costs one
// timer reset each rather than one goroutine each.
type Scheduler struct {
	mu      sync.Mutex
	entries entryHeap
	timer   *time.Timer
	stopped bool
	quit    chan struct{}
}

// New returns a running Scheduler. Call Stop to release its timer and exit
// its driving goroutine.
func New() *Scheduler {
	s := &Scheduler{timer: time.NewTimer(time.Hour), quit: make(chan struct{})}
	s.timer.Stop()
	go s.loop()
	return s
}

var _ kvcoord.Scheduler = (*Scheduler)(nil)

// After schedules fn to run once, delay from now. fn runs on the
// Scheduler's own goroutine, so it must not block or acquire locks the
// caller might be holding.
func (s *Scheduler) After(delay time.Duration, fn func()) kvcoord.SchedulerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &entry{at: time.Now().Add(delay), fn: fn}
	if s.stopped {
		return Handle{s: s, e: e}
	}
	heap.Push(&s.entries, e)
	s.rearm()
	return Handle{s: s, e: e}
}

// Stop cancels every pending task and releases the driving timer. After
// Stop, After still accepts registrations but they never fire.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.entries = nil
	s.timer.Stop()
	close(s.quit)
}

// rearm resets the timer to fire at the next pending entry's deadline, or
// leaves it stopped if the heap is empty. Must be called with mu held.
func (s *Scheduler) rearm() {
	s.timer.Stop()
	select {
	case <-s.timer.C:
	default:
	}
	if len(s.entries) == 0 {
		return
	}
	d := time.Until(s.entries[0].at)
	if d < 0 {
		d = 0
	}
	s.timer.Reset(d)
}

func (s *Scheduler) loop() {
	for {
		select {
		case <-s.timer.C:
			s.fireDue()
		case <-s.quit:
			return
		}
	}
}

func (s *Scheduler) fireDue() {
	s.mu.Lock()
	now := time.Now()
	var due []*entry
	for len(s.entries) > 0 && !s.entries[0].at.After(now) {
		due = append(due, heap.Pop(&s.entries).(*entry))
	}
	s.rearm()
	s.mu.Unlock()

	for _, e := range due {
		e.fn()
	}
}
