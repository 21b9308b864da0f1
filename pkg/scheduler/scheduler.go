// Copyright 2025 The Kestrel Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler implements a debounced delayed queue of object
// references. The queue holds at most one pending entry per reference;
// duplicate requests coalesce to the earliest deadline unless explicitly
// overridden, and releases come out in non-decreasing deadline order.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/kestrel-run/kestrel/pkg/cache"
)

// Reason classifies a schedule request and decides the coalescing rule.
type Reason string

const (
	// ReasonTrigger marks a routine re-reconcile request: if an entry is
	// already pending, the earlier of the two deadlines wins.
	ReasonTrigger Reason = "trigger"
	// ReasonExplicit marks a requeue-after or backoff request: the new
	// deadline always replaces the pending one.
	ReasonExplicit Reason = "explicit"
)

// item is one pending entry in the heap. index is maintained by the heap
// operations so Schedule and Cancel can fix or remove entries in O(log n).
// releasing marks an item popped from the heap but not yet received by the
// consumer; it stays registered in the index so requests arriving during the
// handoff coalesce into the parked release instead of creating a duplicate.
type item struct {
	ref       cache.ObjectRef
	readyAt   time.Time
	index     int
	releasing bool
}

type pendingHeap []*item

func (h pendingHeap) Len() int            { return len(h) }
func (h pendingHeap) Less(i, j int) bool  { return h[i].readyAt.Before(h[j].readyAt) }
func (h pendingHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *pendingHeap) Push(x any) { it := x.(*item); it.index = len(*h); *h = append(*h, it) }
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Scheduler is a delayed, deduplicating work queue keyed by ObjectRef.
// Schedule and Cancel may be called from any goroutine; Run must be called
// exactly once and owns the release loop.
type Scheduler struct {
	log   logr.Logger
	clock clock.Clock

	mu      sync.Mutex
	pending pendingHeap
	index   map[cache.ObjectRef]*item

	wake     chan struct{}
	released chan cache.ObjectRef
}

// New creates a Scheduler on the real clock.
func New(log logr.Logger) *Scheduler {
	return NewWithClock(log, clock.RealClock{})
}

// NewWithClock creates a Scheduler on the given clock. Tests use a fake
// clock to step through deadlines deterministically.
func NewWithClock(log logr.Logger, c clock.Clock) *Scheduler {
	return &Scheduler{
		log:      log.WithName("scheduler"),
		clock:    c,
		index:    make(map[cache.ObjectRef]*item),
		wake:     make(chan struct{}, 1),
		released: make(chan cache.ObjectRef),
	}
}

// Schedule inserts or merges a pending entry for ref due after delay.
// A ReasonTrigger request keeps the earlier of the existing and the new
// deadline; a ReasonExplicit request always installs the new deadline.
func (s *Scheduler) Schedule(ref cache.ObjectRef, delay time.Duration, reason Reason) {
	readyAt := s.clock.Now().Add(delay)

	s.mu.Lock()
	if it, ok := s.index[ref]; ok {
		switch {
		case it.releasing:
			// A release for ref is mid-handoff to the consumer; this
			// request coalesces into it.
		case reason == ReasonExplicit || readyAt.Before(it.readyAt):
			it.readyAt = readyAt
			heap.Fix(&s.pending, it.index)
		}
	} else {
		it := &item{ref: ref, readyAt: readyAt}
		heap.Push(&s.pending, it)
		s.index[ref] = it
	}
	s.mu.Unlock()

	scheduledTotal.WithLabelValues(string(reason)).Inc()
	s.poke()
}

// Cancel drops the pending entry for ref, if any. An entry mid-handoff or
// already released to the consumer is unaffected.
func (s *Scheduler) Cancel(ref cache.ObjectRef) {
	s.mu.Lock()
	if it, ok := s.index[ref]; ok && !it.releasing {
		heap.Remove(&s.pending, it.index)
		delete(s.index, ref)
	}
	s.mu.Unlock()
	s.poke()
}

// Released returns the output stream of due references. The channel is
// unbuffered; a slow consumer delays releases but never loses them. It is
// closed when Run returns.
func (s *Scheduler) Released() <-chan cache.ObjectRef {
	return s.released
}

// Len returns the number of pending entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Run releases due entries until ctx is cancelled, suspending on a timer
// until the earliest deadline or until a new request rearranges the heap.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.released)

	for {
		s.mu.Lock()
		var (
			timer  clock.Timer
			waitCh <-chan time.Time
		)
		if len(s.pending) > 0 {
			next := s.pending[0]
			now := s.clock.Now()
			if !next.readyAt.After(now) {
				it := heap.Pop(&s.pending).(*item)
				it.releasing = true
				pendingGauge.Set(float64(len(s.pending)))
				s.mu.Unlock()

				select {
				case s.released <- it.ref:
					// Unregister only after the consumer has the ref, so a
					// burst arriving mid-handoff collapses into this release.
					s.mu.Lock()
					if cur, ok := s.index[it.ref]; ok && cur == it {
						delete(s.index, it.ref)
					}
					s.mu.Unlock()
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			timer = s.clock.NewTimer(next.readyAt.Sub(now))
			waitCh = timer.C()
		}
		pendingGauge.Set(float64(len(s.pending)))
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-waitCh:
		}
	}
}

// poke nudges the release loop to re-evaluate the earliest deadline.
func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
