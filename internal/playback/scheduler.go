/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Priority orders decode work. Higher values preempt lower ones between
// chunks; within a priority, requests run in submission order.
type Priority int

const (
	// PriorityPrefetch fills buffers for queued passages.
	PriorityPrefetch Priority = iota
	// PriorityNext fills the next passage ahead of a crossfade.
	PriorityNext
	// PriorityImmediate fills the passage the listener is waiting on.
	PriorityImmediate
)

func (p Priority) String() string {
	switch p {
	case PriorityImmediate:
		return "immediate"
	case PriorityNext:
		return "next"
	default:
		return "prefetch"
	}
}

type decodeRequest struct {
	chain    *DecoderChain
	priority Priority
	seq      int64
}

type requestHeap []*decodeRequest

func (h requestHeap) Len() int { return len(h) }
func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *requestHeap) Push(x any)   { *h = append(*h, x.(*decodeRequest)) }
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// Scheduler runs all decode work on a single goroutine. Decoding is CPU
// bound and the playout rings absorb bursts, so one worker keeps cache
// behavior predictable and makes priority preemption trivial: the worker
// checks for higher-priority work between chunks, never mid-chunk.
//
// A chain whose ring fills is parked, not dropped; parked chains rejoin the
// heap once their ring drains past the resume threshold, checked on every
// work-period tick and on explicit wakes.
type Scheduler struct {
	mu     sync.Mutex
	heap   requestHeap
	parked []*decodeRequest
	seq    int64

	wake       chan struct{}
	workPeriod time.Duration
	logger     zerolog.Logger
	wg         sync.WaitGroup

	onDone func(entryID uuid.UUID, err error)
}

// NewScheduler builds a stopped scheduler. workPeriod bounds how long a
// parked chain waits before its resume condition is rechecked.
func NewScheduler(workPeriod time.Duration, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		wake:       make(chan struct{}, 1),
		workPeriod: workPeriod,
		logger:     logger.With().Str("component", "scheduler").Logger(),
	}
}

// SetCompletionFunc registers a callback invoked on the worker goroutine
// when a chain finishes or fails. Must be called before Start.
func (s *Scheduler) SetCompletionFunc(fn func(entryID uuid.UUID, err error)) {
	s.onDone = fn
}

// Submit queues a chain for decoding at the given priority.
func (s *Scheduler) Submit(chain *DecoderChain, priority Priority) {
	s.mu.Lock()
	s.seq++
	heap.Push(&s.heap, &decodeRequest{chain: chain, priority: priority, seq: s.seq})
	s.mu.Unlock()
	s.Wake()
}

// Promote raises the priority of pending or parked work for a queue entry.
// Lowering is ignored; promotion happens when queue positions shift.
func (s *Scheduler) Promote(entryID uuid.UUID, priority Priority) {
	s.mu.Lock()
	changed := false
	for i, req := range s.heap {
		if req.chain.EntryID() == entryID && req.priority < priority {
			req.priority = priority
			heap.Fix(&s.heap, i)
			changed = true
		}
	}
	for _, req := range s.parked {
		if req.chain.EntryID() == entryID && req.priority < priority {
			req.priority = priority
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.Wake()
	}
}

// Cancel drops pending and parked work for a queue entry. The chain itself
// is released by the caller.
func (s *Scheduler) Cancel(entryID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	filtered := s.heap[:0]
	for _, req := range s.heap {
		if req.chain.EntryID() != entryID {
			filtered = append(filtered, req)
		}
	}
	s.heap = filtered
	heap.Init(&s.heap)

	parked := s.parked[:0]
	for _, req := range s.parked {
		if req.chain.EntryID() != entryID {
			parked = append(parked, req)
		}
	}
	s.parked = parked
}

// Wake nudges the worker to re-examine the heap and parked chains.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start launches the worker goroutine. It exits when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop waits for the worker to exit after its context is cancelled.
func (s *Scheduler) Stop() { s.wg.Wait() }

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.workPeriod)
	defer ticker.Stop()

	for {
		req := s.next()
		if req == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			case <-ticker.C:
				s.unparkReady()
			}
			continue
		}

		status, err := req.chain.DecodeChunk()
		switch status {
		case DecodeProgress:
			// Yield between chunks if something more urgent arrived.
			s.requeue(req)
		case DecodeYielded:
			s.park(req)
		case DecodeDone:
			// A request cancelled after it was popped finishes against a
			// released chain; that is a late duplicate, not a failure.
			if err == ErrChainNotAssigned {
				break
			}
			if s.onDone != nil {
				s.onDone(req.chain.EntryID(), err)
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// next pops the highest-priority request, first folding in any parked
// chains whose rings have drained enough to resume.
func (s *Scheduler) next() *decodeRequest {
	s.unparkReady()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return nil
	}
	return heap.Pop(&s.heap).(*decodeRequest)
}

func (s *Scheduler) requeue(req *decodeRequest) {
	s.mu.Lock()
	heap.Push(&s.heap, req)
	s.mu.Unlock()
}

func (s *Scheduler) park(req *decodeRequest) {
	s.mu.Lock()
	s.parked = append(s.parked, req)
	s.mu.Unlock()
}

func (s *Scheduler) unparkReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := s.parked[:0]
	for _, req := range s.parked {
		ring := req.chain.Ring()
		if ring != nil && ring.CanResume() {
			heap.Push(&s.heap, req)
			continue
		}
		if req.chain.State() == ChainUnassigned || req.chain.State() == ChainExhausted {
			continue
		}
		remaining = append(remaining, req)
	}
	s.parked = remaining
}

// Pending returns queued plus parked request counts, for diagnostics.
func (s *Scheduler) Pending() (queued, parked int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap), len(s.parked)
}
