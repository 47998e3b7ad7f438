/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cadenza/internal/audio"
	"github.com/friendsincode/cadenza/internal/ticks"
)

func newSchedulerFixture(t *testing.T) (*Scheduler, *ChainPool, *BufferManager) {
	t.Helper()
	buffers := NewBufferManager(1024, 16, 32, 44100, ticks.FromSamples(64, 44100), zerolog.Nop())
	pool := NewChainPool(4, audio.DefaultRegistry(), buffers, 44100, zerolog.Nop())
	sched := NewScheduler(5*time.Millisecond, zerolog.Nop())
	return sched, pool, buffers
}

func TestSchedulerPriorityOrdering(t *testing.T) {
	sched, pool, _ := newSchedulerFixture(t)

	low := pool.Acquire()
	low.Assign(uuid.New(), "/no/such/low.wav", ticks.PassageTiming{}, nil)
	high := pool.Acquire()
	high.Assign(uuid.New(), "/no/such/high.wav", ticks.PassageTiming{}, nil)

	sched.Submit(low, PriorityPrefetch)
	sched.Submit(high, PriorityImmediate)

	first := sched.next()
	if first == nil || first.chain != high {
		t.Fatal("immediate work must run before prefetch")
	}
	second := sched.next()
	if second == nil || second.chain != low {
		t.Fatal("prefetch should follow")
	}
}

func TestSchedulerFIFOWithinPriority(t *testing.T) {
	sched, pool, _ := newSchedulerFixture(t)

	a := pool.Acquire()
	a.Assign(uuid.New(), "/no/such/a.wav", ticks.PassageTiming{}, nil)
	b := pool.Acquire()
	b.Assign(uuid.New(), "/no/such/b.wav", ticks.PassageTiming{}, nil)

	sched.Submit(a, PriorityNext)
	sched.Submit(b, PriorityNext)

	if got := sched.next(); got.chain != a {
		t.Fatal("equal priority must run in submission order")
	}
	if got := sched.next(); got.chain != b {
		t.Fatal("second submission should follow")
	}
}

func TestSchedulerPromote(t *testing.T) {
	sched, pool, _ := newSchedulerFixture(t)

	a := pool.Acquire()
	aID := uuid.New()
	a.Assign(aID, "/no/such/a.wav", ticks.PassageTiming{}, nil)
	b := pool.Acquire()
	b.Assign(uuid.New(), "/no/such/b.wav", ticks.PassageTiming{}, nil)

	sched.Submit(b, PriorityNext)
	sched.Submit(a, PriorityPrefetch)
	sched.Promote(aID, PriorityImmediate)

	if got := sched.next(); got.chain != a {
		t.Fatal("promoted work must run first")
	}
	if got := sched.next(); got.priority != PriorityNext {
		t.Fatal("promotion must not touch other requests")
	}
}

func TestSchedulerCancel(t *testing.T) {
	sched, pool, _ := newSchedulerFixture(t)

	a := pool.Acquire()
	aID := uuid.New()
	a.Assign(aID, "/no/such/a.wav", ticks.PassageTiming{}, nil)
	sched.Submit(a, PriorityNext)

	sched.Cancel(aID)
	queued, parked := sched.Pending()
	if queued != 0 || parked != 0 {
		t.Fatalf("Pending after cancel = %d, %d", queued, parked)
	}
}

func TestSchedulerReportsOpenFailure(t *testing.T) {
	sched, pool, _ := newSchedulerFixture(t)

	chain := pool.Acquire()
	id := uuid.New()
	chain.Assign(id, "/no/such/file.wav", ticks.PassageTiming{}, nil)

	done := make(chan error, 1)
	sched.SetCompletionFunc(func(entryID uuid.UUID, err error) {
		if entryID == id {
			done <- err
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	sched.Submit(chain, PriorityImmediate)

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("open of a missing file should surface an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler never reported completion")
	}
	cancel()
	sched.Stop()
}

func TestSchedulerParkedChainResumes(t *testing.T) {
	sched, pool, buffers := newSchedulerFixture(t)

	chain := pool.Acquire()
	id := uuid.New()
	chain.Assign(id, "/no/such/a.wav", ticks.PassageTiming{}, nil)
	ring := buffers.Get(id)

	// Fill the ring so the chain must park, then park it manually.
	ring.Push(make([]Frame, 1024))
	sched.park(&decodeRequest{chain: chain, priority: PriorityNext})

	sched.unparkReady()
	if queued, parked := sched.Pending(); queued != 0 || parked != 1 {
		t.Fatalf("full ring should keep the chain parked: %d queued, %d parked", queued, parked)
	}

	// Drain past headroom+hysteresis and recheck.
	ring.Pop(make([]Frame, 512))
	sched.unparkReady()
	if queued, parked := sched.Pending(); queued != 1 || parked != 0 {
		t.Fatalf("drained ring should requeue the chain: %d queued, %d parked", queued, parked)
	}
}
