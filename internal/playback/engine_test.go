/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cadenza/internal/config"
	"github.com/friendsincode/cadenza/internal/events"
	"github.com/friendsincode/cadenza/internal/ticks"
)

func testConfig() *config.Config {
	return &config.Config{
		SampleRate:          44100,
		MaxChains:           4,
		BufferCapacity:      8192,
		BufferHeadroom:      64,
		ResumeHysteresis:    128,
		MinStartLevel:       10 * time.Millisecond,
		WatchdogInterval:    100 * time.Millisecond,
		DecodeWorkPeriod:    20 * time.Millisecond,
		DedupWindow:         5 * time.Second,
		DefaultCrossfade:    5 * time.Second,
		PositionInterval:    time.Second,
		MasterVolume:        1.0,
		DeviceRetryAttempts: 1,
		DeviceRetryBackoff:  10 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(testConfig(), nil, events.NewBus(), zerolog.Nop())
}

// touch creates an empty file an Enqueue stat check will accept.
func touch(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEngineEnqueueMissingFile(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Enqueue("/nonexistent/file.flac", ticks.PassageTiming{}, "", ""); err == nil {
		t.Fatal("enqueue of a missing file should fail")
	}
}

func TestEngineRemoveIdempotent(t *testing.T) {
	e := newTestEngine(t)
	id, err := e.Enqueue(touch(t, "a.wav"), ticks.PassageTiming{}, "a", "")
	if err != nil {
		t.Fatal(err)
	}

	if !e.Remove(id) {
		t.Fatal("first Remove should succeed")
	}
	if e.Remove(id) {
		t.Fatal("second Remove must be a no-op")
	}
	if e.Remove(uuid.New()) {
		t.Fatal("Remove of unknown id must be a no-op")
	}
}

func TestEngineCompletionDedup(t *testing.T) {
	e := newTestEngine(t)
	a, _ := e.Enqueue(touch(t, "a.wav"), ticks.PassageTiming{}, "a", "")
	b, _ := e.Enqueue(touch(t, "b.wav"), ticks.PassageTiming{}, "b", "")
	c, _ := e.Enqueue(touch(t, "c.wav"), ticks.PassageTiming{}, "c", "")

	if e.queue.Current().ID != a {
		t.Fatal("setup: a should be current")
	}

	// The same completion arrives several times: marker, end-of-file, a
	// racing removal. Only the first advances.
	e.mu.Lock()
	e.completeLocked(a, MarkerPassageComplete)
	e.completeLocked(a, MarkerEndOfFile)
	e.completeLocked(a, MarkerEndOfFile)
	e.mu.Unlock()

	if e.queue.Current().ID != b {
		t.Errorf("current = %v, want b (%v)", e.queue.Current().ID, b)
	}
	if e.queue.Next().ID != c {
		t.Errorf("next = %v, want c (%v)", e.queue.Next().ID, c)
	}
	if e.queue.Len() != 2 {
		t.Errorf("queue length = %d, want 2: duplicate completion advanced the queue", e.queue.Len())
	}
}

func TestEngineCompletionPromotesInOrder(t *testing.T) {
	e := newTestEngine(t)
	x, _ := e.Enqueue(touch(t, "x.wav"), ticks.PassageTiming{}, "x", "")
	y, _ := e.Enqueue(touch(t, "y.wav"), ticks.PassageTiming{}, "y", "")
	a, _ := e.Enqueue(touch(t, "a.wav"), ticks.PassageTiming{}, "a", "")
	b, _ := e.Enqueue(touch(t, "b.wav"), ticks.PassageTiming{}, "b", "")
	_ = x

	e.mu.Lock()
	e.completeLocked(e.queue.Current().ID, MarkerEndOfFile)
	e.mu.Unlock()

	if e.queue.Current().ID != y {
		t.Errorf("current = %v, want y", e.queue.Current().ID)
	}
	if e.queue.Next().ID != a {
		t.Errorf("next = %v, want a", e.queue.Next().ID)
	}
	queued := e.queue.Queued()
	if len(queued) != 1 || queued[0].ID != b {
		t.Errorf("queued = %v, want [b]", queued)
	}
}

func TestEngineRemoveCurrentReleasesResources(t *testing.T) {
	e := newTestEngine(t)
	id, _ := e.Enqueue(touch(t, "a.wav"), ticks.PassageTiming{}, "a", "")

	// Enqueue assigned a chain and allocated a buffer.
	if e.chains.ForEntry(id) == nil {
		t.Fatal("setup: entry should hold a chain")
	}
	if e.buffers.Get(id) == nil {
		t.Fatal("setup: entry should hold a buffer")
	}

	e.Remove(id)

	if e.chains.ForEntry(id) != nil {
		t.Error("chain not released after removal")
	}
	if e.buffers.Get(id) != nil {
		t.Error("buffer not released after removal")
	}
	if e.queue.Len() != 0 {
		t.Errorf("queue length = %d, want 0", e.queue.Len())
	}
}

func TestEngineSkipOnEmptyQueue(t *testing.T) {
	e := newTestEngine(t)
	if e.Skip() {
		t.Fatal("skip with nothing playing should report false")
	}
}

func TestEngineVolumeBounds(t *testing.T) {
	e := newTestEngine(t)
	if err := e.SetVolume(1.5); err == nil {
		t.Error("volume above 1 should be rejected")
	}
	if err := e.SetVolume(-0.1); err == nil {
		t.Error("negative volume should be rejected")
	}
	if err := e.SetVolume(0.35); err != nil {
		t.Errorf("valid volume rejected: %v", err)
	}
	if v := e.Volume(); v < 0.349 || v > 0.351 {
		t.Errorf("Volume = %v, want 0.35", v)
	}
}

func TestEngineStatusSnapshot(t *testing.T) {
	e := newTestEngine(t)
	s := e.GetStatus()
	if s.State != "idle" {
		t.Errorf("state = %q, want idle", s.State)
	}
	if !s.Playing {
		t.Error("engine should default to playing")
	}
	if s.QueueLength != 0 {
		t.Errorf("queue length = %d", s.QueueLength)
	}
}

func TestWatchdogSilentOnHealthyEngine(t *testing.T) {
	bus := events.NewBus()
	e := NewEngine(testConfig(), nil, bus, zerolog.Nop())
	sub := bus.Subscribe(events.EventWatchdogIntervention)

	// Healthy states: empty engine, and an entry mid-decode with a chain
	// assigned and buffer allocated.
	w := newWatchdog(e, 100*time.Millisecond)
	w.check()

	e.Enqueue(touch(t, "a.wav"), ticks.PassageTiming{}, "a", "")
	w.check()
	w.check()

	select {
	case ev := <-sub:
		t.Fatalf("watchdog intervened on a healthy engine: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchdogRecoversMissingDecode(t *testing.T) {
	bus := events.NewBus()
	e := NewEngine(testConfig(), nil, bus, zerolog.Nop())
	sub := bus.Subscribe(events.EventWatchdogIntervention)

	id, _ := e.Enqueue(touch(t, "a.wav"), ticks.PassageTiming{}, "a", "")

	// Simulate a lost decode trigger: strip the chain and buffer while the
	// entry stays current.
	e.mu.Lock()
	e.scheduler.Cancel(id)
	if c := e.chains.ForEntry(id); c != nil {
		c.Release()
	}
	e.buffers.Remove(id)
	e.mu.Unlock()

	w := newWatchdog(e, 100*time.Millisecond)
	w.check()

	select {
	case ev := <-sub:
		if ev["kind"] != "missing_decode" {
			t.Fatalf("intervention kind = %v, want missing_decode", ev["kind"])
		}
	case <-time.After(time.Second):
		t.Fatal("watchdog did not intervene")
	}

	if e.chains.ForEntry(id) == nil {
		t.Error("watchdog should have re-assigned a decoder chain")
	}
}

func TestWatchdogRecoversMissingPrefetch(t *testing.T) {
	bus := events.NewBus()
	e := NewEngine(testConfig(), nil, bus, zerolog.Nop())
	sub := bus.Subscribe(events.EventWatchdogIntervention)

	cur, _ := e.Enqueue(touch(t, "a.wav"), ticks.PassageTiming{}, "a", "")
	next, _ := e.Enqueue(touch(t, "b.wav"), ticks.PassageTiming{}, "b", "")

	// The current entry keeps its chain; only the next entry's decode
	// trigger goes missing.
	e.mu.Lock()
	e.scheduler.Cancel(next)
	if c := e.chains.ForEntry(next); c != nil {
		c.Release()
	}
	e.buffers.Remove(next)
	e.mu.Unlock()

	if e.chains.ForEntry(cur) == nil {
		t.Fatal("setup: current entry must stay healthy")
	}

	w := newWatchdog(e, 100*time.Millisecond)
	w.check()

	select {
	case ev := <-sub:
		if ev["kind"] != "missing_prefetch" {
			t.Fatalf("intervention kind = %v, want missing_prefetch", ev["kind"])
		}
	case <-time.After(time.Second):
		t.Fatal("watchdog did not intervene for the next entry")
	}

	if e.chains.ForEntry(next) == nil {
		t.Error("watchdog should have restored decode for the next entry")
	}
}

func TestLateCancelledDecodeIsSilent(t *testing.T) {
	bus := events.NewBus()
	e := NewEngine(testConfig(), nil, bus, zerolog.Nop())
	errSub := bus.Subscribe(events.EventPlaybackError)

	id, _ := e.Enqueue(touch(t, "a.wav"), ticks.PassageTiming{}, "a", "")

	// The worker pops the request, then the entry is removed before the
	// chunk runs: the chunk finishes against a released chain.
	req := e.scheduler.next()
	if req == nil {
		t.Fatal("setup: decode request should be queued")
	}
	if !e.Remove(id) {
		t.Fatal("setup: Remove should succeed")
	}

	status, err := req.chain.DecodeChunk()
	if status != DecodeDone || err != ErrChainNotAssigned {
		t.Fatalf("DecodeChunk on released chain = %v, %v", status, err)
	}
	e.onDecodeDone(req.chain.EntryID(), err)

	select {
	case ev := <-errSub:
		t.Fatalf("late cancelled decode surfaced as a playback error: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	if e.queue.Len() != 0 {
		t.Errorf("queue length = %d, want 0", e.queue.Len())
	}
}
