/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cadenza/internal/ticks"
)

func newTestBufferManager(minStartFrames int) *BufferManager {
	minStart := ticks.FromSamples(int64(minStartFrames), 44100)
	return NewBufferManager(1024, 16, 32, 44100, minStart, zerolog.Nop())
}

func drainEvent(t *testing.T, m *BufferManager) BufferEvent {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no buffer event delivered")
		return BufferEvent{}
	}
}

func expectNoEvent(t *testing.T, m *BufferManager) {
	t.Helper()
	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBufferAllocateGetRemove(t *testing.T) {
	m := newTestBufferManager(100)
	id := uuid.New()

	ring, err := m.Allocate(id)
	if err != nil || ring == nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := m.Allocate(id); err == nil {
		t.Fatal("double Allocate should fail")
	}
	if m.Get(id) != ring {
		t.Fatal("Get should return the allocated ring")
	}
	if !m.Remove(id) {
		t.Fatal("Remove should report true for an existing entry")
	}
	if m.Remove(id) {
		t.Fatal("second Remove should report false")
	}
	if m.Get(id) != nil {
		t.Fatal("Get after Remove should return nil")
	}
}

func TestBufferReadyFiresOnceAtThreshold(t *testing.T) {
	m := newTestBufferManager(100)
	id := uuid.New()
	ring, _ := m.Allocate(id)

	ring.Push(make([]Frame, 50))
	m.NotifyPushed(id)
	expectNoEvent(t, m)
	if m.HasMinimumStartLevel(id) {
		t.Error("below threshold should not be startable")
	}

	ring.Push(make([]Frame, 50))
	m.NotifyPushed(id)
	ev := drainEvent(t, m)
	if ev.Kind != BufferReadyForStart || ev.QueueEntryID != id {
		t.Fatalf("got %+v, want ReadyForStart for %s", ev, id)
	}
	if !m.HasMinimumStartLevel(id) {
		t.Error("at threshold should be startable")
	}

	// More pushes never re-fire.
	ring.Push(make([]Frame, 100))
	m.NotifyPushed(id)
	expectNoEvent(t, m)
}

func TestBufferEOFBeforeThresholdStillReady(t *testing.T) {
	m := newTestBufferManager(10000)
	id := uuid.New()
	ring, _ := m.Allocate(id)

	ring.Push(make([]Frame, 20))
	m.NotifyPushed(id)
	expectNoEvent(t, m)

	m.NotifyEOF(id)
	first := drainEvent(t, m)
	if first.Kind != BufferReadyForStart {
		t.Fatalf("first event = %+v, want ReadyForStart", first)
	}
	second := drainEvent(t, m)
	if second.Kind != BufferDecodeComplete {
		t.Fatalf("second event = %+v, want DecodeComplete", second)
	}
	if !ring.Closed() {
		t.Error("EOF should close the ring")
	}
	if !m.HasMinimumStartLevel(id) {
		t.Error("a fully decoded short passage must be startable")
	}

	// EOF is one-shot too.
	m.NotifyEOF(id)
	expectNoEvent(t, m)
}

func TestBufferOccupancyTicks(t *testing.T) {
	m := newTestBufferManager(100)
	id := uuid.New()
	ring, _ := m.Allocate(id)
	ring.Push(make([]Frame, 441))

	want := ticks.FromSamples(441, 44100)
	if got := m.OccupancyTicks(id); got != want {
		t.Errorf("OccupancyTicks = %d, want %d", got, want)
	}
	if got := m.OccupancyTicks(uuid.New()); got != 0 {
		t.Errorf("unknown entry occupancy = %d, want 0", got)
	}
}
