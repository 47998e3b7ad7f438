/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cadenza/internal/events"
)

func newTestQueue() *QueueManager {
	return NewQueueManager(nil, events.NewBus(), zerolog.Nop())
}

func entry(title string) *QueueEntry {
	return &QueueEntry{ID: uuid.New(), FilePath: "/music/" + title + ".flac", Title: title}
}

func TestQueueEnqueueFillsSlotsInOrder(t *testing.T) {
	q := newTestQueue()
	a, b, c, d := entry("a"), entry("b"), entry("c"), entry("d")

	if pos := q.Enqueue(a); pos != PositionCurrent {
		t.Fatalf("first enqueue = %v, want current", pos)
	}
	if pos := q.Enqueue(b); pos != PositionNext {
		t.Fatalf("second enqueue = %v, want next", pos)
	}
	if pos := q.Enqueue(c); pos != PositionQueued {
		t.Fatalf("third enqueue = %v, want queued", pos)
	}
	q.Enqueue(d)

	if q.Current() != a || q.Next() != b {
		t.Error("current/next misassigned")
	}
	if got := q.Queued(); len(got) != 2 || got[0] != c || got[1] != d {
		t.Errorf("queued = %v", got)
	}
	if q.Len() != 4 {
		t.Errorf("Len = %d, want 4", q.Len())
	}
}

func TestQueueAdvancePromotes(t *testing.T) {
	q := newTestQueue()
	x, y, a, b := entry("x"), entry("y"), entry("a"), entry("b")
	q.Enqueue(x)
	q.Enqueue(y)
	q.Enqueue(a)
	q.Enqueue(b)

	promos := q.Advance()
	if q.Current() != y {
		t.Errorf("current = %v, want y", q.Current())
	}
	if q.Next() != a {
		t.Errorf("next = %v, want a", q.Next())
	}
	if got := q.Queued(); len(got) != 1 || got[0] != b {
		t.Errorf("queued = %v, want [b]", got)
	}

	if len(promos) != 2 {
		t.Fatalf("promotions = %d, want 2", len(promos))
	}
	if promos[0].Entry != y || promos[0].To != PositionCurrent {
		t.Errorf("promo[0] = %+v, want y to current", promos[0])
	}
	if promos[1].Entry != a || promos[1].To != PositionNext {
		t.Errorf("promo[1] = %+v, want a to next", promos[1])
	}
}

func TestQueueRemoveIdempotent(t *testing.T) {
	q := newTestQueue()
	a, b := entry("a"), entry("b")
	q.Enqueue(a)
	q.Enqueue(b)

	removed, _ := q.Remove(b.ID)
	if !removed {
		t.Fatal("first Remove should report true")
	}
	removed, promos := q.Remove(b.ID)
	if removed {
		t.Fatal("second Remove should report false")
	}
	if promos != nil {
		t.Fatal("no-op Remove must not promote")
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
}

func TestQueueRemoveCurrentPromotes(t *testing.T) {
	q := newTestQueue()
	a, b, c := entry("a"), entry("b"), entry("c")
	q.Enqueue(a)
	q.Enqueue(b)
	q.Enqueue(c)

	removed, promos := q.Remove(a.ID)
	if !removed {
		t.Fatal("Remove current should succeed")
	}
	if q.Current() != b || q.Next() != c {
		t.Error("backfill wrong after removing current")
	}
	if len(promos) != 2 || promos[0].Entry != b || promos[1].Entry != c {
		t.Errorf("promotions = %+v", promos)
	}
}

func TestQueueRemoveNextPromotesQueuedHead(t *testing.T) {
	q := newTestQueue()
	a, b, c := entry("a"), entry("b"), entry("c")
	q.Enqueue(a)
	q.Enqueue(b)
	q.Enqueue(c)

	_, promos := q.Remove(b.ID)
	if q.Current() != a {
		t.Error("current must not move when next is removed")
	}
	if q.Next() != c {
		t.Error("queued head should fill next")
	}
	if len(promos) != 1 || promos[0].Entry != c || promos[0].To != PositionNext {
		t.Errorf("promotions = %+v", promos)
	}
}

func TestQueueFind(t *testing.T) {
	q := newTestQueue()
	a, b, c := entry("a"), entry("b"), entry("c")
	q.Enqueue(a)
	q.Enqueue(b)
	q.Enqueue(c)

	if e, pos, ok := q.Find(c.ID); !ok || e != c || pos != PositionQueued {
		t.Errorf("Find(c) = %v, %v, %v", e, pos, ok)
	}
	if _, _, ok := q.Find(uuid.New()); ok {
		t.Error("Find of unknown id should report false")
	}
}

func TestQueueAdvanceOnEmpty(t *testing.T) {
	q := newTestQueue()
	if promos := q.Advance(); len(promos) != 0 {
		t.Errorf("advance on empty queue promoted %v", promos)
	}
}

func TestQueueEnqueueEmitsEvents(t *testing.T) {
	bus := events.NewBus()
	q := NewQueueManager(nil, bus, zerolog.Nop())
	sub := bus.Subscribe(events.EventEnqueued)

	e := entry("a")
	q.Enqueue(e)

	payload := <-sub
	if payload["queue_entry_id"] != e.ID.String() {
		t.Errorf("payload id = %v", payload["queue_entry_id"])
	}
	if payload["position"] != "current" {
		t.Errorf("payload position = %v", payload["position"])
	}
}
