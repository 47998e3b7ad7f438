/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cadenza/internal/ticks"
)

// BufferEventKind labels notifications from the buffer manager to the engine.
type BufferEventKind int

const (
	// BufferReadyForStart fires at most once per queue entry, when its ring
	// first holds the minimum start level or when decode finishes before
	// ever reaching it. Short files must still become startable.
	BufferReadyForStart BufferEventKind = iota
	// BufferDecodeComplete fires when the producer closes the ring.
	BufferDecodeComplete
)

// BufferEvent is delivered on the manager's event channel.
type BufferEvent struct {
	QueueEntryID uuid.UUID
	Kind         BufferEventKind
}

type bufferEntry struct {
	ring          *PlayoutRing
	readySignaled bool
	eofSignaled   bool
}

// BufferManager owns one playout ring per active queue entry and reports
// readiness transitions to the engine over a channel, so starting playback
// is event-driven rather than polled.
type BufferManager struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*bufferEntry

	capacity   int
	headroom   int
	hysteresis int
	sampleRate int
	minStart   int64 // ticks

	events chan BufferEvent
	logger zerolog.Logger
}

// NewBufferManager builds a manager with the given ring geometry. minStart
// is the occupancy, in ticks, a ring must reach before its entry is
// reported startable.
func NewBufferManager(capacity, headroom, hysteresis, sampleRate int, minStart int64, logger zerolog.Logger) *BufferManager {
	return &BufferManager{
		entries:    make(map[uuid.UUID]*bufferEntry),
		capacity:   capacity,
		headroom:   headroom,
		hysteresis: hysteresis,
		sampleRate: sampleRate,
		minStart:   minStart,
		events:     make(chan BufferEvent, 64),
		logger:     logger.With().Str("component", "buffers").Logger(),
	}
}

// Events returns the channel buffer notifications are delivered on.
func (m *BufferManager) Events() <-chan BufferEvent { return m.events }

// Allocate creates a ring for a queue entry. Allocating an entry twice is
// an error; callers release before re-decoding.
func (m *BufferManager) Allocate(id uuid.UUID) (*PlayoutRing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; ok {
		return nil, fmt.Errorf("buffer already allocated for entry %s", id)
	}
	ring := NewPlayoutRing(m.capacity, m.headroom, m.hysteresis)
	m.entries[id] = &bufferEntry{ring: ring}
	return ring, nil
}

// Get returns the ring for a queue entry, or nil if none exists.
func (m *BufferManager) Get(id uuid.UUID) *PlayoutRing {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	return e.ring
}

// Remove drops an entry's ring. Removing an absent entry is not an error;
// it reports whether anything was removed so cleanup paths stay idempotent.
func (m *BufferManager) Remove(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return false
	}
	delete(m.entries, id)
	return true
}

// OccupancyTicks returns the ring fill for an entry converted to ticks at
// the output rate, or 0 for an unknown entry.
func (m *BufferManager) OccupancyTicks(id uuid.UUID) int64 {
	ring := m.Get(id)
	if ring == nil {
		return 0
	}
	return ticks.FromSamples(int64(ring.Len()), m.sampleRate)
}

// HasMinimumStartLevel reports whether an entry's ring holds enough audio
// to start, or has finished decoding with whatever it got.
func (m *BufferManager) HasMinimumStartLevel(id uuid.UUID) bool {
	ring := m.Get(id)
	if ring == nil {
		return false
	}
	if ring.Closed() {
		return true
	}
	return ticks.FromSamples(int64(ring.Len()), m.sampleRate) >= m.minStart
}

// NotifyPushed is called by the decode side after appending frames. The
// first time an entry crosses the minimum start level a single
// BufferReadyForStart event is emitted.
func (m *BufferManager) NotifyPushed(id uuid.UUID) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.readySignaled {
		m.mu.Unlock()
		return
	}
	occ := ticks.FromSamples(int64(e.ring.Len()), m.sampleRate)
	if occ < m.minStart {
		m.mu.Unlock()
		return
	}
	e.readySignaled = true
	m.mu.Unlock()
	m.emit(BufferEvent{QueueEntryID: id, Kind: BufferReadyForStart})
}

// NotifyEOF is called by the decode side once a passage is fully decoded.
// It closes the ring and, if the entry never reached the start level,
// reports it ready anyway.
func (m *BufferManager) NotifyEOF(id uuid.UUID) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.eofSignaled {
		m.mu.Unlock()
		return
	}
	e.eofSignaled = true
	e.ring.Close()
	sendReady := !e.readySignaled
	e.readySignaled = true
	m.mu.Unlock()

	if sendReady {
		m.emit(BufferEvent{QueueEntryID: id, Kind: BufferReadyForStart})
	}
	m.emit(BufferEvent{QueueEntryID: id, Kind: BufferDecodeComplete})
}

func (m *BufferManager) emit(ev BufferEvent) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn().Str("entry", ev.QueueEntryID.String()).Int("kind", int(ev.Kind)).Msg("buffer event channel full, dropping")
	}
}
