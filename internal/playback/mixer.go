/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"container/heap"
	"sync"

	"github.com/google/uuid"

	"github.com/friendsincode/cadenza/internal/ticks"
)

// MixerState is the mixer's top-level mode.
type MixerState int

const (
	// MixerIdle: no passage loaded; output is silence.
	MixerIdle MixerState = iota
	// MixerSingle: one passage playing.
	MixerSingle
	// MixerCrossfading: two passages summed; samples are pre-faded by the
	// decoder chains, so the sum needs no extra scaling.
	MixerCrossfading
)

func (s MixerState) String() string {
	switch s {
	case MixerSingle:
		return "single"
	case MixerCrossfading:
		return "crossfading"
	default:
		return "idle"
	}
}

// MarkerKind labels tick-position markers the mixer fires while playing.
type MarkerKind int

const (
	// MarkerPositionUpdate is periodic progress; the mixer re-arms it.
	MarkerPositionUpdate MarkerKind = iota
	// MarkerStartCrossfade is where the next passage should begin.
	MarkerStartCrossfade
	// MarkerPassageComplete in a crossfade: the outgoing passage drained.
	MarkerPassageComplete
	// MarkerEndOfFile: the current passage drained outside a crossfade.
	MarkerEndOfFile
	// MarkerEndOfFileBeforeLeadOut: the passage drained before its
	// scheduled crossfade point was ever reached.
	MarkerEndOfFileBeforeLeadOut
)

func (k MarkerKind) String() string {
	switch k {
	case MarkerStartCrossfade:
		return "start_crossfade"
	case MarkerPassageComplete:
		return "passage_complete"
	case MarkerEndOfFile:
		return "end_of_file"
	case MarkerEndOfFileBeforeLeadOut:
		return "end_of_file_before_lead_out"
	default:
		return "position_update"
	}
}

// MarkerEvent is delivered to the engine when a marker fires. Each
// scheduled marker fires at most once.
type MarkerEvent struct {
	EntryID uuid.UUID
	Kind    MarkerKind
	Tick    int64
}

type marker struct {
	tick    int64
	kind    MarkerKind
	entryID uuid.UUID
	seq     int64
}

type markerHeap []*marker

func (h markerHeap) Len() int { return len(h) }
func (h markerHeap) Less(i, j int) bool {
	if h[i].tick != h[j].tick {
		return h[i].tick < h[j].tick
	}
	return h[i].seq < h[j].seq
}
func (h markerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *markerHeap) Push(x any)   { *h = append(*h, x.(*marker)) }
func (h *markerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// Pause envelope constants. Pausing multiplies gain by pauseDecay every
// frame until it falls under pauseFloor; resuming runs the curve backwards.
const (
	pauseDecay = float32(31.0 / 32.0)
	pauseFloor = float32(0.0001778)
)

type pausePhase int

const (
	pausePlaying pausePhase = iota
	pauseDecaying
	pausePaused
	pauseResuming
)

type mixStream struct {
	entryID uuid.UUID
	ring    *PlayoutRing
	posTick int64
	scratch []Frame
}

func (s *mixStream) exhausted() bool {
	return s.ring.Closed() && s.ring.Len() == 0
}

// Mixer pulls pre-faded frames from one or two playout rings, sums them,
// applies master volume and the pause envelope, and fires tick markers.
// Mix runs on the audio device callback, so nothing here blocks: marker
// delivery is non-blocking and all state shares one short-held mutex.
type Mixer struct {
	mu    sync.Mutex
	state MixerState

	current *mixStream
	next    *mixStream

	markers   markerHeap
	markerSeq int64

	masterVolume float32
	phase        pausePhase
	pauseGain    float32

	posInterval int64
	perFrame    int64

	events  chan MarkerEvent
	dropped int64
}

// NewMixer builds an idle mixer. posInterval is the tick spacing of
// position update markers.
func NewMixer(outRate int, posInterval int64, masterVolume float32) *Mixer {
	return &Mixer{
		masterVolume: masterVolume,
		pauseGain:    1.0,
		posInterval:  posInterval,
		perFrame:     ticks.FromSamples(1, outRate),
		events:       make(chan MarkerEvent, 128),
	}
}

// Events returns the marker delivery channel.
func (m *Mixer) Events() <-chan MarkerEvent { return m.events }

// State returns the current mode.
func (m *Mixer) State() MixerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Play loads a passage as the current stream. startTick is the passage's
// start point in file ticks, the coordinate all markers use.
func (m *Mixer) Play(entryID uuid.UUID, ring *PlayoutRing, startTick int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = &mixStream{entryID: entryID, ring: ring, posTick: startTick}
	m.state = MixerSingle
	if m.posInterval > 0 {
		m.scheduleLocked(entryID, MarkerPositionUpdate, startTick+m.posInterval)
	}
}

// StartCrossfade loads the incoming passage alongside the current one.
func (m *Mixer) StartCrossfade(entryID uuid.UUID, ring *PlayoutRing, startTick int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		// Nothing to fade from; play directly.
		m.current = &mixStream{entryID: entryID, ring: ring, posTick: startTick}
		m.state = MixerSingle
	} else {
		m.next = &mixStream{entryID: entryID, ring: ring, posTick: startTick}
		m.state = MixerCrossfading
	}
	if m.posInterval > 0 {
		m.scheduleLocked(entryID, MarkerPositionUpdate, startTick+m.posInterval)
	}
}

// ScheduleMarker arms a marker at an absolute file tick for an entry.
func (m *Mixer) ScheduleMarker(entryID uuid.UUID, kind MarkerKind, tick int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleLocked(entryID, kind, tick)
}

func (m *Mixer) scheduleLocked(entryID uuid.UUID, kind MarkerKind, tick int64) {
	m.markerSeq++
	heap.Push(&m.markers, &marker{tick: tick, kind: kind, entryID: entryID, seq: m.markerSeq})
}

// Stop unloads an entry. Stopping the current stream mid-crossfade
// promotes the incoming stream; stopping the only stream goes idle.
func (m *Mixer) Stop(entryID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelMarkersLocked(entryID)
	switch {
	case m.current != nil && m.current.entryID == entryID:
		m.current = m.next
		m.next = nil
		if m.current == nil {
			m.state = MixerIdle
		} else {
			m.state = MixerSingle
		}
	case m.next != nil && m.next.entryID == entryID:
		m.next = nil
		m.state = MixerSingle
	}
}

func (m *Mixer) cancelMarkersLocked(entryID uuid.UUID) {
	kept := m.markers[:0]
	for _, mk := range m.markers {
		if mk.entryID != entryID {
			kept = append(kept, mk)
		}
	}
	m.markers = kept
	heap.Init(&m.markers)
}

// Pause begins the exponential fade to silence. Position freezes only
// once the envelope reaches the floor.
func (m *Mixer) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == pausePlaying || m.phase == pauseResuming {
		m.phase = pauseDecaying
	}
}

// Resume runs the pause envelope back up to unity.
func (m *Mixer) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == pausePaused || m.phase == pauseDecaying {
		if m.pauseGain < pauseFloor {
			m.pauseGain = pauseFloor
		}
		m.phase = pauseResuming
	}
}

// Paused reports whether the envelope has fully settled at silence.
func (m *Mixer) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == pausePaused
}

// SetMasterVolume sets the output scale, clamped to [0,1].
func (m *Mixer) SetMasterVolume(v float32) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	m.mu.Lock()
	m.masterVolume = v
	m.mu.Unlock()
}

// MasterVolume returns the output scale.
func (m *Mixer) MasterVolume() float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.masterVolume
}

// Position returns the current entry and its file tick position.
func (m *Mixer) Position() (uuid.UUID, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return uuid.Nil, 0
	}
	return m.current.entryID, m.current.posTick
}

// DroppedEvents returns how many marker events could not be delivered.
func (m *Mixer) DroppedEvents() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Mix fills dst with the next block of output. It is the device callback
// body: pop, sum, scale, advance positions, fire due markers.
func (m *Mixer) Mix(dst []Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == MixerIdle || m.phase == pausePaused {
		for i := range dst {
			dst[i] = Frame{}
		}
		return
	}

	// Split the block at marker boundaries so markers fire at the exact
	// frame their tick lands on.
	off := 0
	for off < len(dst) {
		n := len(dst) - off
		if limit := m.framesToNextMarkerLocked(); limit >= 0 && limit < int64(n) {
			n = int(limit)
		}
		if n > 0 {
			m.mixBlockLocked(dst[off : off+n])
			off += n
		}
		m.fireDueMarkersLocked()
		if m.state == MixerIdle || m.phase == pausePaused {
			for i := off; i < len(dst); i++ {
				dst[i] = Frame{}
			}
			return
		}
		if n == 0 && m.framesToNextMarkerLocked() == 0 {
			// Marker did not clear; avoid spinning.
			break
		}
	}
}

// framesToNextMarkerLocked returns how many frames until the earliest
// pending marker for a loaded stream, or -1 when none applies.
func (m *Mixer) framesToNextMarkerLocked() int64 {
	best := int64(-1)
	for _, mk := range m.markers {
		s := m.streamForLocked(mk.entryID)
		if s == nil {
			continue
		}
		d := mk.tick - s.posTick
		if d < 0 {
			d = 0
		}
		frames := (d + m.perFrame - 1) / m.perFrame
		if best < 0 || frames < best {
			best = frames
		}
	}
	return best
}

func (m *Mixer) streamForLocked(entryID uuid.UUID) *mixStream {
	if m.current != nil && m.current.entryID == entryID {
		return m.current
	}
	if m.next != nil && m.next.entryID == entryID {
		return m.next
	}
	return nil
}

func (m *Mixer) mixBlockLocked(dst []Frame) {
	n := len(dst)
	if cap(m.current.scratch) < n {
		m.current.scratch = make([]Frame, n)
	}
	cur := m.current.scratch[:n]
	m.current.ring.Pop(cur)
	m.current.posTick += int64(n) * m.perFrame

	if m.state == MixerCrossfading && m.next != nil {
		if cap(m.next.scratch) < n {
			m.next.scratch = make([]Frame, n)
		}
		nxt := m.next.scratch[:n]
		m.next.ring.Pop(nxt)
		m.next.posTick += int64(n) * m.perFrame
		for i := 0; i < n; i++ {
			cur[i].L += nxt[i].L
			cur[i].R += nxt[i].R
		}
	}

	vol := m.masterVolume
	for i := 0; i < n; i++ {
		g := vol * m.envelopeGainLocked()
		l := cur[i].L * g
		r := cur[i].R * g
		if l > 1 {
			l = 1
		} else if l < -1 {
			l = -1
		}
		if r > 1 {
			r = 1
		} else if r < -1 {
			r = -1
		}
		dst[i] = Frame{L: l, R: r}
	}
}

// envelopeGainLocked advances the pause envelope one frame and returns
// its gain.
func (m *Mixer) envelopeGainLocked() float32 {
	switch m.phase {
	case pauseDecaying:
		m.pauseGain *= pauseDecay
		if m.pauseGain < pauseFloor {
			m.pauseGain = 0
			m.phase = pausePaused
		}
	case pauseResuming:
		m.pauseGain /= pauseDecay
		if m.pauseGain >= 1 {
			m.pauseGain = 1
			m.phase = pausePlaying
		}
	case pausePaused:
		return 0
	}
	return m.pauseGain
}

// fireDueMarkersLocked emits every marker whose tick the owning stream has
// reached, then handles stream exhaustion.
func (m *Mixer) fireDueMarkersLocked() {
	for {
		fired := false
		for i := 0; i < len(m.markers); i++ {
			mk := m.markers[i]
			s := m.streamForLocked(mk.entryID)
			if s == nil || s.posTick < mk.tick {
				continue
			}
			heap.Remove(&m.markers, i)
			m.emitLocked(MarkerEvent{EntryID: mk.entryID, Kind: mk.kind, Tick: mk.tick})
			if mk.kind == MarkerPositionUpdate && m.posInterval > 0 {
				m.scheduleLocked(mk.entryID, MarkerPositionUpdate, mk.tick+m.posInterval)
			}
			fired = true
			break
		}
		if !fired {
			break
		}
	}
	m.handleExhaustionLocked()
}

// handleExhaustionLocked converts drained rings into completion markers.
// Outside a crossfade a drained current stream is end-of-file; if its
// crossfade marker never fired the dedicated marker kind tells the engine
// the passage ran short. Inside a crossfade the outgoing stream completing
// promotes the incoming one.
func (m *Mixer) handleExhaustionLocked() {
	if m.current == nil || !m.current.exhausted() {
		return
	}
	entryID := m.current.entryID
	pos := m.current.posTick

	kind := MarkerEndOfFile
	if m.state != MixerCrossfading && m.pendingCrossfadeLocked(entryID) {
		kind = MarkerEndOfFileBeforeLeadOut
	} else if m.state == MixerCrossfading {
		kind = MarkerPassageComplete
	}

	m.cancelMarkersLocked(entryID)
	m.current = m.next
	m.next = nil
	if m.current == nil {
		m.state = MixerIdle
	} else {
		m.state = MixerSingle
	}
	m.emitLocked(MarkerEvent{EntryID: entryID, Kind: kind, Tick: pos})
}

func (m *Mixer) pendingCrossfadeLocked(entryID uuid.UUID) bool {
	for _, mk := range m.markers {
		if mk.entryID == entryID && mk.kind == MarkerStartCrossfade {
			return true
		}
	}
	return false
}

func (m *Mixer) emitLocked(ev MarkerEvent) {
	select {
	case m.events <- ev:
	default:
		m.dropped++
	}
}
