/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrBufferFull is returned by Push when no free frames remain.
	ErrBufferFull = errors.New("playout ring full")
	// ErrRingClosed is returned by Push after Close.
	ErrRingClosed = errors.New("playout ring closed")
)

// Frame is one stereo sample pair.
type Frame struct {
	L, R float32
}

// PlayoutRing is a single-producer single-consumer ring of stereo frames
// sitting between a decoder chain and the mixer. The decode worker pushes,
// the audio callback pops; only the fill level is shared, via an atomic, so
// neither side takes a lock on the hot path.
//
// Backpressure: the producer should pause once free space drops to the
// headroom and resume only after free space recovers past headroom plus the
// resume hysteresis, so a chain does not thrash between parked and running
// around a single threshold.
type PlayoutRing struct {
	buf      []Frame
	capacity int

	head int // consumer index
	tail int // producer index
	fill atomic.Int64

	headroom   int
	hysteresis int

	lastFrame Frame
	hasFrame  bool
	closed    atomic.Bool
	totalRead atomic.Int64
	underruns atomic.Int64
}

// NewPlayoutRing allocates a ring of capacity frames. headroom and
// hysteresis configure producer backpressure; capacity must exceed both
// combined, which config validation guarantees.
func NewPlayoutRing(capacity, headroom, hysteresis int) *PlayoutRing {
	return &PlayoutRing{
		buf:        make([]Frame, capacity),
		capacity:   capacity,
		headroom:   headroom,
		hysteresis: hysteresis,
	}
}

// Capacity returns the ring size in frames.
func (r *PlayoutRing) Capacity() int { return r.capacity }

// Len returns the current fill level in frames.
func (r *PlayoutRing) Len() int { return int(r.fill.Load()) }

// Free returns the free space in frames.
func (r *PlayoutRing) Free() int { return r.capacity - int(r.fill.Load()) }

// ShouldPause reports whether the producer should park: free space has
// dropped to the headroom or below.
func (r *PlayoutRing) ShouldPause() bool { return r.Free() <= r.headroom }

// CanResume reports whether a parked producer may continue: free space has
// recovered past headroom plus hysteresis.
func (r *PlayoutRing) CanResume() bool { return r.Free() >= r.headroom+r.hysteresis }

// Push appends frames. It writes as many whole frames as fit and returns
// the number written; ErrBufferFull signals the producer should park until
// the consumer drains past the resume threshold.
func (r *PlayoutRing) Push(frames []Frame) (int, error) {
	if r.closed.Load() {
		return 0, ErrRingClosed
	}
	free := r.capacity - int(r.fill.Load())
	n := len(frames)
	if n > free {
		n = free
	}
	for i := 0; i < n; i++ {
		r.buf[r.tail] = frames[i]
		r.tail++
		if r.tail == r.capacity {
			r.tail = 0
		}
	}
	if n > 0 {
		r.fill.Add(int64(n))
	}
	if n < len(frames) {
		return n, ErrBufferFull
	}
	return n, nil
}

// Pop removes up to len(dst) frames and returns how many were real. When the
// ring is empty the last valid frame is repeated into dst so the output
// holds its final level instead of snapping to zero, and the underrun
// counter advances once per call.
func (r *PlayoutRing) Pop(dst []Frame) int {
	avail := int(r.fill.Load())
	n := len(dst)
	if n > avail {
		n = avail
	}
	for i := 0; i < n; i++ {
		dst[i] = r.buf[r.head]
		r.head++
		if r.head == r.capacity {
			r.head = 0
		}
	}
	if n > 0 {
		r.lastFrame = dst[n-1]
		r.hasFrame = true
		r.fill.Add(int64(-n))
		r.totalRead.Add(int64(n))
	}
	if n < len(dst) {
		fillFrame := Frame{}
		if r.hasFrame {
			fillFrame = r.lastFrame
		}
		for i := n; i < len(dst); i++ {
			dst[i] = fillFrame
		}
		if !r.closed.Load() {
			r.underruns.Add(1)
		}
	}
	return n
}

// FramesRead returns the cumulative number of real frames consumed.
func (r *PlayoutRing) FramesRead() int64 { return r.totalRead.Load() }

// Underruns returns how many Pop calls found the ring short.
func (r *PlayoutRing) Underruns() int64 { return r.underruns.Load() }

// Close marks the ring finished. Pushes fail afterwards; pops drain what
// remains without counting underruns.
func (r *PlayoutRing) Close() { r.closed.Store(true) }

// Closed reports whether the producer side has finished.
func (r *PlayoutRing) Closed() bool { return r.closed.Load() }
