/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import "testing"

func TestRingPushPop(t *testing.T) {
	r := NewPlayoutRing(16, 2, 4)

	in := []Frame{{0.1, 0.1}, {0.2, 0.2}, {0.3, 0.3}}
	n, err := r.Push(in)
	if err != nil || n != 3 {
		t.Fatalf("Push = %d, %v", n, err)
	}
	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}

	out := make([]Frame, 3)
	if got := r.Pop(out); got != 3 {
		t.Fatalf("Pop = %d, want 3", got)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("frame %d = %v, want %v", i, out[i], in[i])
		}
	}
	if r.Len() != 0 {
		t.Errorf("Len after drain = %d", r.Len())
	}
	if r.FramesRead() != 3 {
		t.Errorf("FramesRead = %d, want 3", r.FramesRead())
	}
}

func TestRingWrapAround(t *testing.T) {
	r := NewPlayoutRing(4, 1, 1)
	buf := make([]Frame, 3)

	for cycle := 0; cycle < 5; cycle++ {
		in := []Frame{
			{float32(cycle), 0}, {float32(cycle) + 0.1, 0}, {float32(cycle) + 0.2, 0},
		}
		if n, err := r.Push(in); err != nil || n != 3 {
			t.Fatalf("cycle %d: Push = %d, %v", cycle, n, err)
		}
		if got := r.Pop(buf); got != 3 {
			t.Fatalf("cycle %d: Pop = %d", cycle, got)
		}
		for i := range in {
			if buf[i] != in[i] {
				t.Fatalf("cycle %d frame %d = %v, want %v", cycle, i, buf[i], in[i])
			}
		}
	}
}

func TestRingFullPartialPush(t *testing.T) {
	r := NewPlayoutRing(4, 1, 1)

	in := []Frame{{1, 1}, {2, 2}, {3, 3}, {4, 4}, {5, 5}}
	n, err := r.Push(in)
	if err != ErrBufferFull {
		t.Fatalf("err = %v, want ErrBufferFull", err)
	}
	if n != 4 {
		t.Fatalf("n = %d, want 4", n)
	}
}

func TestRingUnderrunRepeatsLastFrame(t *testing.T) {
	r := NewPlayoutRing(8, 1, 2)
	r.Push([]Frame{{0.5, -0.5}})

	out := make([]Frame, 4)
	if got := r.Pop(out); got != 1 {
		t.Fatalf("Pop = %d, want 1", got)
	}
	for i := 1; i < 4; i++ {
		if out[i] != (Frame{0.5, -0.5}) {
			t.Errorf("padding frame %d = %v, want last valid frame", i, out[i])
		}
	}
	if r.Underruns() != 1 {
		t.Errorf("Underruns = %d, want 1", r.Underruns())
	}
}

func TestRingUnderrunSilentWhenNeverFilled(t *testing.T) {
	r := NewPlayoutRing(8, 1, 2)
	out := make([]Frame, 2)
	r.Pop(out)
	for i, f := range out {
		if f != (Frame{}) {
			t.Errorf("frame %d = %v, want silence", i, f)
		}
	}
}

func TestRingBackpressureThresholds(t *testing.T) {
	r := NewPlayoutRing(100, 10, 20)

	// Fill to exactly headroom free.
	fill := make([]Frame, 90)
	r.Push(fill)
	if !r.ShouldPause() {
		t.Error("free == headroom should pause producer")
	}
	if r.CanResume() {
		t.Error("free == headroom must not allow resume")
	}

	// Drain until free == headroom + hysteresis - 1: still parked.
	out := make([]Frame, 19)
	r.Pop(out)
	if r.CanResume() {
		t.Errorf("free = %d, resume needs headroom+hysteresis", r.Free())
	}

	// One more frame crosses the resume threshold.
	r.Pop(out[:1])
	if !r.CanResume() {
		t.Errorf("free = %d should allow resume", r.Free())
	}
	if r.ShouldPause() {
		t.Error("should not pause with free above headroom")
	}
}

func TestRingCloseAndDrain(t *testing.T) {
	r := NewPlayoutRing(8, 1, 2)
	r.Push([]Frame{{1, 1}, {2, 2}})
	r.Close()

	if _, err := r.Push([]Frame{{3, 3}}); err != ErrRingClosed {
		t.Fatalf("Push after Close err = %v, want ErrRingClosed", err)
	}

	out := make([]Frame, 4)
	if got := r.Pop(out); got != 2 {
		t.Fatalf("Pop = %d, want 2", got)
	}
	if r.Underruns() != 0 {
		t.Errorf("closed ring drain counted %d underruns", r.Underruns())
	}
}
