/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audio

import (
	"errors"
	"fmt"
	"io"
)

// ErrInvalidDstSize is returned when a read buffer is not a whole number of
// frames.
var ErrInvalidDstSize = errors.New("destination length must be a multiple of the channel count")

// Resampler streams from src to the target sample rate using Catmull-Rom
// cubic interpolation over a sliding four-frame window. Interleaved samples;
// channel count preserved. A one-pole low-pass is applied when downsampling.
type Resampler struct {
	src      Source
	dstRate  int
	ratio    float64 // source frames per output frame
	channels int

	// frames[0]=t-1, frames[1]=t0, frames[2]=t+1, frames[3]=t+2
	frames   [4][]float32
	hasFrame [4]bool
	pos      float64
	primed   bool
	eof      bool

	srcBuf []float32

	filterState []float32
	useFilter   bool
	filterAlpha float32
}

// NewResampler wraps src. When src already runs at dstRate the source is
// returned unchanged.
func NewResampler(src Source, dstRate int) Source {
	if src.SampleRate() == dstRate {
		return src
	}

	channels := src.Channels()
	ratio := float64(src.SampleRate()) / float64(dstRate)

	r := &Resampler{
		src:         src,
		dstRate:     dstRate,
		ratio:       ratio,
		channels:    channels,
		srcBuf:      make([]float32, channels),
		useFilter:   ratio > 1.0,
		filterAlpha: 0.5,
		filterState: make([]float32, channels),
	}
	for i := range r.frames {
		r.frames[i] = make([]float32, channels)
	}
	return r
}

func (r *Resampler) SampleRate() int { return r.dstRate }
func (r *Resampler) Channels() int   { return r.channels }
func (r *Resampler) Close() error    { return r.src.Close() }

// readFrame reads exactly one interleaved frame from the source.
func (r *Resampler) readFrame(dst []float32) (bool, error) {
	got := 0
	for got < r.channels {
		n, err := r.src.ReadSamples(r.srcBuf[:r.channels-got])
		if n > 0 {
			copy(dst[got:], r.srcBuf[:n])
			got += n
		}
		if err == io.EOF {
			return got == r.channels, io.EOF
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, io.EOF
		}
	}
	return true, nil
}

func (r *Resampler) fetchNextFrame() error {
	if r.eof {
		return io.EOF
	}

	copy(r.frames[0], r.frames[1])
	copy(r.frames[1], r.frames[2])
	copy(r.frames[2], r.frames[3])
	r.hasFrame[0] = r.hasFrame[1]
	r.hasFrame[1] = r.hasFrame[2]
	r.hasFrame[2] = r.hasFrame[3]

	ok, err := r.readFrame(r.frames[3])
	r.hasFrame[3] = ok
	if ok && r.useFilter {
		for c := 0; c < r.channels; c++ {
			r.frames[3][c] = r.filterAlpha*r.frames[3][c] + (1-r.filterAlpha)*r.filterState[c]
			r.filterState[c] = r.frames[3][c]
		}
	}
	if err == io.EOF {
		r.eof = true
		if !ok {
			return io.EOF
		}
	} else if err != nil {
		return fmt.Errorf("resample: %w", err)
	}
	return nil
}

func (r *Resampler) prime() error {
	for i := 0; i < 4; i++ {
		ok, err := r.readFrame(r.frames[i])
		if ok {
			r.hasFrame[i] = true
			if i == 0 && r.useFilter {
				copy(r.filterState, r.frames[0])
			}
		}
		if err == io.EOF {
			r.eof = true
			if i == 0 && !ok {
				return io.EOF
			}
			// Duplicate the last valid frame into the remaining slots.
			for j := i + 1; j < 4; j++ {
				copy(r.frames[j], r.frames[i])
				r.hasFrame[j] = r.hasFrame[i]
			}
			break
		}
		if err != nil {
			return err
		}
	}
	r.primed = true
	return nil
}

// ReadSamples produces interleaved samples at the destination rate.
func (r *Resampler) ReadSamples(dst []float32) (int, error) {
	if len(dst)%r.channels != 0 {
		return 0, ErrInvalidDstSize
	}

	if !r.primed {
		if err := r.prime(); err != nil {
			return 0, err
		}
	}

	written := 0
	framesNeeded := len(dst) / r.channels

	for written < framesNeeded {
		for r.pos >= 1.0 {
			r.pos -= 1.0
			if err := r.fetchNextFrame(); err != nil {
				if err == io.EOF {
					if written == 0 {
						return 0, io.EOF
					}
					return written * r.channels, io.EOF
				}
				return written * r.channels, err
			}
		}

		if !r.hasFrame[1] || !r.hasFrame[2] {
			if written == 0 {
				return 0, io.EOF
			}
			return written * r.channels, io.EOF
		}

		alpha := float32(r.pos)
		for c := 0; c < r.channels; c++ {
			y1 := r.frames[1][c]
			y2 := r.frames[2][c]
			y0, y3 := y1, y2
			if r.hasFrame[0] {
				y0 = r.frames[0][c]
			}
			if r.hasFrame[3] {
				y3 = r.frames[3][c]
			}
			dst[written*r.channels+c] = cubicInterpolate(y0, y1, y2, y3, alpha)
		}

		written++
		r.pos += r.ratio
	}

	return written * r.channels, nil
}

// cubicInterpolate evaluates a Catmull-Rom spline at fractional position x
// between y1 and y2.
func cubicInterpolate(y0, y1, y2, y3, x float32) float32 {
	a0 := -0.5*y0 + 1.5*y1 - 1.5*y2 + 0.5*y3
	a1 := y0 - 2.5*y1 + 2*y2 - 0.5*y3
	a2 := -0.5*y0 + 0.5*y2
	a3 := y1
	return a0*x*x*x + a1*x*x + a2*x + a3
}
