/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audio

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tphakala/flac"
)

// FLACDecoder decodes FLAC streams via tphakala/flac.
type FLACDecoder struct{}

type flacSource struct {
	dec        *flac.Decoder
	sampleRate int
	channels   int
	bits       int
	divisor    float32

	// Samples decoded from the last frame but not yet handed out.
	pending []float32
}

func (s *flacSource) SampleRate() int { return s.sampleRate }
func (s *flacSource) Channels() int   { return s.channels }
func (s *flacSource) Close() error    { return nil }

func (s *flacSource) ReadSamples(dst []float32) (int, error) {
	written := 0
	for written < len(dst) {
		if len(s.pending) == 0 {
			frame, err := s.dec.Next()
			if err == io.EOF {
				if written == 0 {
					return 0, io.EOF
				}
				return written, nil
			}
			if err != nil {
				return written, fmt.Errorf("flac read: %w", err)
			}
			s.decodeFrame(frame)
		}
		n := copy(dst[written:], s.pending)
		s.pending = s.pending[n:]
		written += n
	}
	return written, nil
}

// decodeFrame converts one raw frame of packed little-endian samples.
func (s *flacSource) decodeFrame(frame []byte) {
	bytesPer := s.bits / 8
	count := len(frame) / bytesPer
	if cap(s.pending) < count {
		s.pending = make([]float32, 0, count)
	}
	s.pending = s.pending[:0]
	for i := 0; i+bytesPer <= len(frame); i += bytesPer {
		var sample int32
		switch s.bits {
		case 16:
			sample = int32(int16(binary.LittleEndian.Uint16(frame[i:])))
		case 24:
			sample = int32(frame[i]) | int32(frame[i+1])<<8 | int32(int8(frame[i+2]))<<16
		case 32:
			sample = int32(binary.LittleEndian.Uint32(frame[i:]))
		}
		s.pending = append(s.pending, float32(sample)/s.divisor)
	}
}

func (FLACDecoder) Decode(r io.ReadSeeker) (Source, error) {
	dec, err := flac.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("flac: %w", err)
	}

	var divisor float32
	switch dec.BitsPerSample {
	case 16:
		divisor = 32768.0
	case 24:
		divisor = 8388608.0
	case 32:
		divisor = 2147483648.0
	default:
		return nil, fmt.Errorf("flac: unsupported bit depth %d", dec.BitsPerSample)
	}

	return &flacSource{
		dec:        dec,
		sampleRate: dec.SampleRate,
		channels:   dec.NChannels,
		bits:       dec.BitsPerSample,
		divisor:    divisor,
	}, nil
}
