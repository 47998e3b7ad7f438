/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Source is a PCM stream produced by a format decoder.
type Source interface {
	// SampleRate of the PCM stream in Hz.
	SampleRate() int
	// Channels count (1=mono, 2=stereo).
	Channels() int
	// ReadSamples fills dst with interleaved float32 samples in [-1,1].
	// Returns the number of float32 values written. n == 0 with io.EOF
	// means the stream is finished.
	ReadSamples(dst []float32) (n int, err error)
	// Close releases any resources.
	Close() error
}

// Decoder constructs a Source from a seekable input stream.
type Decoder interface {
	Decode(r io.ReadSeeker) (Source, error)
}

// Registry maps format keys (file extensions) to decoders.
type Registry struct {
	mu     sync.Mutex
	codecs map[string]Decoder
}

// NewRegistry creates an empty decoder registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Decoder)}
}

// Register associates a decoder with a format key like "mp3".
func (r *Registry) Register(format string, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[format] = d
}

// Get returns the decoder registered for format.
func (r *Registry) Get(format string) (Decoder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.codecs[format]
	return d, ok
}

// DefaultRegistry returns a registry with every built-in format.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("wav", WAVDecoder{})
	r.Register("mp3", MP3Decoder{})
	r.Register("flac", FLACDecoder{})
	r.Register("ogg", VorbisDecoder{})
	r.Register("oga", VorbisDecoder{})
	return r
}

// fileSource closes the underlying file together with the decoder source.
type fileSource struct {
	Source
	f *os.File
}

func (s *fileSource) Close() error {
	err := s.Source.Close()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Open probes path by extension and returns a decoding Source. The returned
// source owns the file handle.
func Open(registry *Registry, path string) (Source, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	dec, ok := registry.Get(ext)
	if !ok {
		return nil, fmt.Errorf("unsupported audio format %q: %s", ext, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	src, err := dec.Decode(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &fileSource{Source: src, f: f}, nil
}
