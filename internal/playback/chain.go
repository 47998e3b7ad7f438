/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cadenza/internal/audio"
	"github.com/friendsincode/cadenza/internal/telemetry"
	"github.com/friendsincode/cadenza/internal/ticks"
)

// chunkFrames is how many output frames a chain produces per work unit
// before checking for yield conditions.
const chunkFrames = 8192

// ChainState tracks a decoder chain through its lifecycle. Chains are
// recycled: Release returns one to the pool as Unassigned.
type ChainState int

const (
	ChainUnassigned ChainState = iota
	ChainAssigned
	ChainDecoding
	ChainYielded
	ChainExhausted
	ChainReleased
)

func (s ChainState) String() string {
	switch s {
	case ChainAssigned:
		return "assigned"
	case ChainDecoding:
		return "decoding"
	case ChainYielded:
		return "yielded"
	case ChainExhausted:
		return "exhausted"
	case ChainReleased:
		return "released"
	default:
		return "unassigned"
	}
}

// DecodeStatus is the outcome of one DecodeChunk call.
type DecodeStatus int

const (
	// DecodeProgress: a chunk was pushed, more remains.
	DecodeProgress DecodeStatus = iota
	// DecodeYielded: the ring is full; park until it drains.
	DecodeYielded
	// DecodeDone: the passage is fully decoded.
	DecodeDone
)

// ErrChainNotAssigned is returned when DecodeChunk runs on an idle chain.
var ErrChainNotAssigned = errors.New("decoder chain has no assignment")

// DecoderChain decodes one passage into one playout ring. The chain owns
// the full transform: open, decode, resample to the output rate, widen to
// stereo, apply fade-in/out gain, push. All per-sample gain is applied here
// so the mixer can sum overlapping passages without scaling.
type DecoderChain struct {
	id       int
	registry *audio.Registry
	buffers  *BufferManager
	outRate  int
	logger   zerolog.Logger

	mu      sync.Mutex
	state   ChainState
	entryID uuid.UUID
	path    string
	timing  ticks.PassageTiming

	src       audio.Source
	ring      *PlayoutRing
	posTick   int64 // absolute position in the file, in ticks
	seeked    bool
	pending   []Frame // frames read but not yet accepted by the ring
	discovery func(entryID uuid.UUID, endTick int64)

	fadeInCurve  audio.FadeCurve
	fadeOutCurve audio.FadeCurve

	readBuf []float32
}

// NewDecoderChain builds an idle chain.
func NewDecoderChain(id int, registry *audio.Registry, buffers *BufferManager, outRate int, logger zerolog.Logger) *DecoderChain {
	return &DecoderChain{
		id:       id,
		registry: registry,
		buffers:  buffers,
		outRate:  outRate,
		logger:   logger.With().Int("chain", id).Logger(),
		readBuf:  make([]float32, chunkFrames*2),
	}
}

// ID returns the chain's pool slot.
func (c *DecoderChain) ID() int { return c.id }

// State returns the current lifecycle state.
func (c *DecoderChain) State() ChainState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EntryID returns the queue entry this chain serves, or uuid.Nil when idle.
func (c *DecoderChain) EntryID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entryID
}

// Assign binds the chain to a queue entry and allocates its playout ring.
// discovery, if non-nil, is called once when a passage with an unknown end
// point reaches EOF, carrying the measured end tick.
func (c *DecoderChain) Assign(entryID uuid.UUID, path string, timing ticks.PassageTiming, discovery func(uuid.UUID, int64)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ChainUnassigned {
		return fmt.Errorf("chain %d is %s, cannot assign", c.id, c.state)
	}
	ring, err := c.buffers.Allocate(entryID)
	if err != nil {
		return err
	}
	c.state = ChainAssigned
	c.entryID = entryID
	c.path = path
	c.timing = timing
	c.ring = ring
	c.posTick = timing.StartTick
	c.seeked = false
	c.pending = nil
	c.discovery = discovery

	// Unknown curve names play linear rather than failing the passage.
	var perr error
	if c.fadeInCurve, perr = audio.ParseCurve(timing.FadeInCurve); perr != nil {
		c.logger.Warn().Err(perr).Str("entry", entryID.String()).Msg("bad fade-in curve")
	}
	if c.fadeOutCurve, perr = audio.ParseCurve(timing.FadeOutCurve); perr != nil {
		c.logger.Warn().Err(perr).Str("entry", entryID.String()).Msg("bad fade-out curve")
	}
	return nil
}

// Ring returns the chain's playout ring, or nil when unassigned.
func (c *DecoderChain) Ring() *PlayoutRing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ring
}

// open lazily builds the source pipeline on the first chunk: probe the
// container, resample, then skip to the passage start point.
func (c *DecoderChain) open() error {
	if c.src != nil {
		return nil
	}
	src, err := audio.Open(c.registry, c.path)
	if err != nil {
		telemetry.DecodeFailures.WithLabelValues("open").Inc()
		return fmt.Errorf("open %s: %w", c.path, err)
	}
	if !ticks.RateSupported(src.SampleRate()) {
		src.Close()
		telemetry.DecodeFailures.WithLabelValues("open").Inc()
		return fmt.Errorf("open %s: unsupported sample rate %d", c.path, src.SampleRate())
	}
	c.src = audio.NewResampler(src, c.outRate)
	return nil
}

// skipToStart discards frames before the passage start tick.
func (c *DecoderChain) skipToStart() error {
	if c.seeked {
		return nil
	}
	c.seeked = true
	if c.timing.StartTick == 0 {
		return nil
	}
	skipFrames := ticks.ToSamples(c.timing.StartTick, c.outRate)
	buf := make([]float32, 4096*c.src.Channels())
	for skipFrames > 0 {
		want := int64(len(buf) / c.src.Channels())
		if want > skipFrames {
			want = skipFrames
		}
		n, err := c.src.ReadSamples(buf[:want*int64(c.src.Channels())])
		skipFrames -= int64(n / c.src.Channels())
		if err == io.EOF {
			return io.EOF
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// DecodeChunk performs one unit of decode work: up to chunkFrames output
// frames read, faded, and pushed. A panicking third-party decoder is
// contained here; the partial chunk is discarded and the chain marked
// exhausted so the scheduler moves on.
func (c *DecoderChain) DecodeChunk() (status DecodeStatus, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case ChainAssigned, ChainYielded:
		c.state = ChainDecoding
	case ChainDecoding:
	default:
		return DecodeDone, ErrChainNotAssigned
	}

	defer func() {
		if r := recover(); r != nil {
			telemetry.DecodeFailures.WithLabelValues("decode").Inc()
			c.logger.Error().Interface("panic", r).Str("path", c.path).Msg("decoder panicked, abandoning passage")
			c.finishLocked(false)
			status = DecodeDone
			err = fmt.Errorf("decoder panic: %v", r)
		}
	}()

	if err := c.open(); err != nil {
		c.finishLocked(false)
		return DecodeDone, err
	}
	if err := c.skipToStart(); err != nil {
		if err == io.EOF {
			c.finishLocked(true)
			return DecodeDone, nil
		}
		telemetry.DecodeFailures.WithLabelValues("decode").Inc()
		c.finishLocked(false)
		return DecodeDone, err
	}

	// Retry frames the ring refused on the previous chunk first.
	if len(c.pending) > 0 {
		if !c.pushLocked() {
			c.state = ChainYielded
			return DecodeYielded, nil
		}
	}

	if c.ring.ShouldPause() {
		c.state = ChainYielded
		return DecodeYielded, nil
	}

	frames, eof, err := c.readChunk()
	if err != nil {
		telemetry.DecodeFailures.WithLabelValues("decode").Inc()
		c.finishLocked(false)
		return DecodeDone, err
	}

	if len(frames) > 0 {
		c.applyFades(frames)
		c.pending = frames
		pushed := c.pushLocked()
		if !pushed && !eof {
			c.state = ChainYielded
			return DecodeYielded, nil
		}
	}

	if eof || c.reachedEnd() {
		c.finishLocked(true)
		return DecodeDone, nil
	}
	return DecodeProgress, nil
}

// readChunk reads up to chunkFrames output frames, widened to stereo and
// truncated at the passage end point when one is known.
func (c *DecoderChain) readChunk() ([]Frame, bool, error) {
	want := int64(chunkFrames)
	if c.timing.EndTick > 0 {
		remain := ticks.ToSamples(c.timing.EndTick-c.posTick, c.outRate)
		if remain <= 0 {
			return nil, true, nil
		}
		if remain < want {
			want = remain
		}
	}

	ch := c.src.Channels()
	need := int(want) * ch
	if cap(c.readBuf) < need {
		c.readBuf = make([]float32, need)
	}
	buf := c.readBuf[:need]

	got := 0
	eof := false
	for got < need {
		n, err := c.src.ReadSamples(buf[got:])
		got += n
		if err == io.EOF {
			eof = true
			break
		}
		if err != nil {
			return nil, false, err
		}
		if n == 0 {
			eof = true
			break
		}
	}

	nframes := got / ch
	frames := make([]Frame, nframes)
	switch ch {
	case 1:
		for i := 0; i < nframes; i++ {
			frames[i] = Frame{L: buf[i], R: buf[i]}
		}
	default:
		for i := 0; i < nframes; i++ {
			frames[i] = Frame{L: buf[i*ch], R: buf[i*ch+1]}
		}
	}
	return frames, eof, nil
}

// applyFades scales frames through the passage's fade-in and fade-out
// windows. Gain is baked into the buffered samples.
func (c *DecoderChain) applyFades(frames []Frame) {
	perFrame := ticks.FromSamples(1, c.outRate)
	pos := c.posTick
	t := c.timing
	for i := range frames {
		gain := float32(1.0)
		if t.FadeInTick > t.StartTick && pos < t.FadeInTick {
			progress := float64(pos-t.StartTick) / float64(t.FadeInTick-t.StartTick)
			gain = audio.FadeInGain(c.fadeInCurve, progress)
		} else if t.EndTick > 0 && t.FadeOutTick > 0 && t.FadeOutTick < t.EndTick && pos >= t.FadeOutTick {
			progress := float64(pos-t.FadeOutTick) / float64(t.EndTick-t.FadeOutTick)
			gain = audio.FadeOutGain(c.fadeOutCurve, progress)
		}
		if gain != 1.0 {
			frames[i].L *= gain
			frames[i].R *= gain
		}
		pos += perFrame
	}
}

// pushLocked moves pending frames into the ring, advancing the passage
// position only for accepted frames. Returns false when frames remain.
func (c *DecoderChain) pushLocked() bool {
	n, err := c.ring.Push(c.pending)
	if n > 0 {
		c.posTick += ticks.FromSamples(int64(n), c.outRate)
		c.buffers.NotifyPushed(c.entryID)
		c.pending = c.pending[n:]
	}
	if err == ErrBufferFull {
		return len(c.pending) == 0
	}
	if err != nil {
		c.pending = nil
		return true
	}
	return true
}

func (c *DecoderChain) reachedEnd() bool {
	return c.timing.EndTick > 0 && c.posTick >= c.timing.EndTick
}

// finishLocked closes out the assignment. On a clean EOF with an unknown
// end point the measured end tick is reported so timing can be persisted.
func (c *DecoderChain) finishLocked(clean bool) {
	if c.state == ChainExhausted {
		return
	}
	c.state = ChainExhausted
	if clean && c.timing.EndTick == 0 && c.discovery != nil {
		c.discovery(c.entryID, c.posTick)
	}
	if c.src != nil {
		c.src.Close()
		c.src = nil
	}
	c.pending = nil
	c.buffers.NotifyEOF(c.entryID)
}

// Release tears the chain down and returns it to the pool. The caller
// removes the buffer entry separately, in the documented cleanup order.
func (c *DecoderChain) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.src != nil {
		c.src.Close()
		c.src = nil
	}
	c.state = ChainUnassigned
	c.entryID = uuid.Nil
	c.path = ""
	c.ring = nil
	c.pending = nil
	c.discovery = nil
	c.posTick = 0
	c.seeked = false
}

// ChainPool hands out decoder chains up to a fixed limit and recycles
// released ones.
type ChainPool struct {
	mu     sync.Mutex
	chains []*DecoderChain
}

// NewChainPool builds max chains sharing a registry and buffer manager.
func NewChainPool(max int, registry *audio.Registry, buffers *BufferManager, outRate int, logger zerolog.Logger) *ChainPool {
	p := &ChainPool{chains: make([]*DecoderChain, max)}
	for i := range p.chains {
		p.chains[i] = NewDecoderChain(i, registry, buffers, outRate, logger)
	}
	return p
}

// Acquire returns an unassigned chain, or nil if all are busy.
func (p *ChainPool) Acquire() *DecoderChain {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.chains {
		if c.State() == ChainUnassigned {
			return c
		}
	}
	return nil
}

// ForEntry finds the chain serving a queue entry, or nil.
func (p *ChainPool) ForEntry(id uuid.UUID) *DecoderChain {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.chains {
		if c.State() != ChainUnassigned && c.EntryID() == id {
			return c
		}
	}
	return nil
}

// ChainInfo is a diagnostic snapshot of one pool slot.
type ChainInfo struct {
	Slot    int
	State   string
	EntryID uuid.UUID
}

// Snapshot reports the state of every pool slot.
func (p *ChainPool) Snapshot() []ChainInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ChainInfo, len(p.chains))
	for i, c := range p.chains {
		out[i] = ChainInfo{Slot: c.ID(), State: c.State().String(), EntryID: c.EntryID()}
	}
	return out
}

// Active returns the number of assigned chains.
func (p *ChainPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.chains {
		if c.State() != ChainUnassigned {
			n++
		}
	}
	return n
}
