/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	"github.com/friendsincode/cadenza/internal/events"
	"github.com/friendsincode/cadenza/internal/telemetry"
)

// Output owns the audio device and drives the mixer from its callback.
// Device loss is handled with bounded retries; while retrying, playback
// state is untouched so audio continues where it left off on recovery.
type Output struct {
	mixer      *Mixer
	sampleRate int
	deviceName string
	attempts   int
	backoff    time.Duration
	bus        *events.Bus
	logger     zerolog.Logger

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	stopped bool

	frameBuf []Frame
}

// NewOutput builds an output for the mixer. deviceName is a substring
// match against system device names; empty selects the default device.
func NewOutput(mixer *Mixer, sampleRate int, deviceName string, attempts int, backoff time.Duration, bus *events.Bus, logger zerolog.Logger) *Output {
	return &Output{
		mixer:      mixer,
		sampleRate: sampleRate,
		deviceName: deviceName,
		attempts:   attempts,
		backoff:    backoff,
		bus:        bus,
		logger:     logger.With().Str("component", "output").Logger(),
	}
}

// Start opens the device and begins pulling audio.
func (o *Output) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = false
	return o.startLocked()
}

func (o *Output) startLocked() error {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		o.logger.Debug().Msg(strings.TrimSpace(msg))
	})
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = 2
	cfg.SampleRate = uint32(o.sampleRate)

	if o.deviceName != "" {
		id, err := o.findDevice(ctx)
		if err != nil {
			o.logger.Warn().Err(err).Str("device", o.deviceName).Msg("requested device not found, using default")
		} else {
			cfg.Playback.DeviceID = id.Pointer()
		}
	}

	callbacks := malgo.DeviceCallbacks{
		Data: o.onFrames,
		Stop: o.onStop,
	}
	device, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("init playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("start playback device: %w", err)
	}

	o.ctx = ctx
	o.device = device
	o.logger.Info().Int("sample_rate", o.sampleRate).Msg("audio device started")
	return nil
}

func (o *Output) findDevice(ctx *malgo.AllocatedContext) (*malgo.DeviceID, error) {
	infos, err := ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	want := strings.ToLower(o.deviceName)
	for i := range infos {
		if strings.Contains(strings.ToLower(infos[i].Name()), want) {
			id := infos[i].ID
			return &id, nil
		}
	}
	return nil, fmt.Errorf("no playback device matching %q", o.deviceName)
}

// onFrames is the device data callback: pull frames from the mixer and
// serialize them as interleaved little-endian float32.
func (o *Output) onFrames(pOutput, _ []byte, frameCount uint32) {
	n := int(frameCount)
	if cap(o.frameBuf) < n {
		o.frameBuf = make([]Frame, n)
	}
	frames := o.frameBuf[:n]
	o.mixer.Mix(frames)

	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(pOutput[i*8:], math.Float32bits(frames[i].L))
		binary.LittleEndian.PutUint32(pOutput[i*8+4:], math.Float32bits(frames[i].R))
	}
}

// onStop fires when the device halts, including hardware disappearance.
// Deliberate Close sets stopped first; anything else starts recovery.
func (o *Output) onStop() {
	o.mu.Lock()
	deliberate := o.stopped
	o.mu.Unlock()
	if deliberate {
		return
	}

	o.logger.Warn().Msg("audio device stopped unexpectedly")
	o.bus.Publish(events.EventDeviceLost, events.Payload{"device": o.deviceName})
	go o.recover()
}

// recover retries the device with linear backoff. Playback state is left
// alone: the rings keep their audio and pick up where they stopped.
func (o *Output) recover() {
	for attempt := 1; attempt <= o.attempts; attempt++ {
		time.Sleep(o.backoff)

		o.mu.Lock()
		if o.stopped {
			o.mu.Unlock()
			return
		}
		o.teardownLocked()
		err := o.startLocked()
		o.mu.Unlock()

		if err == nil {
			telemetry.DeviceRestarts.Inc()
			o.logger.Info().Int("attempt", attempt).Msg("audio device recovered")
			o.bus.Publish(events.EventDeviceRecovered, events.Payload{"attempt": attempt})
			return
		}
		o.logger.Warn().Err(err).Int("attempt", attempt).Int("max", o.attempts).Msg("device recovery failed")
	}

	o.logger.Error().Msg("audio device unrecoverable")
	o.bus.Publish(events.EventPlaybackError, events.Payload{"error": "audio device unrecoverable"})
}

func (o *Output) teardownLocked() {
	if o.device != nil {
		o.device.Uninit()
		o.device = nil
	}
	if o.ctx != nil {
		o.ctx.Uninit()
		o.ctx.Free()
		o.ctx = nil
	}
}

// Close stops the device and releases the audio context.
func (o *Output) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = true
	o.teardownLocked()
}
