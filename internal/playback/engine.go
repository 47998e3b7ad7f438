/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/cadenza/internal/audio"
	"github.com/friendsincode/cadenza/internal/config"
	"github.com/friendsincode/cadenza/internal/events"
	"github.com/friendsincode/cadenza/internal/models"
	"github.com/friendsincode/cadenza/internal/telemetry"
	"github.com/friendsincode/cadenza/internal/ticks"
)

const (
	settingMasterVolume = "master_volume"
	settingPlayState    = "play_state"
)

type discoveredEnd struct {
	entryID uuid.UUID
	endTick int64
}

// Engine wires the queue, decode scheduler, buffer manager, mixer, and
// output device together. All reactions to buffer and marker events run on
// the engine goroutine; public methods funnel through the same mutex, so
// every state transition is serialized.
//
// Completion is announced on more than one path (completion marker,
// end-of-file, user removal). A short TTL cache keyed by queue entry id
// collapses the duplicates so the queue advances exactly once per passage.
type Engine struct {
	cfg      *config.Config
	db       *gorm.DB
	bus      *events.Bus
	logger   zerolog.Logger
	registry *audio.Registry

	queue     *QueueManager
	buffers   *BufferManager
	chains    *ChainPool
	scheduler *Scheduler
	mixer     *Mixer
	output    *Output

	completed *cache.Cache

	mu        sync.Mutex
	playState bool

	discoveries chan discoveredEnd
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewEngine builds a stopped engine from configuration. db may be nil for
// a non-persistent engine.
func NewEngine(cfg *config.Config, db *gorm.DB, bus *events.Bus, logger zerolog.Logger) *Engine {
	log := logger.With().Str("component", "engine").Logger()
	registry := audio.DefaultRegistry()

	minStart := int64(cfg.MinStartLevel/time.Millisecond) * ticks.PerMS
	buffers := NewBufferManager(cfg.BufferCapacity, cfg.BufferHeadroom, cfg.ResumeHysteresis, cfg.SampleRate, minStart, logger)

	posInterval := ticks.FromDuration(cfg.PositionInterval)
	mixer := NewMixer(cfg.SampleRate, posInterval, float32(cfg.MasterVolume))

	e := &Engine{
		cfg:         cfg,
		db:          db,
		bus:         bus,
		logger:      log,
		registry:    registry,
		queue:       NewQueueManager(db, bus, logger),
		buffers:     buffers,
		chains:      NewChainPool(cfg.MaxChains, registry, buffers, cfg.SampleRate, logger),
		scheduler:   NewScheduler(cfg.DecodeWorkPeriod, logger),
		mixer:       mixer,
		completed:   cache.New(cfg.DedupWindow, cfg.DedupWindow),
		playState:   true,
		discoveries: make(chan discoveredEnd, 16),
	}
	e.output = NewOutput(mixer, cfg.SampleRate, cfg.AudioDevice, cfg.DeviceRetryAttempts, cfg.DeviceRetryBackoff, bus, logger)
	e.scheduler.SetCompletionFunc(e.onDecodeDone)
	return e
}

// Start restores persisted state, opens the audio device, and launches the
// engine and scheduler goroutines.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	e.restoreSettings()
	if err := e.queue.Load(ctx); err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}

	if err := e.output.Start(); err != nil {
		return fmt.Errorf("audio output: %w", err)
	}

	e.scheduler.Start(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()

	w := newWatchdog(e, e.cfg.WatchdogInterval)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		w.run(ctx)
	}()

	// Kick decoding for whatever the queue restore produced.
	e.mu.Lock()
	e.ensureDecodeLocked()
	e.mu.Unlock()

	e.logger.Info().Int("queue", e.queue.Len()).Msg("playback engine started")
	return nil
}

// Stop shuts the engine down. The device closes first so no callback runs
// against torn-down state.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.output.Close()
	e.scheduler.Stop()
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.buffers.Events():
			e.handleBufferEvent(ev)
		case ev := <-e.mixer.Events():
			e.handleMarkerEvent(ev)
		case d := <-e.discoveries:
			e.handleDiscovery(d)
		}
	}
}

// Enqueue adds a file to the play queue with optional timing. It returns
// the new entry's id.
func (e *Engine) Enqueue(path string, timing ticks.PassageTiming, title, artist string) (uuid.UUID, error) {
	if _, err := os.Stat(path); err != nil {
		return uuid.Nil, fmt.Errorf("enqueue %s: %w", path, err)
	}
	entry := &QueueEntry{
		ID:       uuid.New(),
		FilePath: path,
		Title:    title,
		Artist:   artist,
		Timing:   timing,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue.Enqueue(entry)
	e.ensureDecodeLocked()
	return entry.ID, nil
}

// EnqueuePassage adds a stored passage to the queue.
func (e *Engine) EnqueuePassage(passageID uuid.UUID) (uuid.UUID, error) {
	if e.db == nil {
		return uuid.Nil, fmt.Errorf("no database")
	}
	var p models.Passage
	if err := e.db.First(&p, "id = ?", passageID.String()).Error; err != nil {
		return uuid.Nil, fmt.Errorf("passage %s: %w", passageID, err)
	}
	entry := &QueueEntry{
		ID:        uuid.New(),
		PassageID: &passageID,
		FilePath:  p.FilePath,
		Title:     p.Title,
		Artist:    p.Artist,
		Timing: ticks.PassageTiming{
			StartTick:    p.StartTick,
			EndTick:      p.EndTick,
			FadeInTick:   p.FadeInTick,
			FadeOutTick:  p.FadeOutTick,
			FadeInCurve:  p.FadeInCurve,
			FadeOutCurve: p.FadeOutCurve,
			LeadInTick:   p.LeadInTick,
			LeadOutTick:  p.LeadOutTick,
		},
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue.Enqueue(entry)
	e.ensureDecodeLocked()
	return entry.ID, nil
}

// Remove takes an entry out of the queue. Removing an id that has already
// completed or been removed reports false and does nothing else.
func (e *Engine) Remove(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeEntryLocked(id, true)
}

// Skip ends the current passage immediately and moves on.
func (e *Engine) Skip() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.queue.Current()
	if cur == nil {
		return false
	}
	return e.removeEntryLocked(cur.ID, true)
}

// Play resumes output after a pause.
func (e *Engine) Play() {
	e.mu.Lock()
	e.playState = true
	e.mu.Unlock()
	e.mixer.Resume()
	e.persistSetting(settingPlayState, "playing")
	e.bus.Publish(events.EventStateChanged, events.Payload{"state": "playing"})
}

// Pause fades output to silence, holding position.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.playState = false
	e.mu.Unlock()
	e.mixer.Pause()
	e.persistSetting(settingPlayState, "paused")
	e.bus.Publish(events.EventStateChanged, events.Payload{"state": "paused"})
}

// SetVolume sets and persists master volume in [0,1].
func (e *Engine) SetVolume(v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("volume %v out of range", v)
	}
	e.mixer.SetMasterVolume(float32(v))
	e.persistSetting(settingMasterVolume, strconv.FormatFloat(v, 'f', 4, 64))
	e.bus.Publish(events.EventVolumeChanged, events.Payload{"volume": v})
	return nil
}

// Volume returns the master volume.
func (e *Engine) Volume() float64 { return float64(e.mixer.MasterVolume()) }

// Seek restarts the current passage at an absolute file tick. The decoded
// buffer is discarded and rebuilt from the new position.
func (e *Engine) Seek(tick int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.queue.Current()
	if cur == nil {
		return fmt.Errorf("nothing playing")
	}
	if cur.Timing.EndTick > 0 && tick >= cur.Timing.EndTick {
		return fmt.Errorf("seek past end of passage")
	}

	// Tear down the old chain and buffer, keep the queue entry.
	e.scheduler.Cancel(cur.ID)
	e.mixer.Stop(cur.ID)
	if c := e.chains.ForEntry(cur.ID); c != nil {
		c.Release()
	}
	e.buffers.Remove(cur.ID)

	seekTiming := cur.Timing
	seekTiming.StartTick = tick
	cur.Timing.StartTick = tick // position reporting uses the new origin

	chain := e.chains.Acquire()
	if chain == nil {
		return fmt.Errorf("no decoder chain available")
	}
	if err := chain.Assign(cur.ID, cur.FilePath, seekTiming, e.onEndpointDiscovered); err != nil {
		return err
	}
	e.scheduler.Submit(chain, PriorityImmediate)
	return nil
}

// BufferInfo is a diagnostic snapshot of one playout ring.
type BufferInfo struct {
	EntryID    uuid.UUID
	Fill       int
	FillTicks  int64
	Free       int
	Closed     bool
	FramesRead int64
	Underruns  int64
}

// Status summarizes playback for diagnostics and callers.
type Status struct {
	State          string
	Playing        bool
	Paused         bool // pause envelope fully settled at silence
	CurrentEntry   uuid.UUID
	PositionTick   int64
	PositionMS     int64
	QueueLength    int
	Volume         float64
	ActiveChains   int
	DroppedMarkers int64
	Chains         []ChainInfo
	Buffers        []BufferInfo
}

// GetStatus returns a snapshot of engine state.
func (e *Engine) GetStatus() Status {
	e.mu.Lock()
	playing := e.playState
	e.mu.Unlock()
	entry, pos := e.mixer.Position()
	chains := e.chains.Snapshot()
	var buffers []BufferInfo
	for _, ci := range chains {
		if ci.EntryID == uuid.Nil {
			continue
		}
		if ring := e.buffers.Get(ci.EntryID); ring != nil {
			buffers = append(buffers, BufferInfo{
				EntryID:    ci.EntryID,
				Fill:       ring.Len(),
				FillTicks:  e.buffers.OccupancyTicks(ci.EntryID),
				Free:       ring.Free(),
				Closed:     ring.Closed(),
				FramesRead: ring.FramesRead(),
				Underruns:  ring.Underruns(),
			})
		}
	}
	return Status{
		State:          e.mixer.State().String(),
		Playing:        playing,
		Paused:         e.mixer.Paused(),
		CurrentEntry:   entry,
		PositionTick:   pos,
		PositionMS:     ticks.ToMS(pos),
		QueueLength:    e.queue.Len(),
		Volume:         float64(e.mixer.MasterVolume()),
		ActiveChains:   e.chains.Active(),
		DroppedMarkers: e.mixer.DroppedEvents(),
		Chains:         chains,
		Buffers:        buffers,
	}
}

// Queue exposes the queue manager for read access.
func (e *Engine) Queue() *QueueManager { return e.queue }

// ensureDecodeLocked makes sure every entry that should be decoding has a
// chain, at the priority its queue position demands. Also the watchdog's
// recovery predicate: safe to call at any time.
func (e *Engine) ensureDecodeLocked() {
	if cur := e.queue.Current(); cur != nil {
		e.ensureEntryDecodingLocked(cur, PriorityImmediate)
	}
	if next := e.queue.Next(); next != nil {
		e.ensureEntryDecodingLocked(next, PriorityNext)
	}
	for _, entry := range e.queue.Queued() {
		if e.chains.Active() >= e.cfg.MaxChains-1 {
			break
		}
		e.ensureEntryDecodingLocked(entry, PriorityPrefetch)
	}
}

func (e *Engine) ensureEntryDecodingLocked(entry *QueueEntry, priority Priority) {
	if c := e.chains.ForEntry(entry.ID); c != nil {
		e.scheduler.Promote(entry.ID, priority)
		return
	}
	if e.buffers.Get(entry.ID) != nil {
		// Fully decoded and buffered already.
		return
	}
	chain := e.chains.Acquire()
	if chain == nil {
		return
	}
	if err := chain.Assign(entry.ID, entry.FilePath, entry.Timing, e.onEndpointDiscovered); err != nil {
		e.logger.Error().Err(err).Str("entry", entry.ID.String()).Msg("assign decoder chain")
		return
	}
	e.scheduler.Submit(chain, priority)
}

// onEndpointDiscovered runs on the scheduler goroutine; hand off to the
// engine loop.
func (e *Engine) onEndpointDiscovered(entryID uuid.UUID, endTick int64) {
	select {
	case e.discoveries <- discoveredEnd{entryID: entryID, endTick: endTick}:
	default:
		e.logger.Warn().Str("entry", entryID.String()).Msg("discovery channel full")
	}
}

// onDecodeDone runs on the scheduler goroutine when a chain finishes or
// fails. Failures surface as playback errors; the entry is removed so the
// queue does not wedge on an undecodable file. Work that raced a removal
// arrives with no assignment and is dropped silently.
func (e *Engine) onDecodeDone(entryID uuid.UUID, err error) {
	if err == nil || errors.Is(err, ErrChainNotAssigned) || entryID == uuid.Nil {
		return
	}
	e.logger.Error().Err(err).Str("entry", entryID.String()).Msg("decode failed")
	e.bus.Publish(events.EventPlaybackError, events.Payload{
		"queue_entry_id": entryID.String(),
		"error":          err.Error(),
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeEntryLocked(entryID, false)
}

func (e *Engine) handleBufferEvent(ev BufferEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev.Kind {
	case BufferReadyForStart:
		e.bus.Publish(events.EventBufferReady, events.Payload{"queue_entry_id": ev.QueueEntryID.String()})
		e.startIfReadyLocked()
	case BufferDecodeComplete:
		// Chain is exhausted; recycle it so prefetch can continue.
		if c := e.chains.ForEntry(ev.QueueEntryID); c != nil && c.State() == ChainExhausted {
			e.scheduler.Cancel(ev.QueueEntryID)
			c.Release()
		}
		e.ensureDecodeLocked()
	}
}

// startIfReadyLocked starts the current entry when the mixer is idle and
// its buffer holds the minimum start level. Shared with the watchdog.
func (e *Engine) startIfReadyLocked() bool {
	if e.mixer.State() != MixerIdle {
		return false
	}
	cur := e.queue.Current()
	if cur == nil {
		return false
	}
	ring := e.buffers.Get(cur.ID)
	if ring == nil || !e.buffers.HasMinimumStartLevel(cur.ID) {
		return false
	}

	e.mixer.Play(cur.ID, ring, cur.Timing.StartTick)
	if !e.playState {
		e.mixer.Pause()
	}
	e.scheduleCrossfadeLocked(cur)

	e.bus.Publish(events.EventPassageStarted, events.Payload{
		"queue_entry_id": cur.ID.String(),
		"file_path":      cur.FilePath,
		"title":          cur.Title,
		"artist":         cur.Artist,
	})
	return true
}

// scheduleCrossfadeLocked arms the crossfade marker for an entry when
// enough timing is known. With an unknown endpoint the marker waits for
// endpoint discovery; end-of-file handling covers the gap.
func (e *Engine) scheduleCrossfadeLocked(entry *QueueEntry) {
	defaultCrossfade := ticks.FromDuration(e.cfg.DefaultCrossfade)
	rel := entry.Timing.CrossfadeStart(0, defaultCrossfade)
	if rel <= 0 {
		return
	}
	e.mixer.ScheduleMarker(entry.ID, MarkerStartCrossfade, entry.Timing.StartTick+rel)
}

func (e *Engine) handleMarkerEvent(ev MarkerEvent) {
	switch ev.Kind {
	case MarkerPositionUpdate:
		e.bus.Publish(events.EventPositionUpdate, events.Payload{
			"queue_entry_id": ev.EntryID.String(),
			"position_tick":  ev.Tick,
			"position_ms":    ticks.ToMS(ev.Tick),
		})
	case MarkerStartCrossfade:
		e.mu.Lock()
		e.startCrossfadeLocked(ev.EntryID)
		e.mu.Unlock()
	case MarkerPassageComplete, MarkerEndOfFile, MarkerEndOfFileBeforeLeadOut:
		e.mu.Lock()
		e.completeLocked(ev.EntryID, ev.Kind)
		e.mu.Unlock()
	}
}

// startCrossfadeLocked brings the next entry into the mixer. If its buffer
// is not ready the crossfade is skipped; the current passage plays out and
// the next starts cold at completion.
func (e *Engine) startCrossfadeLocked(fromID uuid.UUID) {
	cur := e.queue.Current()
	if cur == nil || cur.ID != fromID {
		return
	}
	next := e.queue.Next()
	if next == nil {
		return
	}
	ring := e.buffers.Get(next.ID)
	if ring == nil || !e.buffers.HasMinimumStartLevel(next.ID) {
		e.logger.Warn().Str("next", next.ID.String()).Msg("next passage not buffered at crossfade point, skipping overlap")
		return
	}

	startTick := next.Timing.StartTick
	e.mixer.StartCrossfade(next.ID, ring, startTick)
	e.scheduleCrossfadeLocked(next)
	e.scheduler.Promote(next.ID, PriorityImmediate)
	telemetry.CrossfadesStarted.Inc()
	e.bus.Publish(events.EventCrossfadeStarted, events.Payload{
		"from": cur.ID.String(),
		"to":   next.ID.String(),
	})
}

// completeLocked advances past a finished passage. The dedup cache makes
// this at-most-once per entry inside the TTL window: end-of-file markers,
// completion markers, and user removals can all race here.
func (e *Engine) completeLocked(entryID uuid.UUID, kind MarkerKind) {
	if _, dup := e.completed.Get(entryID.String()); dup {
		telemetry.CompletionsDeduped.Inc()
		return
	}
	e.completed.Set(entryID.String(), true, cache.DefaultExpiration)

	cur := e.queue.Current()
	if cur == nil || cur.ID != entryID {
		// Completion for something no longer current (already removed).
		e.cleanupEntryLocked(entryID, false)
		return
	}

	endTick := any(nil)
	if _, pos := e.mixer.Position(); pos > 0 {
		endTick = pos
	}

	// Fixed ordering: decoder resources, then mixer, then persistence,
	// then memory, then notifications, then new decode work.
	e.scheduler.Cancel(entryID)
	if c := e.chains.ForEntry(entryID); c != nil {
		c.Release()
	}
	e.mixer.Stop(entryID)
	promotions := e.queue.Advance() // deletes the row, not-found tolerated
	e.buffers.Remove(entryID)

	e.bus.Publish(events.EventPassageComplete, events.Payload{
		"queue_entry_id": entryID.String(),
		"reason":         kind.String(),
		"end_tick":       endTick,
	})

	e.applyPromotionsLocked(promotions)
}

// removeEntryLocked is the user-removal twin of completeLocked, sharing
// the same ordering and dedup registration.
func (e *Engine) removeEntryLocked(entryID uuid.UUID, announce bool) bool {
	_, pos, found := e.queue.Find(entryID)
	if !found {
		return false
	}
	e.completed.Set(entryID.String(), true, cache.DefaultExpiration)

	e.scheduler.Cancel(entryID)
	if c := e.chains.ForEntry(entryID); c != nil {
		c.Release()
	}
	if pos == PositionCurrent || pos == PositionNext {
		e.mixer.Stop(entryID)
	}
	removed, promotions := e.queue.Remove(entryID)
	e.buffers.Remove(entryID)

	if announce && removed {
		e.bus.Publish(events.EventPassageComplete, events.Payload{
			"queue_entry_id": entryID.String(),
			"reason":         "removed",
		})
	}

	e.applyPromotionsLocked(promotions)
	return removed
}

// cleanupEntryLocked releases decode resources for an entry without
// touching the queue.
func (e *Engine) cleanupEntryLocked(entryID uuid.UUID, stopMixer bool) {
	e.scheduler.Cancel(entryID)
	if c := e.chains.ForEntry(entryID); c != nil {
		c.Release()
	}
	if stopMixer {
		e.mixer.Stop(entryID)
	}
	e.buffers.Remove(entryID)
}

// applyPromotionsLocked reacts to queue entries moving forward: raise
// decode priority, and start playback if the mixer went idle.
func (e *Engine) applyPromotionsLocked(promotions []Promotion) {
	for _, p := range promotions {
		switch p.To {
		case PositionCurrent:
			e.ensureEntryDecodingLocked(p.Entry, PriorityImmediate)
		case PositionNext:
			e.ensureEntryDecodingLocked(p.Entry, PriorityNext)
		}
	}
	e.ensureDecodeLocked()
	e.startIfReadyLocked()
}

// handleDiscovery persists a measured endpoint and, when the entry is
// still current, arms the crossfade marker that could not be scheduled
// while the endpoint was unknown.
func (e *Engine) handleDiscovery(d discoveredEnd) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, _, found := e.queue.Find(d.entryID)
	if !found {
		return
	}
	entry.Timing.EndTick = d.endTick
	e.logger.Debug().Str("entry", d.entryID.String()).Int64("end_tick", d.endTick).Msg("endpoint discovered")

	if entry.PassageID != nil && e.db != nil {
		err := e.db.Model(&models.Passage{}).
			Where("id = ? AND end_tick = 0", entry.PassageID.String()).
			Update("end_tick", d.endTick).Error
		if err != nil {
			e.logger.Error().Err(err).Msg("persist discovered endpoint")
		}
	}

	cur := e.queue.Current()
	if cur != nil && cur.ID == d.entryID {
		defaultCrossfade := ticks.FromDuration(e.cfg.DefaultCrossfade)
		rel := entry.Timing.CrossfadeStart(d.endTick, defaultCrossfade)
		if rel > 0 {
			_, pos := e.mixer.Position()
			target := entry.Timing.StartTick + rel
			if target > pos {
				e.mixer.ScheduleMarker(entry.ID, MarkerStartCrossfade, target)
			}
		}
	}
}

func (e *Engine) restoreSettings() {
	if e.db == nil {
		return
	}
	var s models.Setting
	if err := e.db.First(&s, "key = ?", settingMasterVolume).Error; err == nil {
		if v, err := strconv.ParseFloat(s.Value, 64); err == nil && v >= 0 && v <= 1 {
			e.mixer.SetMasterVolume(float32(v))
		}
	}
	if err := e.db.First(&s, "key = ?", settingPlayState).Error; err == nil && s.Value == "paused" {
		e.mu.Lock()
		e.playState = false
		e.mu.Unlock()
		e.mixer.Pause()
	}
}

func (e *Engine) persistSetting(key, value string) {
	if e.db == nil {
		return
	}
	s := models.Setting{Key: key, Value: value, UpdatedAt: time.Now()}
	if err := e.db.Save(&s).Error; err != nil {
		e.logger.Error().Err(err).Str("key", key).Msg("persist setting")
	}
}
