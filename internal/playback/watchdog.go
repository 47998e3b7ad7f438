/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/friendsincode/cadenza/internal/events"
	"github.com/friendsincode/cadenza/internal/telemetry"
)

// watchdog is a reactive safety net behind the event-driven paths. It
// never takes an action the event paths would not: it calls the same
// predicates, so a healthy engine sees zero interventions. Every firing is
// a bug signal and is logged, counted, and published as such.
type watchdog struct {
	engine   *Engine
	interval time.Duration

	lastUnderruns int64
}

func newWatchdog(e *Engine, interval time.Duration) *watchdog {
	return &watchdog{engine: e, interval: interval}
}

func (w *watchdog) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *watchdog) check() {
	e := w.engine
	e.mu.Lock()

	// A current entry with neither a decoder chain nor a buffer means a
	// decode trigger was lost somewhere.
	if cur := e.queue.Current(); cur != nil {
		if e.chains.ForEntry(cur.ID) == nil && e.buffers.Get(cur.ID) == nil {
			e.ensureDecodeLocked()
			e.mu.Unlock()
			w.intervene("missing_decode", cur.ID.String())
			return
		}
	}

	// Next and queued entries should be decoding ahead whenever chain
	// capacity is free; one with neither chain nor buffer lost its trigger.
	if e.chains.Active() < e.cfg.MaxChains {
		if id, ok := w.stalledPrefetchLocked(); ok {
			e.ensureDecodeLocked()
			e.mu.Unlock()
			w.intervene("missing_prefetch", id.String())
			return
		}
	}

	// Idle mixer with a startable current entry means a ready signal was
	// lost.
	if e.mixer.State() == MixerIdle && e.playState {
		if cur := e.queue.Current(); cur != nil && e.buffers.HasMinimumStartLevel(cur.ID) {
			started := e.startIfReadyLocked()
			e.mu.Unlock()
			if started {
				w.intervene("stalled_start", cur.ID.String())
			}
			return
		}
	}

	// Underrun accounting on the playing ring.
	var underruns int64
	if cur := e.queue.Current(); cur != nil {
		if ring := e.buffers.Get(cur.ID); ring != nil {
			underruns = ring.Underruns()
		}
	}
	e.mu.Unlock()

	if underruns > w.lastUnderruns {
		delta := underruns - w.lastUnderruns
		telemetry.BufferUnderruns.Add(float64(delta))
		e.logger.Warn().Int64("count", delta).Msg("playout buffer underrun")
		e.bus.Publish(events.EventBufferUnderrun, events.Payload{"count": delta})
	}
	w.lastUnderruns = underruns
}

// stalledPrefetchLocked finds a next or queued entry with neither a
// decoder chain nor a buffer, honoring the same capacity reserve the
// decode path applies to queued-tier prefetch. Caller holds the engine
// mutex.
func (w *watchdog) stalledPrefetchLocked() (uuid.UUID, bool) {
	e := w.engine
	if next := e.queue.Next(); next != nil {
		if e.chains.ForEntry(next.ID) == nil && e.buffers.Get(next.ID) == nil {
			return next.ID, true
		}
	}
	if e.chains.Active() >= e.cfg.MaxChains-1 {
		return uuid.Nil, false
	}
	for _, entry := range e.queue.Queued() {
		if e.chains.ForEntry(entry.ID) == nil && e.buffers.Get(entry.ID) == nil {
			return entry.ID, true
		}
	}
	return uuid.Nil, false
}

func (w *watchdog) intervene(kind, entryID string) {
	e := w.engine
	telemetry.WatchdogInterventions.WithLabelValues(kind).Inc()
	e.logger.Warn().Str("kind", kind).Str("entry", entryID).Msg("watchdog intervention")
	e.bus.Publish(events.EventWatchdogIntervention, events.Payload{
		"kind":           kind,
		"queue_entry_id": entryID,
	})
}
