/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	EventEnqueued             EventType = "queue.enqueued"
	EventQueueChanged         EventType = "queue.changed"
	EventPassageStarted       EventType = "playback.passage_started"
	EventPositionUpdate       EventType = "playback.position"
	EventPassageComplete      EventType = "playback.passage_complete"
	EventCrossfadeStarted     EventType = "playback.crossfade_started"
	EventStateChanged         EventType = "playback.state_changed"
	EventVolumeChanged        EventType = "playback.volume_changed"
	EventBufferReady          EventType = "buffer.ready"
	EventBufferUnderrun       EventType = "buffer.underrun"
	EventQueueValidationError EventType = "queue.validation_error"
	EventPlaybackError        EventType = "playback.error"
	EventDeviceLost           EventType = "output.device_lost"
	EventDeviceRecovered      EventType = "output.device_recovered"
	EventWatchdogIntervention EventType = "watchdog.intervention"
)

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub. Delivery is FIFO per publishing
// source and at-least-once: an explicit completion marker and a later
// end-of-file condition can both announce the same passage, so consumers of
// completion-class events must tolerate duplicates.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 64)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers. Slow subscribers drop rather than
// block the publisher; the engine's own control paths use dedicated channels
// and never depend on bus delivery.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
	close(sub)
}
