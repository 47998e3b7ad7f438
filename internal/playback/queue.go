/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/cadenza/internal/events"
	"github.com/friendsincode/cadenza/internal/models"
	"github.com/friendsincode/cadenza/internal/telemetry"
	"github.com/friendsincode/cadenza/internal/ticks"
)

// Position is a slot in the three-tier queue.
type Position int

const (
	PositionCurrent Position = iota
	PositionNext
	PositionQueued
)

func (p Position) String() string {
	switch p {
	case PositionCurrent:
		return "current"
	case PositionNext:
		return "next"
	default:
		return "queued"
	}
}

// QueueEntry is one playback request held in memory.
type QueueEntry struct {
	ID        uuid.UUID
	PassageID *uuid.UUID
	FilePath  string
	Title     string
	Artist    string
	Timing    ticks.PassageTiming
}

// Promotion records an entry that moved into the current or next slot as a
// result of an advance or removal. The engine reacts by raising the entry's
// decode priority.
type Promotion struct {
	Entry *QueueEntry
	To    Position
}

// QueueManager holds the three-tier play queue: the passage playing now,
// the one decoded ahead for the upcoming crossfade, and everything after.
// All mutations report which entries were promoted so decode scheduling
// stays event-driven.
//
// Mutations persist through the db handle when one is set; a nil handle
// gives a purely in-memory queue, which tests use.
type QueueManager struct {
	mu      sync.Mutex
	current *QueueEntry
	next    *QueueEntry
	queued  []*QueueEntry

	db     *gorm.DB
	bus    *events.Bus
	logger zerolog.Logger
}

// NewQueueManager builds an empty queue. db may be nil.
func NewQueueManager(db *gorm.DB, bus *events.Bus, logger zerolog.Logger) *QueueManager {
	return &QueueManager{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "queue").Logger(),
	}
}

// Enqueue appends an entry, filling the current and next slots first.
// It returns the position the entry landed in.
func (q *QueueManager) Enqueue(entry *QueueEntry) Position {
	q.mu.Lock()
	var pos Position
	switch {
	case q.current == nil:
		q.current = entry
		pos = PositionCurrent
	case q.next == nil:
		q.next = entry
		pos = PositionNext
	default:
		q.queued = append(q.queued, entry)
		pos = PositionQueued
	}
	length := q.lenLocked()
	q.mu.Unlock()

	q.persist(entry)
	telemetry.QueueLength.Set(float64(length))
	q.bus.Publish(events.EventEnqueued, events.Payload{
		"queue_entry_id": entry.ID.String(),
		"position":       pos.String(),
		"file_path":      entry.FilePath,
	})
	q.publishChanged(length)
	return pos
}

// Remove drops an entry from whichever slot holds it. Removing an id that
// is not present is not an error; the boolean reports whether state
// changed, so repeated removals (user action racing engine completion) are
// safe. Promotions describe entries pulled forward to backfill.
func (q *QueueManager) Remove(id uuid.UUID) (bool, []Promotion) {
	q.mu.Lock()
	removed := false
	var promotions []Promotion

	switch {
	case q.current != nil && q.current.ID == id:
		removed = true
		q.current = nil
		promotions = q.backfillLocked()
	case q.next != nil && q.next.ID == id:
		removed = true
		q.next = nil
		promotions = q.backfillLocked()
	default:
		for i, e := range q.queued {
			if e.ID == id {
				removed = true
				q.queued = append(q.queued[:i], q.queued[i+1:]...)
				break
			}
		}
	}
	length := q.lenLocked()
	q.mu.Unlock()

	if !removed {
		return false, nil
	}
	q.deleteRow(id)
	telemetry.QueueLength.Set(float64(length))
	q.publishChanged(length)
	return true, promotions
}

// Advance moves next into current and the head of queued into next,
// dropping the finished current entry. Used when a passage completes.
func (q *QueueManager) Advance() []Promotion {
	q.mu.Lock()
	var finished *QueueEntry
	if q.current != nil {
		finished = q.current
		q.current = nil
	}
	promotions := q.backfillLocked()
	length := q.lenLocked()
	q.mu.Unlock()

	if finished != nil {
		q.deleteRow(finished.ID)
	}
	telemetry.QueueLength.Set(float64(length))
	q.publishChanged(length)
	return promotions
}

// backfillLocked pulls entries forward: next fills current, queued[0]
// fills next. Reported promotions follow playback order.
func (q *QueueManager) backfillLocked() []Promotion {
	var promotions []Promotion
	if q.current == nil && q.next != nil {
		q.current = q.next
		q.next = nil
		promotions = append(promotions, Promotion{Entry: q.current, To: PositionCurrent})
	}
	if q.next == nil && len(q.queued) > 0 {
		q.next = q.queued[0]
		q.queued = q.queued[1:]
		promotions = append(promotions, Promotion{Entry: q.next, To: PositionNext})
	}
	return promotions
}

// Current returns the playing entry, or nil.
func (q *QueueManager) Current() *QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// Next returns the upcoming entry, or nil.
func (q *QueueManager) Next() *QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.next
}

// Queued returns a snapshot of the waiting entries.
func (q *QueueManager) Queued() []*QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*QueueEntry, len(q.queued))
	copy(out, q.queued)
	return out
}

// Find returns the entry with the given id and its position.
func (q *QueueManager) Find(id uuid.UUID) (*QueueEntry, Position, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != nil && q.current.ID == id {
		return q.current, PositionCurrent, true
	}
	if q.next != nil && q.next.ID == id {
		return q.next, PositionNext, true
	}
	for _, e := range q.queued {
		if e.ID == id {
			return e, PositionQueued, true
		}
	}
	return nil, PositionQueued, false
}

// Len returns the total number of entries across all three tiers.
func (q *QueueManager) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

func (q *QueueManager) lenLocked() int {
	n := len(q.queued)
	if q.current != nil {
		n++
	}
	if q.next != nil {
		n++
	}
	return n
}

// Load restores the persisted queue in play order. Rows whose file no
// longer exists are deleted and reported rather than silently kept; a
// stale row must not wedge playback at startup.
func (q *QueueManager) Load(ctx context.Context) error {
	if q.db == nil {
		return nil
	}
	var rows []models.QueueRow
	if err := q.db.WithContext(ctx).Order("play_order asc").Find(&rows).Error; err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	restored := 0
	for _, row := range rows {
		entry, err := q.entryFromRow(row)
		if err != nil {
			q.logger.Warn().Err(err).Str("row", row.ID).Msg("dropping invalid queue row")
			q.db.WithContext(ctx).Delete(&models.QueueRow{}, "id = ?", row.ID)
			q.bus.Publish(events.EventQueueValidationError, events.Payload{
				"queue_entry_id": row.ID,
				"file_path":      row.FilePath,
				"error":          err.Error(),
			})
			continue
		}

		q.mu.Lock()
		switch {
		case q.current == nil:
			q.current = entry
		case q.next == nil:
			q.next = entry
		default:
			q.queued = append(q.queued, entry)
		}
		q.mu.Unlock()
		restored++
	}

	telemetry.QueueLength.Set(float64(q.Len()))
	q.logger.Info().Int("restored", restored).Int("dropped", len(rows)-restored).Msg("queue restored")
	return nil
}

// entryFromRow validates and converts a persisted row, resolving the
// passage reference when one is set. Per-row tick overrides win over the
// passage row's values.
func (q *QueueManager) entryFromRow(row models.QueueRow) (*QueueEntry, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return nil, fmt.Errorf("bad id: %w", err)
	}

	entry := &QueueEntry{
		ID:       id,
		FilePath: row.FilePath,
		Timing: ticks.PassageTiming{
			StartTick:    row.StartTick,
			EndTick:      row.EndTick,
			FadeInTick:   row.FadeInTick,
			FadeOutTick:  row.FadeOutTick,
			FadeInCurve:  row.FadeInCurve,
			FadeOutCurve: row.FadeOutCurve,
			LeadInTick:   row.LeadInTick,
			LeadOutTick:  row.LeadOutTick,
		},
	}

	if row.PassageID != nil {
		pid, err := uuid.Parse(*row.PassageID)
		if err != nil {
			return nil, fmt.Errorf("bad passage id: %w", err)
		}
		entry.PassageID = &pid

		var passage models.Passage
		if err := q.db.First(&passage, "id = ?", *row.PassageID).Error; err != nil {
			return nil, fmt.Errorf("passage lookup: %w", err)
		}
		entry.Title = passage.Title
		entry.Artist = passage.Artist
		if entry.FilePath == "" {
			entry.FilePath = passage.FilePath
		}
		if entry.Timing.StartTick == 0 && entry.Timing.EndTick == 0 {
			entry.Timing = ticks.PassageTiming{
				StartTick:    passage.StartTick,
				EndTick:      passage.EndTick,
				FadeInTick:   passage.FadeInTick,
				FadeOutTick:  passage.FadeOutTick,
				FadeInCurve:  passage.FadeInCurve,
				FadeOutCurve: passage.FadeOutCurve,
				LeadInTick:   passage.LeadInTick,
				LeadOutTick:  passage.LeadOutTick,
			}
		}
	}

	if entry.FilePath == "" {
		return nil, fmt.Errorf("no file path")
	}
	if _, err := os.Stat(entry.FilePath); err != nil {
		return nil, fmt.Errorf("file missing: %w", err)
	}
	return entry, nil
}

func (q *QueueManager) persist(entry *QueueEntry) {
	if q.db == nil {
		return
	}
	var passageID *string
	if entry.PassageID != nil {
		s := entry.PassageID.String()
		passageID = &s
	}
	row := models.QueueRow{
		ID:           entry.ID.String(),
		PassageID:    passageID,
		FilePath:     entry.FilePath,
		PlayOrder:    q.nextPlayOrder(),
		StartTick:    entry.Timing.StartTick,
		EndTick:      entry.Timing.EndTick,
		FadeInTick:   entry.Timing.FadeInTick,
		FadeOutTick:  entry.Timing.FadeOutTick,
		FadeInCurve:  entry.Timing.FadeInCurve,
		FadeOutCurve: entry.Timing.FadeOutCurve,
		LeadInTick:   entry.Timing.LeadInTick,
		LeadOutTick:  entry.Timing.LeadOutTick,
	}
	if err := q.db.Create(&row).Error; err != nil {
		q.logger.Error().Err(err).Str("entry", entry.ID.String()).Msg("persist queue row")
	}
}

func (q *QueueManager) nextPlayOrder() int64 {
	var max int64
	row := q.db.Model(&models.QueueRow{}).Select("coalesce(max(play_order), 0)")
	if err := row.Scan(&max).Error; err != nil {
		return 0
	}
	return max + 1
}

// deleteRow removes the persisted row. A missing row is fine: completion
// and a racing user removal both try to delete.
func (q *QueueManager) deleteRow(id uuid.UUID) {
	if q.db == nil {
		return
	}
	if err := q.db.Delete(&models.QueueRow{}, "id = ?", id.String()).Error; err != nil {
		q.logger.Error().Err(err).Str("entry", id.String()).Msg("delete queue row")
	}
}

func (q *QueueManager) publishChanged(length int) {
	q.bus.Publish(events.EventQueueChanged, events.Payload{"length": length})
}
