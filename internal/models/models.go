package models

import (
	"time"
)

// Passage is an immutable playable region of an audio file, with all
// boundary points tick-denominated. Rows are produced by the ingest
// pipeline; the playback engine only reads them.
type Passage struct {
	ID       string `gorm:"type:uuid;primaryKey"`
	FilePath string `gorm:"index"`
	Title    string
	Artist   string

	StartTick int64
	// EndTick is 0 when the ingest pipeline could not determine the
	// endpoint; the decoder discovers it at playback time.
	EndTick int64

	FadeInTick   int64
	FadeOutTick  int64
	FadeInCurve  string `gorm:"type:varchar(16)"`
	FadeOutCurve string `gorm:"type:varchar(16)"`

	LeadInTick  int64
	LeadOutTick int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// QueueRow is one persisted playback request. The in-memory queue mirrors
// these rows; PlayOrder gives the restore ordering at startup.
type QueueRow struct {
	ID        string  `gorm:"type:uuid;primaryKey"`
	PassageID *string `gorm:"type:uuid;index"` // nil for ephemeral entries
	FilePath  string
	PlayOrder int64 `gorm:"index"`

	// Optional per-entry timing overrides, in ticks. Zero means "use the
	// passage row" (or the whole file for ephemeral entries).
	StartTick    int64
	EndTick      int64
	FadeInTick   int64
	FadeOutTick  int64
	FadeInCurve  string `gorm:"type:varchar(16)"`
	FadeOutCurve string `gorm:"type:varchar(16)"`
	LeadInTick   int64
	LeadOutTick  int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Setting is a single persisted key/value setting (volume, play state).
type Setting struct {
	Key       string `gorm:"primaryKey;type:varchar(64)"`
	Value     string
	UpdatedAt time.Time
}
