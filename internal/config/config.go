/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	DBBackend   DatabaseBackend
	DBDSN       string
	MediaRoot   string
	MetricsBind string

	// Engine sample rate (Hz). Every source is resampled to this rate.
	// Must divide the tick rate evenly.
	SampleRate int

	// Maximum concurrent decoder chains (current + next + prefetched).
	MaxChains int

	// Playout ring buffer geometry, in stereo frames.
	BufferCapacity   int
	BufferHeadroom   int // producer pauses when free space drops to this
	ResumeHysteresis int // producer resumes at headroom + hysteresis free

	// Minimum buffered audio before the mixer may start a passage.
	MinStartLevel time.Duration

	// Watchdog poll interval and the serial decoder's work period.
	WatchdogInterval time.Duration
	DecodeWorkPeriod time.Duration

	// Completion dedup window: duplicate completion signals for the same
	// queue entry inside this window are dropped.
	DedupWindow time.Duration

	// Default crossfade duration when a passage has no lead-out point.
	DefaultCrossfade time.Duration

	// Cadence of outbound position events.
	PositionInterval time.Duration

	// Initial master volume, 0.0..1.0.
	MasterVolume float64

	// Output device name, empty for the system default.
	AudioDevice string

	// Device-loss recovery: retry attempts and backoff between them.
	DeviceRetryAttempts int
	DeviceRetryBackoff  time.Duration
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("CADENZA_ENV", "development"),
		DBBackend:   DatabaseBackend(getEnv("CADENZA_DB_BACKEND", string(DatabaseSQLite))),
		DBDSN:       getEnv("CADENZA_DB_DSN", "cadenza.db"),
		MediaRoot:   getEnv("CADENZA_MEDIA_ROOT", "./media"),
		MetricsBind: getEnv("CADENZA_METRICS_BIND", "127.0.0.1:9100"),

		SampleRate: getEnvInt("CADENZA_SAMPLE_RATE", 44100),
		MaxChains:  getEnvInt("CADENZA_MAX_CHAINS", 8),

		BufferCapacity:   getEnvInt("CADENZA_BUFFER_CAPACITY", 661941),
		BufferHeadroom:   getEnvInt("CADENZA_BUFFER_HEADROOM", 4410),
		ResumeHysteresis: getEnvInt("CADENZA_RESUME_HYSTERESIS", 44100),

		MinStartLevel:    getEnvDuration("CADENZA_MIN_START_LEVEL_MS", 3000*time.Millisecond),
		WatchdogInterval: getEnvDuration("CADENZA_WATCHDOG_INTERVAL_MS", 100*time.Millisecond),
		DecodeWorkPeriod: getEnvDuration("CADENZA_DECODE_WORK_PERIOD_MS", 20*time.Millisecond),
		DedupWindow:      getEnvDuration("CADENZA_DEDUP_WINDOW_MS", 5000*time.Millisecond),
		DefaultCrossfade: getEnvDuration("CADENZA_DEFAULT_CROSSFADE_MS", 5000*time.Millisecond),
		PositionInterval: getEnvDuration("CADENZA_POSITION_INTERVAL_MS", 1000*time.Millisecond),

		MasterVolume: getEnvFloat("CADENZA_MASTER_VOLUME", 1.0),
		AudioDevice:  getEnv("CADENZA_AUDIO_DEVICE", ""),

		DeviceRetryAttempts: getEnvInt("CADENZA_DEVICE_RETRY_ATTEMPTS", 5),
		DeviceRetryBackoff:  getEnvDuration("CADENZA_DEVICE_RETRY_BACKOFF_MS", 2000*time.Millisecond),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("CADENZA_DB_DSN must be provided")
	}
	if !tickRateDivisible(cfg.SampleRate) {
		return nil, fmt.Errorf("unsupported sample rate %d: must divide the tick rate evenly", cfg.SampleRate)
	}
	if cfg.MaxChains < 2 || cfg.MaxChains > 64 {
		return nil, fmt.Errorf("CADENZA_MAX_CHAINS must be in 2..64, got %d", cfg.MaxChains)
	}
	if cfg.BufferCapacity <= cfg.BufferHeadroom {
		return nil, fmt.Errorf("buffer capacity (%d) must exceed headroom (%d)", cfg.BufferCapacity, cfg.BufferHeadroom)
	}
	if cfg.BufferHeadroom <= 0 || cfg.ResumeHysteresis <= 0 {
		return nil, fmt.Errorf("buffer headroom and resume hysteresis must be positive")
	}
	if cfg.BufferHeadroom+cfg.ResumeHysteresis >= cfg.BufferCapacity {
		return nil, fmt.Errorf("headroom+hysteresis (%d) must stay below capacity (%d)",
			cfg.BufferHeadroom+cfg.ResumeHysteresis, cfg.BufferCapacity)
	}
	if cfg.WatchdogInterval < 10*time.Millisecond || cfg.WatchdogInterval > 5*time.Second {
		return nil, fmt.Errorf("watchdog interval must be in 10ms..5s, got %s", cfg.WatchdogInterval)
	}
	if cfg.MasterVolume < 0 || cfg.MasterVolume > 1 {
		return nil, fmt.Errorf("master volume must be in 0..1, got %f", cfg.MasterVolume)
	}
	if strings.EqualFold(cfg.Environment, "production") && cfg.DBBackend == DatabaseSQLite && cfg.DBDSN == ":memory:" {
		return nil, fmt.Errorf("in-memory sqlite is not allowed in production")
	}

	return cfg, nil
}

// tickRateDivisible mirrors ticks.RateSupported without importing the
// package (config sits below everything else).
func tickRateDivisible(rate int) bool {
	const tickRate = 28_224_000
	return rate > 0 && tickRate%rate == 0
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

// getEnvDuration reads a millisecond-denominated env value.
func getEnvDuration(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return time.Duration(parsed) * time.Millisecond
		}
	}
	return def
}
