/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WatchdogInterventions counts watchdog repairs by kind. Every increment
	// means the event path missed something; this should stay at zero.
	WatchdogInterventions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadenza_watchdog_interventions_total",
		Help: "Watchdog interventions by kind; non-zero indicates an event path defect.",
	}, []string{"kind"})

	// CompletionsDeduped counts duplicate completion signals dropped.
	CompletionsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cadenza_completions_deduped_total",
		Help: "Duplicate passage completion signals discarded inside the dedup window.",
	})

	// DecodeFailures counts decoder chain failures by stage.
	DecodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadenza_decode_failures_total",
		Help: "Decoder chain failures by stage (open, decode, resample).",
	}, []string{"stage"})

	// BufferUnderruns counts mixer reads against an empty playout buffer.
	BufferUnderruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cadenza_buffer_underruns_total",
		Help: "Mixer pops that found the playout ring buffer empty.",
	})

	// QueueLength is the current total queue length (current+next+queued).
	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cadenza_queue_length",
		Help: "Entries in the playback queue.",
	})

	// CrossfadesStarted counts crossfade transitions.
	CrossfadesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cadenza_crossfades_started_total",
		Help: "Crossfade transitions begun by the mixer.",
	})

	// DeviceRestarts counts audio output device reinitialisations.
	DeviceRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cadenza_output_device_restarts_total",
		Help: "Audio output device reinitialisations after loss.",
	})

	// DatabaseQueryDuration observes gorm operation latency.
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cadenza_db_query_duration_seconds",
		Help:    "Database operation latency by operation and table.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// DatabaseErrorsTotal counts failed database operations.
	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadenza_db_errors_total",
		Help: "Database operation errors by operation.",
	}, []string{"operation"})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
