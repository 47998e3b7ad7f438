/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ticks

import (
	"fmt"
	"time"
)

// Rate is the internal tick rate in Hz. It is the least common multiple of
// every supported sample rate, so samples at any supported rate convert to
// ticks and back without rounding error.
const Rate int64 = 28_224_000

// PerMS is the number of ticks in one millisecond.
const PerMS int64 = 28_224

// SupportedRates lists the sample rates that divide Rate evenly.
var SupportedRates = []int{8000, 11025, 16000, 22050, 32000, 44100, 48000, 88200, 96000, 176400, 192000}

// RateSupported reports whether rate divides the tick rate evenly.
func RateSupported(rate int) bool {
	return rate > 0 && Rate%int64(rate) == 0
}

// PerSample returns the number of ticks per sample frame at the given rate.
func PerSample(rate int) (int64, error) {
	if !RateSupported(rate) {
		return 0, fmt.Errorf("unsupported sample rate: %d", rate)
	}
	return Rate / int64(rate), nil
}

// FromSamples converts a sample-frame count at the given rate to ticks.
// The rate must be supported; callers validate rates at configuration time.
func FromSamples(samples int64, rate int) int64 {
	return samples * (Rate / int64(rate))
}

// ToSamples converts ticks to sample frames at the given rate. This is the
// one lossy boundary: ticks that fall between sample frames truncate.
func ToSamples(t int64, rate int) int64 {
	return t / (Rate / int64(rate))
}

// FromMS converts milliseconds to ticks.
func FromMS(ms int64) int64 { return ms * PerMS }

// ToMS converts ticks to milliseconds, truncating.
func ToMS(t int64) int64 { return t / PerMS }

// FromDuration converts a time.Duration to ticks.
func FromDuration(d time.Duration) int64 {
	return d.Milliseconds() * PerMS
}

// ToDuration converts ticks to a time.Duration.
func ToDuration(t int64) time.Duration {
	return time.Duration(ToMS(t)) * time.Millisecond
}
