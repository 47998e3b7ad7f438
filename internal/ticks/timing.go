/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ticks

// PassageTiming carries the tick-denominated boundary points of one passage.
// Fade points shape the volume envelope applied while decoding; lead points
// control crossfade overlap timing only. The two are independent.
type PassageTiming struct {
	StartTick int64
	// EndTick is zero when the endpoint is unknown; the decoder chain
	// discovers the actual end of the stream in that case.
	EndTick int64

	FadeInTick   int64 // fade-in complete at this tick (0 = no fade-in)
	FadeOutTick  int64 // fade-out begins at this tick (0 = no fade-out)
	FadeInCurve  string
	FadeOutCurve string

	LeadInTick  int64 // overlap begins this far into the passage
	LeadOutTick int64 // crossfade to the next passage starts here (0 = unset)
}

// Duration returns the passage length in ticks, or 0 when the endpoint is
// still unknown.
func (p PassageTiming) Duration() int64 {
	if p.EndTick <= p.StartTick {
		return 0
	}
	return p.EndTick - p.StartTick
}

// CrossfadeStart returns the tick (relative to passage start) at which the
// crossfade to the next passage should begin. Preference order: explicit
// lead-out point, then the known endpoint minus the default crossfade time,
// then the discovered endpoint minus the default. Returns 0 when nothing is
// known yet.
func (p PassageTiming) CrossfadeStart(discoveredEnd, defaultCrossfade int64) int64 {
	if p.LeadOutTick > 0 {
		return p.LeadOutTick - p.StartTick
	}
	end := p.EndTick
	if end == 0 {
		end = discoveredEnd
	}
	if end == 0 {
		return 0
	}
	start := end - p.StartTick - defaultCrossfade
	if start < 0 {
		start = 0
	}
	return start
}
