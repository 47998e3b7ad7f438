/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audio

import (
	"fmt"
	"math"
	"strings"
)

// FadeCurve selects the gain shape applied during fade-in and fade-out
// windows. Curves are applied per-sample before samples reach the playout
// buffer, so two overlapping passages can be summed with no further scaling.
type FadeCurve int

const (
	// CurveLinear ramps gain proportionally with position.
	CurveLinear FadeCurve = iota
	// CurveExponential is x squared: quiet start, fast finish.
	CurveExponential
	// CurveLogarithmic is the square root of x: fast start, gentle finish.
	CurveLogarithmic
	// CurveCosine is a raised-cosine S-curve, smooth at both ends.
	CurveCosine
)

func (c FadeCurve) String() string {
	switch c {
	case CurveExponential:
		return "exponential"
	case CurveLogarithmic:
		return "logarithmic"
	case CurveCosine:
		return "cosine"
	default:
		return "linear"
	}
}

// ParseCurve maps a stored curve name to its FadeCurve. Unknown names fall
// back to linear with an error so callers can log and keep playing.
func ParseCurve(s string) (FadeCurve, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "linear":
		return CurveLinear, nil
	case "exponential":
		return CurveExponential, nil
	case "logarithmic":
		return CurveLogarithmic, nil
	case "cosine":
		return CurveCosine, nil
	default:
		return CurveLinear, fmt.Errorf("unknown fade curve %q", s)
	}
}

// FadeInGain returns the gain at progress x in [0,1] through a fade-in
// window. Gain rises from 0 to 1.
func FadeInGain(curve FadeCurve, x float64) float32 {
	x = clamp01(x)
	switch curve {
	case CurveExponential:
		return float32(x * x)
	case CurveLogarithmic:
		return float32(math.Sqrt(x))
	case CurveCosine:
		return float32(0.5 - 0.5*math.Cos(math.Pi*x))
	default:
		return float32(x)
	}
}

// FadeOutGain returns the gain at progress x in [0,1] through a fade-out
// window. Gain falls from 1 to 0, mirroring FadeInGain.
func FadeOutGain(curve FadeCurve, x float64) float32 {
	return FadeInGain(curve, 1.0-clamp01(x))
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
