/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audio

import (
	"math"
	"testing"
)

func TestParseCurve(t *testing.T) {
	cases := []struct {
		in   string
		want FadeCurve
		err  bool
	}{
		{"linear", CurveLinear, false},
		{"", CurveLinear, false},
		{"Exponential", CurveExponential, false},
		{"LOGARITHMIC", CurveLogarithmic, false},
		{" cosine ", CurveCosine, false},
		{"bogus", CurveLinear, true},
	}
	for _, tc := range cases {
		got, err := ParseCurve(tc.in)
		if got != tc.want {
			t.Errorf("ParseCurve(%q) = %v, want %v", tc.in, got, tc.want)
		}
		if (err != nil) != tc.err {
			t.Errorf("ParseCurve(%q) err = %v, want err=%v", tc.in, err, tc.err)
		}
	}
}

func TestFadeInGainEndpoints(t *testing.T) {
	for _, curve := range []FadeCurve{CurveLinear, CurveExponential, CurveLogarithmic, CurveCosine} {
		if g := FadeInGain(curve, 0); g != 0 {
			t.Errorf("%v: FadeInGain(0) = %v, want 0", curve, g)
		}
		if g := FadeInGain(curve, 1); math.Abs(float64(g)-1) > 1e-6 {
			t.Errorf("%v: FadeInGain(1) = %v, want 1", curve, g)
		}
	}
}

func TestFadeInGainShapes(t *testing.T) {
	if g := FadeInGain(CurveExponential, 0.5); math.Abs(float64(g)-0.25) > 1e-6 {
		t.Errorf("exponential at 0.5 = %v, want 0.25", g)
	}
	if g := FadeInGain(CurveLogarithmic, 0.25); math.Abs(float64(g)-0.5) > 1e-6 {
		t.Errorf("logarithmic at 0.25 = %v, want 0.5", g)
	}
	if g := FadeInGain(CurveCosine, 0.5); math.Abs(float64(g)-0.5) > 1e-6 {
		t.Errorf("cosine at 0.5 = %v, want 0.5", g)
	}
	if g := FadeInGain(CurveLinear, 0.3); math.Abs(float64(g)-0.3) > 1e-6 {
		t.Errorf("linear at 0.3 = %v, want 0.3", g)
	}
}

func TestFadeOutMirrorsFadeIn(t *testing.T) {
	for _, curve := range []FadeCurve{CurveLinear, CurveExponential, CurveLogarithmic, CurveCosine} {
		for _, x := range []float64{0, 0.25, 0.5, 0.75, 1} {
			in := FadeInGain(curve, 1-x)
			out := FadeOutGain(curve, x)
			if math.Abs(float64(in-out)) > 1e-6 {
				t.Errorf("%v at %v: out=%v, mirror in=%v", curve, x, out, in)
			}
		}
	}
}

func TestFadeGainClamps(t *testing.T) {
	if g := FadeInGain(CurveLinear, -0.5); g != 0 {
		t.Errorf("negative progress gain = %v, want 0", g)
	}
	if g := FadeInGain(CurveLinear, 1.5); g != 1 {
		t.Errorf("overshoot progress gain = %v, want 1", g)
	}
}
