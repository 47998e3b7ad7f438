package ticks

import (
	"testing"
	"time"
)

func TestRateDividesAllSupportedSampleRates(t *testing.T) {
	for _, rate := range SupportedRates {
		if Rate%int64(rate) != 0 {
			t.Fatalf("tick rate %d does not divide sample rate %d evenly", Rate, rate)
		}
	}
}

func TestSampleRoundTripIsExact(t *testing.T) {
	counts := []int64{0, 1, 441, 44100, 1_000_000, 123_456_789}
	for _, rate := range SupportedRates {
		for _, samples := range counts {
			got := ToSamples(FromSamples(samples, rate), rate)
			if got != samples {
				t.Fatalf("round trip at %d Hz: %d -> %d", rate, samples, got)
			}
		}
	}
}

func TestPerSampleRejectsUnsupportedRate(t *testing.T) {
	if _, err := PerSample(44000); err == nil {
		t.Fatal("expected error for 44000 Hz")
	}
	per, err := PerSample(44100)
	if err != nil {
		t.Fatalf("44100 Hz: %v", err)
	}
	if per != 640 {
		t.Fatalf("expected 640 ticks per sample at 44.1kHz, got %d", per)
	}
}

func TestMillisecondConversions(t *testing.T) {
	if FromMS(1000) != Rate {
		t.Fatalf("1000ms should equal one second of ticks, got %d", FromMS(1000))
	}
	if ToMS(FromMS(5000)) != 5000 {
		t.Fatal("ms round trip drifted")
	}
	if FromDuration(30*time.Second) != 30*Rate {
		t.Fatalf("duration conversion wrong: %d", FromDuration(30*time.Second))
	}
}

func TestCrossfadeStartPreference(t *testing.T) {
	defaultXfade := FromMS(5000)

	// Explicit lead-out wins.
	p := PassageTiming{StartTick: 0, EndTick: FromMS(30_000), LeadOutTick: FromMS(25_000)}
	if got := p.CrossfadeStart(0, defaultXfade); got != FromMS(25_000) {
		t.Fatalf("lead-out not honored: %d", got)
	}

	// Known endpoint minus default.
	p = PassageTiming{StartTick: 0, EndTick: FromMS(30_000)}
	if got := p.CrossfadeStart(0, defaultXfade); got != FromMS(25_000) {
		t.Fatalf("endpoint fallback wrong: %d", got)
	}

	// Discovered endpoint used when the passage endpoint is unknown.
	p = PassageTiming{StartTick: 0}
	if got := p.CrossfadeStart(FromMS(20_000), defaultXfade); got != FromMS(15_000) {
		t.Fatalf("discovered endpoint fallback wrong: %d", got)
	}

	// Nothing known yet.
	if got := p.CrossfadeStart(0, defaultXfade); got != 0 {
		t.Fatalf("expected 0 for unknown endpoint, got %d", got)
	}
}
