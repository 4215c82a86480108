package wake

import (
	"testing"
	"time"

	"github.com/murmurlabs/murmur-core/internal/audio"
	"github.com/murmurlabs/murmur-core/internal/config"
)

func testFormat() audio.Format {
	return audio.Format{SampleRate: 16000, Channels: 1, FrameSamples: 1280}
}

func TestFromConfig(t *testing.T) {
	gate, err := FromConfig(config.WakeConfig{Mode: "always_on"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gate.Name() != "always_on" {
		t.Fatalf("expected always_on gate, got %q", gate.Name())
	}

	gate, err = FromConfig(config.WakeConfig{Mode: "threshold", Threshold: 0.2, HoldMS: 500})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gate.Name() != "threshold" {
		t.Fatalf("expected threshold gate, got %q", gate.Name())
	}

	if _, err := FromConfig(config.WakeConfig{Mode: "psychic"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestAlwaysOnForwardsEverything(t *testing.T) {
	gate := AlwaysOn{}
	if !gate.Forward(testFormat().Silence(0)) {
		t.Fatal("always-on gate must forward silence")
	}
}

func TestThresholdDetectorHoldWindow(t *testing.T) {
	format := testFormat()
	detector := NewThresholdDetector(0.2, time.Second)

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	detector.now = func() time.Time { return clock }

	quiet := format.Silence(0)
	if detector.Forward(quiet) {
		t.Fatal("gate should start closed")
	}

	loud := audio.Frame{PCM: audio.SinePCM(format, 0, 440, 0.9)}
	if !detector.Forward(loud) {
		t.Fatal("loud frame must open the gate")
	}

	clock = clock.Add(500 * time.Millisecond)
	if !detector.Forward(quiet) {
		t.Fatal("gate must stay open within the hold window")
	}

	clock = clock.Add(time.Second)
	if detector.Forward(quiet) {
		t.Fatal("gate must close after the hold window")
	}
}
