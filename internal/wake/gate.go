// Package wake decides whether captured audio is forwarded into the model.
// The default gate is always-on; a threshold detector stands in for a real
// wake-word model and can be swapped without touching the engine.
package wake

import (
	"fmt"
	"time"

	"github.com/murmurlabs/murmur-core/internal/audio"
	"github.com/murmurlabs/murmur-core/internal/config"
)

// Gate selects which captured frames reach the codec.
type Gate interface {
	// Forward reports whether the frame should be forwarded to the model.
	Forward(frame audio.Frame) bool
	Name() string
}

// FromConfig builds the configured gate implementation.
func FromConfig(cfg config.WakeConfig) (Gate, error) {
	switch cfg.Mode {
	case "always_on", "":
		return AlwaysOn{}, nil
	case "threshold":
		hold := time.Duration(cfg.HoldMS) * time.Millisecond
		return NewThresholdDetector(cfg.Threshold, hold), nil
	default:
		return nil, fmt.Errorf("unknown wake mode %q", cfg.Mode)
	}
}

// AlwaysOn forwards every frame.
type AlwaysOn struct{}

func (AlwaysOn) Forward(audio.Frame) bool { return true }
func (AlwaysOn) Name() string             { return "always_on" }

// ThresholdDetector opens the gate when the frame RMS crosses a threshold
// and keeps it open for a hold window, so trailing quiet frames of an
// utterance still pass through.
type ThresholdDetector struct {
	threshold float64
	hold      time.Duration
	openUntil time.Time
	now       func() time.Time
}

func NewThresholdDetector(threshold float64, hold time.Duration) *ThresholdDetector {
	if hold <= 0 {
		hold = 1500 * time.Millisecond
	}
	return &ThresholdDetector{threshold: threshold, hold: hold, now: time.Now}
}

func (d *ThresholdDetector) Forward(frame audio.Frame) bool {
	now := d.now()
	if audio.RMS(frame.PCM) >= d.threshold {
		d.openUntil = now.Add(d.hold)
		return true
	}
	return now.Before(d.openUntil)
}

func (d *ThresholdDetector) Name() string { return "threshold" }
