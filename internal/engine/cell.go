package engine

import (
	"math"
	"sync/atomic"
)

// AmplitudeCell is the single shared value connecting the audio loop to the
// animation loop: one writer (the engine, once per frame), any number of
// readers. Values are clamped to [0,1].
type AmplitudeCell struct {
	bits atomic.Uint64
}

// Set stores the amplitude, clamping to [0,1]. NaN is stored as 0.
func (c *AmplitudeCell) Set(v float64) {
	if math.IsNaN(v) || v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	c.bits.Store(math.Float64bits(v))
}

// Get returns the most recently stored amplitude.
func (c *AmplitudeCell) Get() float64 {
	return math.Float64frombits(c.bits.Load())
}
