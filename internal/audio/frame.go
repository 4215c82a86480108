package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Format describes the fixed PCM layout shared by every frame in a pipeline.
// All timing guarantees assume a single frame duration end to end.
type Format struct {
	SampleRate   int
	Channels     int
	FrameSamples int
}

// FrameBytes returns the byte length of one frame (s16le interleaved).
func (f Format) FrameBytes() int {
	return f.FrameSamples * f.Channels * 2
}

// FrameDuration returns the wall-clock duration of one frame.
func (f Format) FrameDuration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.FrameSamples) * time.Second / time.Duration(f.SampleRate)
}

// Frame is a single fixed-duration block of PCM samples flowing through
// capture, encode, decode and playback.
type Frame struct {
	PCM       []byte
	Sequence  uint64
	Timestamp time.Duration
}

// Silence returns a zero-filled frame with the given sequence number.
func (f Format) Silence(seq uint64) Frame {
	return Frame{
		PCM:       make([]byte, f.FrameBytes()),
		Sequence:  seq,
		Timestamp: time.Duration(seq) * f.FrameDuration(),
	}
}

// RMS computes the root-mean-square level of s16le PCM, normalized and
// clamped to [0,1]. Odd trailing bytes are ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	rms := math.Sqrt(sum/float64(n)) / 32768.0
	if rms > 1 {
		rms = 1
	}
	return rms
}
