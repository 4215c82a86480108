package audio

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// MockSource emits frames paced by a ticker. By default frames are silence;
// a Fill function can synthesize arbitrary PCM per frame. Useful for tests
// and the "mock" audio mode.
type MockSource struct {
	format Format
	ticker *time.Ticker
	// Fill, when non-nil, produces the PCM payload for the given sequence
	// number. The returned slice must be exactly one frame long.
	Fill func(seq uint64) []byte

	mu  sync.Mutex
	seq uint64
}

func NewMockSource(format Format) *MockSource {
	return &MockSource{
		format: format,
		ticker: time.NewTicker(format.FrameDuration()),
	}
}

func (m *MockSource) Capture(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-m.ticker.C:
	}

	m.mu.Lock()
	seq := m.seq
	m.seq++
	m.mu.Unlock()

	frame := m.format.Silence(seq)
	if m.Fill != nil {
		frame.PCM = m.Fill(seq)
	}
	return frame, nil
}

func (m *MockSource) Close() error {
	m.ticker.Stop()
	return nil
}

// MockSink records played frames for inspection.
type MockSink struct {
	mu     sync.Mutex
	frames []Frame
}

func NewMockSink() *MockSink {
	return &MockSink{}
}

func (m *MockSink) Play(_ context.Context, frame Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, frame)
	return nil
}

func (m *MockSink) Close() error { return nil }

// Played returns the number of frames played so far.
func (m *MockSink) Played() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

// Frames returns a copy of the recorded frames.
func (m *MockSink) Frames() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Frame, len(m.frames))
	copy(out, m.frames)
	return out
}

// SinePCM synthesizes one frame of a sine wave at the given frequency and
// amplitude (0..1), handy for gate and amplitude tests.
func SinePCM(format Format, seq uint64, freq, amplitude float64) []byte {
	pcm := make([]byte, format.FrameBytes())
	offset := float64(seq) * float64(format.FrameSamples)
	for i := 0; i < format.FrameSamples; i++ {
		t := (offset + float64(i)) / float64(format.SampleRate)
		sample := int16(amplitude * 32767 * math.Sin(2*math.Pi*freq*t))
		for ch := 0; ch < format.Channels; ch++ {
			idx := (i*format.Channels + ch) * 2
			binary.LittleEndian.PutUint16(pcm[idx:], uint16(sample))
		}
	}
	return pcm
}
