package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testFormat() Format {
	return Format{SampleRate: 16000, Channels: 1, FrameSamples: 1280}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFormatDerivations(t *testing.T) {
	f := testFormat()
	if f.FrameBytes() != 2560 {
		t.Fatalf("expected 2560 frame bytes, got %d", f.FrameBytes())
	}
	if f.FrameDuration() != 80*time.Millisecond {
		t.Fatalf("expected 80ms frame, got %v", f.FrameDuration())
	}
}

func TestRMSClamped(t *testing.T) {
	f := testFormat()
	if got := RMS(make([]byte, f.FrameBytes())); got != 0 {
		t.Fatalf("silence RMS should be 0, got %v", got)
	}
	loud := SinePCM(f, 0, 440, 1.0)
	got := RMS(loud)
	if got <= 0 || got > 1 {
		t.Fatalf("RMS out of range: %v", got)
	}
	// Full-scale square wave is the loudest possible input.
	square := make([]byte, f.FrameBytes())
	for i := 0; i < len(square); i += 2 {
		square[i] = 0xFF
		square[i+1] = 0x7F
	}
	if got := RMS(square); got > 1 {
		t.Fatalf("RMS must stay clamped to 1, got %v", got)
	}
}

type failingSource struct {
	calls int
}

func (f *failingSource) Capture(context.Context) (Frame, error) {
	f.calls++
	return Frame{}, errors.New("device unplugged")
}

func (f *failingSource) Close() error { return nil }

func TestResilientSourceDegradesToSilence(t *testing.T) {
	format := testFormat()
	inner := &failingSource{}
	src := NewResilientSource(inner, format, 2, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	frame, err := src.Capture(ctx)
	if err != nil {
		t.Fatalf("degraded capture must not error: %v", err)
	}
	if len(frame.PCM) != format.FrameBytes() {
		t.Fatalf("expected full silence frame, got %d bytes", len(frame.PCM))
	}
	if !src.Degraded() {
		t.Fatal("expected source to degrade after retries")
	}
	if !errors.Is(src.Err(), ErrDevice) {
		t.Fatalf("expected ErrDevice, got %v", src.Err())
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", inner.calls)
	}

	// Subsequent captures keep emitting silence without touching the device.
	if _, err := src.Capture(ctx); err != nil {
		t.Fatalf("silent-mode capture failed: %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("degraded source must not retry the device, got %d calls", inner.calls)
	}
}

func TestResilientSourceRecoversSequence(t *testing.T) {
	format := testFormat()
	src := NewResilientSource(NewMockSource(format), format, 1, testLogger())
	t.Cleanup(func() { _ = src.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for want := uint64(0); want < 3; want++ {
		frame, err := src.Capture(ctx)
		if err != nil {
			t.Fatalf("capture %d: %v", want, err)
		}
		if frame.Sequence != want {
			t.Fatalf("expected sequence %d, got %d", want, frame.Sequence)
		}
	}
}

func TestMockSinkRecords(t *testing.T) {
	sink := NewMockSink()
	f := testFormat()
	for i := 0; i < 5; i++ {
		if err := sink.Play(context.Background(), f.Silence(uint64(i))); err != nil {
			t.Fatalf("play: %v", err)
		}
	}
	if sink.Played() != 5 {
		t.Fatalf("expected 5 frames, got %d", sink.Played())
	}
}

func TestRecorderWritesWav(t *testing.T) {
	f := testFormat()
	path := filepath.Join(t.TempDir(), "dump.wav")
	rec := NewRecorder(path, f)
	rec.Append(SinePCM(f, 0, 440, 0.5))
	rec.Append(SinePCM(f, 1, 440, 0.5))
	if err := rec.Close(); err != nil {
		t.Fatalf("close recorder: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat dump: %v", err)
	}
	if info.Size() <= 44 {
		t.Fatalf("wav file suspiciously small: %d bytes", info.Size())
	}
}
