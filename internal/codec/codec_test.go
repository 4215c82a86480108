package codec

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/murmurlabs/murmur-core/internal/audio"
)

func testFormat() audio.Format {
	return audio.Format{SampleRate: 16000, Channels: 1, FrameSamples: 1280}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMockAdapterTurnDetection(t *testing.T) {
	format := testFormat()
	adapter := NewMockAdapter(format)
	t.Cleanup(func() { _ = adapter.Close() })
	ctx := context.Background()

	// Speech frames followed by enough silence to end the utterance.
	for i := 0; i < 5; i++ {
		frame := audio.Frame{PCM: audio.SinePCM(format, uint64(i), 440, 0.8), Sequence: uint64(i)}
		if _, err := adapter.Encode(ctx, frame); err != nil {
			t.Fatalf("encode speech frame %d: %v", i, err)
		}
	}
	for i := 5; i < 5+mockSilenceFrames; i++ {
		if _, err := adapter.Encode(ctx, format.Silence(uint64(i))); err != nil {
			t.Fatalf("encode silence frame %d: %v", i, err)
		}
	}

	select {
	case turn := <-adapter.Turns():
		if turn.UserText == "" || turn.AssistantText == "" {
			t.Fatalf("expected transcripts on turn result, got %+v", turn)
		}
	case <-time.After(time.Second):
		t.Fatal("expected end-of-turn signal")
	}

	// The reply should be queued as decodable token batches.
	decoded := 0
	for decoded < mockReplyFrames {
		select {
		case tokens := <-adapter.Output():
			frame, err := adapter.Decode(ctx, tokens)
			if err != nil {
				t.Fatalf("decode reply tokens: %v", err)
			}
			if len(frame.PCM) != format.FrameBytes() {
				t.Fatalf("decoded frame has %d bytes, want %d", len(frame.PCM), format.FrameBytes())
			}
			decoded++
		case <-time.After(time.Second):
			t.Fatalf("expected %d reply frames, got %d", mockReplyFrames, decoded)
		}
	}
}

func TestMockAdapterSilenceOnlyNeverTurns(t *testing.T) {
	format := testFormat()
	adapter := NewMockAdapter(format)
	t.Cleanup(func() { _ = adapter.Close() })
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		if _, err := adapter.Encode(ctx, format.Silence(uint64(i))); err != nil {
			t.Fatalf("encode silence: %v", err)
		}
	}
	select {
	case turn := <-adapter.Turns():
		t.Fatalf("unexpected turn from pure silence: %+v", turn)
	default:
	}
}

func TestMockAdapterRecordsInjectedText(t *testing.T) {
	adapter := NewMockAdapter(testFormat())
	t.Cleanup(func() { _ = adapter.Close() })

	if err := adapter.InjectText(context.Background(), "the user prefers brevity"); err != nil {
		t.Fatalf("inject text: %v", err)
	}
	got := adapter.Injected()
	if len(got) != 1 || got[0] != "the user prefers brevity" {
		t.Fatalf("unexpected injected log: %v", got)
	}
}

// slowAdapter blocks every Encode until released, forcing the bounded queue
// to fill.
type slowAdapter struct {
	MockAdapter
	release chan struct{}
}

func (s *slowAdapter) Encode(ctx context.Context, frame audio.Frame) (Tokens, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
		return Tokens{}, ctx.Err()
	}
	return Tokens{Payload: frame.PCM, Seq: frame.Sequence}, nil
}

func TestBoundedEncoderDropsOldest(t *testing.T) {
	format := testFormat()
	slow := &slowAdapter{release: make(chan struct{})}
	enc := NewBoundedEncoder(context.Background(), slow, 4, testLogger())
	t.Cleanup(enc.Close)

	// One frame is likely taken by the worker; saturate the queue well past
	// capacity either way.
	for i := 0; i < 12; i++ {
		enc.Submit(format.Silence(uint64(i)))
	}

	if enc.Pending() > 4 {
		t.Fatalf("queue exceeded capacity: %d", enc.Pending())
	}
	if enc.Dropped() == 0 {
		t.Fatal("expected oldest frames to be dropped")
	}
	close(slow.release)
}

func TestBoundedEncoderSubmitNeverBlocks(t *testing.T) {
	format := testFormat()
	slow := &slowAdapter{release: make(chan struct{})}
	enc := NewBoundedEncoder(context.Background(), slow, 2, testLogger())
	t.Cleanup(enc.Close)
	defer close(slow.release)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			enc.Submit(format.Silence(uint64(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked")
	}
}
