package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/murmurlabs/murmur-core/internal/audio"
	"github.com/murmurlabs/murmur-core/internal/codec"
	"github.com/murmurlabs/murmur-core/internal/inject"
	"github.com/murmurlabs/murmur-core/internal/memory"
	"github.com/murmurlabs/murmur-core/internal/persona"
)

// 2ms frames keep the paced mock loops fast.
func testFormat() audio.Format {
	return audio.Format{SampleRate: 16000, Channels: 1, FrameSamples: 32}
}

type recordingEmitter struct {
	mu       sync.Mutex
	events   []TranscriptionEvent
	sessions []string
}

func (r *recordingEmitter) EmitTranscription(event TranscriptionEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingEmitter) EmitAmplitude(float64) {}

func (r *recordingEmitter) EmitSessionStarted(sessionID, _ string, _ time.Time) {
	r.mu.Lock()
	r.sessions = append(r.sessions, sessionID)
	r.mu.Unlock()
}

func (r *recordingEmitter) transcriptions() []TranscriptionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TranscriptionEvent, len(r.events))
	copy(out, r.events)
	return out
}

type fixture struct {
	engine  *Engine
	source  *audio.MockSource
	sink    *audio.MockSink
	adapter *codec.MockAdapter
	mem     *memory.Memory
	queue   *inject.Queue
	emitter *recordingEmitter
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	format := testFormat()
	f := &fixture{
		source:  audio.NewMockSource(format),
		sink:    audio.NewMockSink(),
		adapter: codec.NewMockAdapter(format),
		mem:     memory.New(50, 10),
		queue:   inject.NewQueue(32),
		emitter: &recordingEmitter{},
	}
	cfg := Config{
		Format:         format,
		Source:         f.source,
		Sink:           f.sink,
		Adapter:        f.adapter,
		Memory:         f.mem,
		Queue:          f.queue,
		Persona:        persona.Default("Jarvis", "At your service."),
		Emitter:        f.emitter,
		Logger:         slog.Default(),
		AmplitudeEvery: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.engine = eng
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if err := f.engine.Stop(); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestEngineTurnLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	// Speech for the first 10 frames, silence after, which trips the mock
	// adapter's end-of-turn detection.
	f.source.Fill = func(seq uint64) []byte {
		if seq < 10 {
			return audio.SinePCM(testFormat(), seq, 440, 0.5)
		}
		return make([]byte, testFormat().FrameBytes())
	}
	f.start(t)

	waitFor(t, 3*time.Second, func() bool {
		return len(f.mem.RecentMessages(0)) >= 2
	})

	recent := f.mem.RecentMessages(0)
	if recent[0].Speaker != memory.SpeakerUser || recent[0].Text != "[mock utterance 1]" {
		t.Fatalf("unexpected user utterance: %+v", recent[0])
	}
	if recent[1].Speaker != memory.SpeakerAssistant || recent[1].Text != "[mock reply 1]" {
		t.Fatalf("unexpected assistant utterance: %+v", recent[1])
	}

	waitFor(t, 3*time.Second, func() bool {
		return f.engine.State() == StateIdle && f.sink.Played() > 0
	})

	events := f.emitter.transcriptions()
	if len(events) != 2 {
		t.Fatalf("expected 2 transcription events, got %d", len(events))
	}
	if events[0].SessionID != f.mem.SessionID() {
		t.Fatalf("transcription session mismatch: %q vs %q", events[0].SessionID, f.mem.SessionID())
	}
}

func TestEngineSilenceKeepsPlaybackFed(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	// Roughly 200 frame periods of pure silence.
	waitFor(t, 3*time.Second, func() bool {
		return f.sink.Played() >= 150
	})

	if err := f.engine.LastError(); err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}
	if got := f.engine.State(); got != StateIdle {
		t.Fatalf("state during silence = %v, want idle", got)
	}
	if got := f.engine.Amplitude().Get(); got != 0 {
		t.Fatalf("amplitude for silence = %v, want 0", got)
	}
	if n := len(f.mem.RecentMessages(0)); n != 0 {
		t.Fatalf("silence produced %d utterances", n)
	}
	for _, frame := range f.sink.Frames() {
		if len(frame.PCM) != testFormat().FrameBytes() {
			t.Fatalf("played frame has %d bytes, want %d", len(frame.PCM), testFormat().FrameBytes())
		}
	}
}

func TestEngineAmplitudeStaysClamped(t *testing.T) {
	f := newFixture(t, nil)
	f.source.Fill = func(seq uint64) []byte {
		return audio.SinePCM(testFormat(), seq, 440, 1.0)
	}
	f.start(t)

	waitFor(t, time.Second, func() bool {
		return f.engine.Amplitude().Get() > 0
	})
	if got := f.engine.Amplitude().Get(); got > 1 {
		t.Fatalf("amplitude %v exceeds 1", got)
	}
}

func TestEngineForwardsInjectedContext(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.queue.Push("the user walked into the kitchen")
	waitFor(t, time.Second, func() bool {
		for _, text := range f.adapter.Injected() {
			if text == "the user walked into the kitchen" {
				return true
			}
		}
		return false
	})
}

type brokenSource struct{}

func (brokenSource) Capture(context.Context) (audio.Frame, error) {
	return audio.Frame{}, errors.New("device unplugged")
}

func (brokenSource) Close() error { return nil }

func TestEngineSurvivesDeadDevice(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Source = brokenSource{}
		cfg.MaxDeviceRetries = 1
	})
	f.start(t)

	waitFor(t, time.Second, func() bool {
		return f.engine.Degraded() && f.sink.Played() > 0
	})
	if err := f.engine.LastError(); !errors.Is(err, audio.ErrDevice) {
		t.Fatalf("LastError = %v, want ErrDevice", err)
	}
}

func TestEngineGreetingOnStart(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.GreetOnStart = true
	})
	f.start(t)

	recent := f.mem.RecentMessages(0)
	if len(recent) != 1 || recent[0].Speaker != memory.SpeakerAssistant {
		t.Fatalf("greeting not recorded: %+v", recent)
	}
	if recent[0].Text != "At your service." {
		t.Fatalf("greeting text = %q", recent[0].Text)
	}
	if events := f.emitter.transcriptions(); len(events) != 1 {
		t.Fatalf("expected greeting transcription, got %d events", len(events))
	}
}

func TestEngineSwapPersona(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	if err := f.engine.SwapPersona(persona.Profile{}); err == nil {
		t.Fatal("expected error for invalid persona")
	}

	next := persona.Default("Marvin", "Here I am.")
	if err := f.engine.SwapPersona(next); err != nil {
		t.Fatalf("SwapPersona: %v", err)
	}
	if got := f.engine.ActivePersona().Name; got != "Marvin" {
		t.Fatalf("active persona = %q", got)
	}

	want := next.ContextPrompt()
	waitFor(t, time.Second, func() bool {
		for _, text := range f.adapter.Injected() {
			if text == want {
				return true
			}
		}
		return false
	})
}

func TestEngineResetStartsNewSession(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	before := f.mem.SessionID()
	f.mem.AddUserMessage("remember me")
	f.engine.Reset()

	after := f.mem.SessionID()
	if before == after {
		t.Fatal("Reset did not rotate the session")
	}
	if len(f.mem.RecentMessages(0)) != 0 {
		t.Fatal("new session should start empty")
	}
	f.emitter.mu.Lock()
	sessions := len(f.emitter.sessions)
	f.emitter.mu.Unlock()
	if sessions < 2 {
		t.Fatalf("expected session-started events for both sessions, got %d", sessions)
	}
}

func TestEngineStartStop(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.engine.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
	if err := f.engine.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := f.engine.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got %v", err)
	}
}

func TestEngineRejectsMissingParts(t *testing.T) {
	format := testFormat()
	_, err := New(Config{Format: format})
	if err == nil {
		t.Fatal("expected error for missing components")
	}
	_, err = New(Config{
		Source:  audio.NewMockSource(format),
		Sink:    audio.NewMockSink(),
		Adapter: codec.NewMockAdapter(format),
		Memory:  memory.New(10, 2),
		Queue:   inject.NewQueue(4),
	})
	if err == nil {
		t.Fatal("expected error for zero-valued format")
	}
	if !strings.Contains(err.Error(), "format") {
		t.Fatalf("unexpected error: %v", err)
	}
}
