package codec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/murmurlabs/murmur-core/internal/audio"
)

const (
	// mockSpeechRMS is the input level above which a mock frame counts as
	// speech.
	mockSpeechRMS = 0.05

	// mockSilenceFrames is how many consecutive quiet frames end a mock
	// utterance once speech has been heard.
	mockSilenceFrames = 4

	// mockReplyFrames is the length of the synthesized mock reply.
	mockReplyFrames = 6
)

// MockAdapter is a deterministic loopback model. Encode tracks the input
// level; after it hears speech followed by a run of silence it declares
// end-of-turn, emits canned transcripts, and queues a short synthesized
// reply. Decode is a passthrough from token payload to PCM.
//
// It backs the "mock" codec mode and nearly every engine test.
type MockAdapter struct {
	format audio.Format

	mu           sync.Mutex
	speechFrames int
	quietFrames  int
	turn         int
	injected     []string
	closed       bool

	output chan Tokens
	turns  chan TurnResult
}

func NewMockAdapter(format audio.Format) *MockAdapter {
	return &MockAdapter{
		format: format,
		output: make(chan Tokens, 64),
		turns:  make(chan TurnResult, 8),
	}
}

func (m *MockAdapter) Encode(_ context.Context, frame audio.Frame) (Tokens, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Tokens{}, fmt.Errorf("%w: adapter closed", ErrCodec)
	}

	if audio.RMS(frame.PCM) >= mockSpeechRMS {
		m.speechFrames++
		m.quietFrames = 0
	} else if m.speechFrames > 0 {
		m.quietFrames++
		if m.quietFrames >= mockSilenceFrames {
			m.finishTurnLocked()
		}
	}

	return Tokens{Payload: frame.PCM, Count: len(frame.PCM) / 2, Seq: frame.Sequence}, nil
}

// finishTurnLocked emits a TurnResult and queues the reply tokens.
// Must be called with m.mu held.
func (m *MockAdapter) finishTurnLocked() {
	m.turn++
	m.speechFrames = 0
	m.quietFrames = 0

	result := TurnResult{
		UserText:      fmt.Sprintf("[mock utterance %d]", m.turn),
		AssistantText: fmt.Sprintf("[mock reply %d]", m.turn),
		Completed:     time.Now().UTC(),
	}

	for i := 0; i < mockReplyFrames; i++ {
		pcm := audio.SinePCM(m.format, uint64(i), 330, 0.3)
		select {
		case m.output <- Tokens{Payload: pcm, Count: len(pcm) / 2, Seq: uint64(i)}:
		default:
		}
	}
	select {
	case m.turns <- result:
	default:
	}
}

func (m *MockAdapter) Decode(_ context.Context, tokens Tokens) (audio.Frame, error) {
	if len(tokens.Payload) != m.format.FrameBytes() {
		return audio.Frame{}, fmt.Errorf("%w: unexpected token payload size %d", ErrCodec, len(tokens.Payload))
	}
	return audio.Frame{PCM: tokens.Payload, Sequence: tokens.Seq}, nil
}

func (m *MockAdapter) InjectText(_ context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.injected = append(m.injected, text)
	return nil
}

// Injected returns a copy of all advisory context text received so far.
func (m *MockAdapter) Injected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.injected))
	copy(out, m.injected)
	return out
}

func (m *MockAdapter) Output() <-chan Tokens    { return m.output }
func (m *MockAdapter) Turns() <-chan TurnResult { return m.turns }

func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.output)
	close(m.turns)
	return nil
}
