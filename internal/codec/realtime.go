package codec

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/murmurlabs/murmur-core/internal/audio"
)

// RealtimeAdapter bridges the Adapter contract onto a speech-to-speech model
// server over a WebSocket session. Audio travels as base64 PCM16 inside JSON
// events. A session is opened lazily on first use; if it dies, the next
// Encode call transparently reconnects.
type RealtimeAdapter struct {
	endpoint string
	apiKey   string
	model    string
	format   audio.Format

	mu   sync.Mutex
	sess *realtimeSession

	output chan Tokens
	turns  chan TurnResult
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

type realtimeSession struct {
	conn *websocket.Conn
	ctx  context.Context
	stop context.CancelFunc

	mu  sync.Mutex
	err error
}

// Outgoing and incoming event shapes of the realtime protocol.
type rtEvent struct {
	Type          string `json:"type"`
	Model         string `json:"model,omitempty"`
	Audio         string `json:"audio,omitempty"`
	Text          string `json:"text,omitempty"`
	Role          string `json:"role,omitempty"`
	UserText      string `json:"user_text,omitempty"`
	AssistantText string `json:"assistant_text,omitempty"`
	Error         string `json:"error,omitempty"`
}

const (
	rtSessionStart = "session.start"
	rtInputAudio   = "input_audio.append"
	rtContextItem  = "context.append"
	rtOutputAudio  = "output_audio.delta"
	rtTurnComplete = "turn.complete"
	rtError        = "error"
)

func NewRealtimeAdapter(endpoint, apiKey, model string, format audio.Format) *RealtimeAdapter {
	return &RealtimeAdapter{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		format:   format,
		output:   make(chan Tokens, 64),
		turns:    make(chan TurnResult, 8),
		done:     make(chan struct{}),
	}
}

// ensureSessionLocked opens a session if none exists or the current one has
// died. Must be called with a.mu held.
func (a *RealtimeAdapter) ensureSessionLocked(ctx context.Context) (*realtimeSession, error) {
	if a.closed {
		return nil, fmt.Errorf("%w: adapter closed", ErrCodec)
	}
	if a.sess != nil && a.sess.Err() == nil {
		return a.sess, nil
	}
	if a.sess != nil {
		a.sess.close()
		a.sess = nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var header http.Header
	if a.apiKey != "" {
		header = http.Header{"Authorization": []string{"Bearer " + a.apiKey}}
	}
	conn, _, err := websocket.Dial(dialCtx, a.endpoint, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrCodec, a.endpoint, err)
	}

	sessCtx, stop := context.WithCancel(context.Background())
	sess := &realtimeSession{conn: conn, ctx: sessCtx, stop: stop}

	if err := sess.send(rtEvent{Type: rtSessionStart, Model: a.model}); err != nil {
		sess.close()
		return nil, fmt.Errorf("%w: session start: %v", ErrCodec, err)
	}

	a.sess = sess
	a.wg.Add(1)
	go a.receiveLoop(sess)
	return sess, nil
}

func (a *RealtimeAdapter) Encode(ctx context.Context, frame audio.Frame) (Tokens, error) {
	a.mu.Lock()
	sess, err := a.ensureSessionLocked(ctx)
	a.mu.Unlock()
	if err != nil {
		return Tokens{}, err
	}

	event := rtEvent{
		Type:  rtInputAudio,
		Audio: base64.StdEncoding.EncodeToString(frame.PCM),
	}
	if err := sess.send(event); err != nil {
		return Tokens{}, fmt.Errorf("%w: send audio: %v", ErrCodec, err)
	}
	return Tokens{Payload: frame.PCM, Count: len(frame.PCM) / 2, Seq: frame.Sequence}, nil
}

func (a *RealtimeAdapter) Decode(_ context.Context, tokens Tokens) (audio.Frame, error) {
	if len(tokens.Payload) == 0 {
		return audio.Frame{}, fmt.Errorf("%w: empty token payload", ErrCodec)
	}
	pcm := tokens.Payload
	// Pad short tail batches so playback keeps the fixed frame size.
	if len(pcm) < a.format.FrameBytes() {
		padded := make([]byte, a.format.FrameBytes())
		copy(padded, pcm)
		pcm = padded
	} else if len(pcm) > a.format.FrameBytes() {
		pcm = pcm[:a.format.FrameBytes()]
	}
	return audio.Frame{PCM: pcm, Sequence: tokens.Seq}, nil
}

func (a *RealtimeAdapter) InjectText(ctx context.Context, text string) error {
	a.mu.Lock()
	sess := a.sess
	a.mu.Unlock()
	if sess == nil || sess.Err() != nil {
		// No live session: the advisory update is dropped, matching the
		// queue's best-effort contract.
		return nil
	}
	return sess.send(rtEvent{Type: rtContextItem, Role: "system", Text: text})
}

func (a *RealtimeAdapter) receiveLoop(sess *realtimeSession) {
	defer a.wg.Done()
	var seq uint64
	for {
		_, data, err := sess.conn.Read(sess.ctx)
		if err != nil {
			sess.fail(err)
			return
		}
		var event rtEvent
		if err := json.Unmarshal(data, &event); err != nil {
			sess.fail(fmt.Errorf("decode event: %w", err))
			return
		}

		switch event.Type {
		case rtOutputAudio:
			pcm, err := base64.StdEncoding.DecodeString(event.Audio)
			if err != nil || len(pcm) == 0 {
				continue
			}
			batch := Tokens{Payload: pcm, Count: len(pcm) / 2, Seq: seq}
			seq++
			select {
			case a.output <- batch:
			case <-a.done:
				return
			default:
				// Consumer is behind; drop the oldest batch to bound latency.
				select {
				case <-a.output:
				default:
				}
				select {
				case a.output <- batch:
				default:
				}
			}
		case rtTurnComplete:
			result := TurnResult{
				UserText:      event.UserText,
				AssistantText: event.AssistantText,
				Completed:     time.Now().UTC(),
			}
			select {
			case a.turns <- result:
			case <-a.done:
				return
			default:
			}
		case rtError:
			sess.fail(fmt.Errorf("server error: %s", event.Error))
			return
		}
	}
}

func (a *RealtimeAdapter) Output() <-chan Tokens    { return a.output }
func (a *RealtimeAdapter) Turns() <-chan TurnResult { return a.turns }

func (a *RealtimeAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	sess := a.sess
	a.sess = nil
	close(a.done)
	a.mu.Unlock()

	if sess != nil {
		sess.close()
	}
	a.wg.Wait()
	close(a.output)
	close(a.turns)
	return nil
}

func (s *realtimeSession) send(event rtEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *realtimeSession) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *realtimeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *realtimeSession) close() {
	s.stop()
	_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
}
