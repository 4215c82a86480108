package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/murmurlabs/murmur-core/internal/engine"
	"github.com/murmurlabs/murmur-core/internal/protocol"
)

// testSupervisor accepts one link at a time, enforces the token handshake,
// and records everything it receives.
type testSupervisor struct {
	token string
	msgs  chan map[string]any
	// closeAfter, when positive, drops the connection after that many
	// received events to exercise reconnect behavior.
	closeAfter int
}

func (s *testSupervisor) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		var hello protocol.Hello
		if err := wsjson.Read(ctx, conn, &hello); err != nil {
			return
		}
		ack := protocol.HelloAck{Type: protocol.TypeHelloAck, Accepted: hello.Token == s.token}
		if !ack.Accepted {
			ack.Reason = "bad token"
		}
		if err := wsjson.Write(ctx, conn, ack); err != nil || !ack.Accepted {
			return
		}
		received := 0
		for {
			var msg map[string]any
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			s.msgs <- msg
			received++
			if s.closeAfter > 0 && received >= s.closeAfter {
				return
			}
		}
	}
}

func newTestSupervisor(t *testing.T, token string) (*testSupervisor, string) {
	t.Helper()
	sup := &testSupervisor{token: token, msgs: make(chan map[string]any, 16)}
	srv := httptest.NewServer(sup.handler())
	t.Cleanup(srv.Close)
	return sup, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newBroadcaster(t *testing.T, url, token string) *Broadcaster {
	t.Helper()
	b, err := New(Config{
		URL:            url,
		Token:          token,
		Backoff:        10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		AmplitudeEvery: time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func recv(t *testing.T, sup *testSupervisor) map[string]any {
	t.Helper()
	select {
	case msg := <-sup.msgs:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor received nothing")
		return nil
	}
}

func TestBroadcasterDeliversEvents(t *testing.T) {
	sup, url := newTestSupervisor(t, "secret")
	b := newBroadcaster(t, url, "secret")
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	b.EmitSessionStarted("sess-1", "Jarvis", time.Now().UTC())
	b.EmitTranscription(engine.TranscriptionEvent{
		Speaker:   "user",
		Text:      "hello there",
		SessionID: "sess-1",
		Timestamp: time.Now().UTC(),
	})

	first := recv(t, sup)
	if first["type"] != protocol.TypeSessionStarted || first["persona"] != "Jarvis" {
		t.Fatalf("unexpected first event: %v", first)
	}
	second := recv(t, sup)
	if second["type"] != protocol.TypeTranscription || second["text"] != "hello there" {
		t.Fatalf("unexpected second event: %v", second)
	}
	if !b.Connected() {
		t.Fatal("broadcaster should report connected")
	}
}

func TestBroadcasterRejectsBadToken(t *testing.T) {
	sup, url := newTestSupervisor(t, "secret")
	b := newBroadcaster(t, url, "wrong")
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	b.EmitAmplitude(0.5)
	time.Sleep(100 * time.Millisecond)

	if b.Connected() {
		t.Fatal("broadcaster connected despite bad token")
	}
	select {
	case msg := <-sup.msgs:
		t.Fatalf("supervisor received event on rejected link: %v", msg)
	default:
	}
}

func TestBroadcasterReconnects(t *testing.T) {
	// The server drops the link after every event, forcing a fresh
	// handshake for the next one.
	sup, url := newTestSupervisor(t, "secret")
	sup.closeAfter = 1

	b := newBroadcaster(t, url, "secret")
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	b.EmitSessionStarted("sess-1", "Jarvis", time.Now().UTC())
	recv(t, sup)

	deadline := time.Now().Add(3 * time.Second)
	for {
		b.EmitSessionStarted("sess-2", "Jarvis", time.Now().UTC())
		select {
		case msg := <-sup.msgs:
			if msg["session_id"] == "sess-2" {
				return
			}
		case <-time.After(100 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("event never arrived after reconnect")
		}
	}
}

func TestBroadcasterDropsWhenQueueFull(t *testing.T) {
	b, err := New(Config{URL: "ws://127.0.0.1:1/ws", QueueSize: 2, AmplitudeEvery: time.Nanosecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Never started: nothing drains the queue.
	for i := 0; i < 5; i++ {
		b.EmitSessionStarted("sess", "Jarvis", time.Now())
	}
	if got := b.Dropped(); got != 3 {
		t.Fatalf("Dropped = %d, want 3", got)
	}
}

func TestBroadcasterThrottlesAmplitude(t *testing.T) {
	b, err := New(Config{URL: "ws://127.0.0.1:1/ws", QueueSize: 8, AmplitudeEvery: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.EmitAmplitude(0.1)
	b.EmitAmplitude(0.2)
	b.EmitAmplitude(0.3)
	if got := len(b.out); got != 1 {
		t.Fatalf("queued amplitude events = %d, want 1", got)
	}
}
