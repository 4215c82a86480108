package codec

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/murmurlabs/murmur-core/internal/audio"
)

// echoTurnServer accepts one realtime session, waits for a few input audio
// events, then replies with output audio and a turn.complete event.
func echoTurnServer(t *testing.T, format audio.Format) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		ctx := r.Context()

		inputs := 0
		for inputs < 3 {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var event rtEvent
			if err := json.Unmarshal(data, &event); err != nil {
				return
			}
			if event.Type == rtInputAudio {
				inputs++
			}
		}

		reply := rtEvent{
			Type:  rtOutputAudio,
			Audio: base64.StdEncoding.EncodeToString(audio.SinePCM(format, 0, 220, 0.4)),
		}
		payload, _ := json.Marshal(reply)
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			return
		}

		turn := rtEvent{Type: rtTurnComplete, UserText: "hello there", AssistantText: "general greeting"}
		payload, _ = json.Marshal(turn)
		_ = conn.Write(ctx, websocket.MessageText, payload)

		// Hold the connection open until the client goes away.
		_, _, _ = conn.Read(ctx)
	}))
}

func TestRealtimeAdapterRoundTrip(t *testing.T) {
	format := testFormat()
	server := echoTurnServer(t, format)
	t.Cleanup(server.Close)

	endpoint := "ws" + strings.TrimPrefix(server.URL, "http")
	adapter := NewRealtimeAdapter(endpoint, "test-key", "murmur-s2s-1", format)
	t.Cleanup(func() { _ = adapter.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		frame := audio.Frame{PCM: audio.SinePCM(format, uint64(i), 440, 0.6), Sequence: uint64(i)}
		if _, err := adapter.Encode(ctx, frame); err != nil {
			t.Fatalf("encode frame %d: %v", i, err)
		}
	}

	select {
	case tokens := <-adapter.Output():
		frame, err := adapter.Decode(ctx, tokens)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(frame.PCM) != format.FrameBytes() {
			t.Fatalf("decoded frame has %d bytes, want %d", len(frame.PCM), format.FrameBytes())
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for output audio")
	}

	select {
	case turn := <-adapter.Turns():
		if turn.UserText != "hello there" || turn.AssistantText != "general greeting" {
			t.Fatalf("unexpected turn result: %+v", turn)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for turn completion")
	}
}

func TestRealtimeAdapterDialFailure(t *testing.T) {
	adapter := NewRealtimeAdapter("ws://127.0.0.1:1/ws", "", "", testFormat())
	t.Cleanup(func() { _ = adapter.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := adapter.Encode(ctx, testFormat().Silence(0)); err == nil {
		t.Fatal("expected dial error")
	}
}
