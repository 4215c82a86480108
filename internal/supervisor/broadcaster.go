// Package supervisor maintains a best-effort WebSocket link to an external
// supervisor UI. Events are queued in a bounded buffer and dropped when the
// link is down or slow; the engine never blocks on this path.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/murmurlabs/murmur-core/internal/engine"
	"github.com/murmurlabs/murmur-core/internal/protocol"
)

const dialTimeout = 10 * time.Second

// Config controls the supervisor link.
type Config struct {
	URL   string
	Token string
	// SendTimeout bounds each outbound write.
	SendTimeout time.Duration
	// QueueSize bounds the outbound buffer; excess events are dropped.
	QueueSize int
	// Backoff and MaxBackoff bound the reconnect delay, which doubles on
	// every consecutive failure.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// AmplitudeEvery throttles amplitude events independently of the
	// engine's own emit cadence.
	AmplitudeEvery time.Duration
	Logger         *slog.Logger
}

// Broadcaster implements engine.Emitter over a reconnecting WebSocket.
type Broadcaster struct {
	cfg    Config
	logger *slog.Logger

	out       chan any
	dropped   atomic.Uint64
	sent      atomic.Uint64
	connected atomic.Bool

	ampMu   sync.Mutex
	lastAmp time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ engine.Emitter = (*Broadcaster)(nil)

func New(cfg Config) (*Broadcaster, error) {
	if cfg.URL == "" {
		return nil, errors.New("supervisor: url is required")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 500 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.AmplitudeEvery <= 0 {
		cfg.AmplitudeEvery = 200 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b := &Broadcaster{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "supervisor")),
		out:    make(chan any, cfg.QueueSize),
	}

	meter := otel.Meter("murmur/supervisor")
	_, err := meter.Int64ObservableGauge("murmur.supervisor.dropped_events",
		metric.WithDescription("Events discarded because the link was down or slow"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Dropped()))
			return nil
		}))
	if err != nil {
		return nil, fmt.Errorf("supervisor: metrics: %w", err)
	}
	return b, nil
}

// Start launches the connection loop.
func (b *Broadcaster) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return errors.New("supervisor: already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true

	b.wg.Add(1)
	go b.run(loopCtx)
	return nil
}

// Stop closes the link and waits for the connection loop to exit.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	b.cancel()
	b.wg.Wait()
}

func (b *Broadcaster) EmitTranscription(event engine.TranscriptionEvent) {
	b.trySend(protocol.Transcription{
		Type:      protocol.TypeTranscription,
		Speaker:   event.Speaker,
		Text:      event.Text,
		SessionID: event.SessionID,
		Timestamp: event.Timestamp,
	})
}

func (b *Broadcaster) EmitAmplitude(value float64) {
	b.ampMu.Lock()
	if time.Since(b.lastAmp) < b.cfg.AmplitudeEvery {
		b.ampMu.Unlock()
		return
	}
	b.lastAmp = time.Now()
	b.ampMu.Unlock()

	b.trySend(protocol.Amplitude{Type: protocol.TypeAmplitude, Value: value})
}

func (b *Broadcaster) EmitSessionStarted(sessionID, personaName string, at time.Time) {
	b.trySend(protocol.SessionStarted{
		Type:      protocol.TypeSessionStarted,
		SessionID: sessionID,
		Persona:   personaName,
		Timestamp: at,
	})
}

// trySend queues an event without blocking. Full buffer means drop.
func (b *Broadcaster) trySend(msg any) {
	select {
	case b.out <- msg:
	default:
		b.dropped.Add(1)
	}
}

func (b *Broadcaster) run(ctx context.Context) {
	defer b.wg.Done()

	delay := b.cfg.Backoff
	for ctx.Err() == nil {
		conn, err := b.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("supervisor connect failed",
				slog.String("url", b.cfg.URL),
				slog.Duration("retry_in", delay),
				slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > b.cfg.MaxBackoff {
				delay = b.cfg.MaxBackoff
			}
			continue
		}

		delay = b.cfg.Backoff
		b.connected.Store(true)
		b.logger.Info("supervisor link up", slog.String("url", b.cfg.URL))

		err = b.pump(ctx, conn)
		b.connected.Store(false)
		conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("supervisor link lost", slog.String("error", err.Error()))
	}
}

// dial connects and performs the hello handshake. The supervisor must
// acknowledge the token before any events flow.
func (b *Broadcaster) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, b.cfg.URL, nil)
	if err != nil {
		return nil, err
	}

	hello := protocol.Hello{Type: protocol.TypeHello, Runtime: "murmurd", Token: b.cfg.Token}
	if err := wsjson.Write(dialCtx, conn, hello); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake write failed")
		return nil, err
	}

	var ack protocol.HelloAck
	if err := wsjson.Read(dialCtx, conn, &ack); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake read failed")
		return nil, err
	}
	if !ack.Accepted {
		conn.Close(websocket.StatusPolicyViolation, "rejected")
		return nil, fmt.Errorf("supervisor rejected hello: %s", ack.Reason)
	}
	return conn, nil
}

// pump drains the outbound queue onto the link until the write fails, the
// peer closes, or the context ends. The link is write-only after the
// handshake; CloseRead surfaces a peer close as context cancellation.
func (b *Broadcaster) pump(ctx context.Context, conn *websocket.Conn) error {
	readCtx := conn.CloseRead(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-readCtx.Done():
			return errors.New("peer closed connection")
		case msg := <-b.out:
			writeCtx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
			err := wsjson.Write(writeCtx, conn, msg)
			cancel()
			if err != nil {
				b.dropped.Add(1)
				return err
			}
			b.sent.Add(1)
		}
	}
}

// Connected reports whether the link is currently up.
func (b *Broadcaster) Connected() bool { return b.connected.Load() }

// Sent returns how many events were delivered.
func (b *Broadcaster) Sent() uint64 { return b.sent.Load() }

// Dropped returns how many events were discarded.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }
