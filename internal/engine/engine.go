// Package engine orchestrates the real-time conversation loop: capture →
// encode → infer → decode → play, one iteration per audio frame. It owns
// the state machine, the shared amplitude cell and the bounded conversation
// memory, and stays decoupled from the animation loop, which only ever
// reads the amplitude cell.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/murmurlabs/murmur-core/internal/audio"
	"github.com/murmurlabs/murmur-core/internal/codec"
	"github.com/murmurlabs/murmur-core/internal/inject"
	"github.com/murmurlabs/murmur-core/internal/memory"
	"github.com/murmurlabs/murmur-core/internal/persona"
	"github.com/murmurlabs/murmur-core/internal/wake"
)

// listenRMS is the input level above which a forwarded frame counts as
// audible and moves an idle engine into listening.
const listenRMS = 0.02

// Config carries everything the engine needs. Source, Sink, Adapter, Memory
// and Queue are required; the rest have working defaults.
type Config struct {
	Format  audio.Format
	Source  audio.Source
	Sink    audio.Sink
	Adapter codec.Adapter
	Memory  *memory.Memory
	Queue   *inject.Queue
	Persona persona.Profile
	Gate    wake.Gate
	Emitter Emitter
	// Recorder, when non-nil, receives a copy of all captured PCM for a
	// debug WAV dump.
	Recorder *audio.Recorder
	Logger   *slog.Logger

	MaxDeviceRetries int
	MaxPendingFrames int
	DrainPerTick     int
	AmplitudeEvery   time.Duration
	GreetOnStart     bool
}

// Engine drives the audio pipeline. The frame loop is logically
// single-threaded; all cross-loop communication goes through the amplitude
// cell, the injection queue and the adapter's channels.
type Engine struct {
	format         audio.Format
	source         *audio.ResilientSource
	sink           audio.Sink
	adapter        codec.Adapter
	mem            *memory.Memory
	queue          *inject.Queue
	gate           wake.Gate
	emitter        Emitter
	recorder       *audio.Recorder
	logger         *slog.Logger
	metrics        *Metrics
	drainPerTick   int
	maxPending     int
	amplitudeEvery time.Duration
	greetOnStart   bool

	amp   AmplitudeCell
	state atomic.Int32

	personaMu sync.Mutex
	persona   persona.Profile

	errMu   sync.Mutex
	lastErr error

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	encoder *codec.BoundedEncoder
	wg      sync.WaitGroup

	// pending is the playback backlog of decoded-but-unplayed token
	// batches. Touched only by the frame loop goroutine.
	pending []codec.Tokens
	playSeq uint64
}

func New(cfg Config) (*Engine, error) {
	if cfg.Source == nil || cfg.Sink == nil {
		return nil, errors.New("engine: audio source and sink are required")
	}
	if cfg.Adapter == nil {
		return nil, errors.New("engine: codec adapter is required")
	}
	if cfg.Memory == nil {
		return nil, errors.New("engine: conversation memory is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("engine: injection queue is required")
	}
	if cfg.Format.SampleRate <= 0 || cfg.Format.FrameSamples <= 0 {
		return nil, fmt.Errorf("engine: invalid audio format %+v", cfg.Format)
	}
	if cfg.Gate == nil {
		cfg.Gate = wake.AlwaysOn{}
	}
	if cfg.Emitter == nil {
		cfg.Emitter = NopEmitter{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DrainPerTick <= 0 {
		cfg.DrainPerTick = 4
	}
	if cfg.AmplitudeEvery <= 0 {
		cfg.AmplitudeEvery = 200 * time.Millisecond
	}

	logger := cfg.Logger.With(slog.String("component", "engine"))
	e := &Engine{
		format:         cfg.Format,
		source:         audio.NewResilientSource(cfg.Source, cfg.Format, cfg.MaxDeviceRetries, cfg.Logger),
		sink:           cfg.Sink,
		adapter:        cfg.Adapter,
		mem:            cfg.Memory,
		queue:          cfg.Queue,
		gate:           cfg.Gate,
		emitter:        cfg.Emitter,
		recorder:       cfg.Recorder,
		logger:         logger,
		persona:        cfg.Persona,
		drainPerTick:   cfg.DrainPerTick,
		maxPending:     cfg.MaxPendingFrames,
		amplitudeEvery: cfg.AmplitudeEvery,
		greetOnStart:   cfg.GreetOnStart,
	}

	metrics, err := newMetrics(e)
	if err != nil {
		return nil, fmt.Errorf("engine: metrics: %w", err)
	}
	e.metrics = metrics
	return e, nil
}

// Start launches the frame loop and the injection forwarder. It returns an
// error if the engine is already running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("engine: already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.encoder = codec.NewBoundedEncoder(loopCtx, e.adapter, e.maxPending, e.logger)
	e.running = true

	e.announceSession(e.mem.SessionID())

	e.wg.Add(2)
	go e.runLoop(loopCtx)
	go e.injectLoop(loopCtx)

	e.logger.Info("engine started",
		slog.String("session_id", e.mem.SessionID()),
		slog.String("gate", e.gate.Name()),
		slog.Duration("frame", e.format.FrameDuration()))
	return nil
}

// Stop halts both loops, waits for them to exit, and only then releases the
// codec session and audio device handles. Safe to call once per Start.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel := e.cancel
	encoder := e.encoder
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	encoder.Close()

	var errs []error
	if err := e.adapter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close adapter: %w", err))
	}
	if err := e.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sink: %w", err))
	}
	if err := e.source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close source: %w", err))
	}
	if e.recorder != nil {
		if err := e.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close recorder: %w", err))
		}
	}
	e.logger.Info("engine stopped")
	return errors.Join(errs...)
}

func (e *Engine) runLoop(ctx context.Context) {
	defer e.wg.Done()

	var lastAmpEmit time.Time
	for {
		if ctx.Err() != nil {
			return
		}

		frame, err := e.source.Capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.setLastErr(err)
			continue
		}
		e.metrics.frames.Add(ctx, 1)

		if e.recorder != nil {
			e.recorder.Append(frame.PCM)
		}
		rms := audio.RMS(frame.PCM)
		e.amp.Set(rms)
		if time.Since(lastAmpEmit) >= e.amplitudeEvery {
			e.emitter.EmitAmplitude(e.amp.Get())
			lastAmpEmit = time.Now()
		}
		if degraded := e.source.Err(); degraded != nil {
			e.setLastErr(degraded)
		}

		if e.gate.Forward(frame) {
			e.encoder.Submit(frame)
			// Listening means audible input, not just an open gate; an
			// always-on gate forwards silence too.
			if e.State() == StateIdle && rms >= listenRMS {
				e.setState(StateListening)
			}
		}

		e.collectOutput()

		select {
		case turn, ok := <-e.adapter.Turns():
			if ok {
				e.finalizeTurn(ctx, turn)
			}
		default:
		}

		e.playNext(ctx)
	}
}

// collectOutput moves any ready model output into the playback backlog
// without blocking.
func (e *Engine) collectOutput() {
	for {
		select {
		case tokens, ok := <-e.adapter.Output():
			if !ok {
				return
			}
			e.pending = append(e.pending, tokens)
		default:
			return
		}
	}
}

// playNext plays exactly one frame per loop iteration: the next decoded
// reply frame when one is pending, silence otherwise. Underruns therefore
// never skip a playback slot.
func (e *Engine) playNext(ctx context.Context) {
	var frame audio.Frame
	if len(e.pending) > 0 {
		tokens := e.pending[0]
		e.pending = e.pending[1:]
		start := time.Now()
		decoded, err := e.adapter.Decode(ctx, tokens)
		e.metrics.decodeDur.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			e.metrics.codecFails.Add(ctx, 1)
			e.setLastErr(err)
			e.logger.Warn("decode failed, substituting silence",
				slog.String("error", err.Error()))
			decoded = e.format.Silence(e.playSeq)
		}
		frame = decoded
	} else {
		frame = e.format.Silence(e.playSeq)
		if e.State() == StateSpeaking {
			e.setState(StateIdle)
		}
	}
	frame.Sequence = e.playSeq
	e.playSeq++

	if err := e.sink.Play(ctx, frame); err != nil && ctx.Err() == nil {
		e.setLastErr(err)
		e.logger.Warn("playback failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) finalizeTurn(ctx context.Context, turn codec.TurnResult) {
	e.setState(StateProcessing)

	sessionID := e.mem.SessionID()
	now := turn.Completed
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if turn.UserText != "" {
		e.mem.AddUserMessage(turn.UserText)
		e.emitter.EmitTranscription(TranscriptionEvent{
			Speaker:   memory.SpeakerUser,
			Text:      turn.UserText,
			SessionID: sessionID,
			Timestamp: now,
		})
	}
	if turn.AssistantText != "" {
		e.mem.AddAssistantResponse(turn.AssistantText)
		e.emitter.EmitTranscription(TranscriptionEvent{
			Speaker:   memory.SpeakerAssistant,
			Text:      turn.AssistantText,
			SessionID: sessionID,
			Timestamp: now,
		})
	}

	e.metrics.turns.Add(ctx, 1)
	e.setState(StateSpeaking)
}

// injectLoop drains the context injection queue off the frame loop and
// forwards entries to the adapter, so a slow InjectText can never stall
// frame timing.
func (e *Engine) injectLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.format.FrameDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, msg := range e.queue.Drain(e.drainPerTick) {
			if err := e.adapter.InjectText(ctx, msg.Text); err != nil && ctx.Err() == nil {
				e.logger.Warn("context injection failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

// announceSession pushes persona context for a session and emits the
// session-started event, greeting when configured.
func (e *Engine) announceSession(sessionID string) {
	p := e.ActivePersona()
	e.emitter.EmitSessionStarted(sessionID, p.Name, time.Now().UTC())
	e.queue.Push(p.ContextPrompt())

	if e.greetOnStart {
		greeting := p.GreetingLine()
		e.mem.AddAssistantResponse(greeting)
		e.emitter.EmitTranscription(TranscriptionEvent{
			Speaker:   memory.SpeakerAssistant,
			Text:      greeting,
			SessionID: sessionID,
			Timestamp: time.Now().UTC(),
		})
	}
}

// Reset archives the current session and starts a fresh one.
func (e *Engine) Reset() {
	id := e.mem.StartNewSession()
	e.announceSession(id)
	e.setState(StateIdle)
}

// SwapPersona replaces the active persona. The swap affects only future
// context generation; past memory is untouched.
func (e *Engine) SwapPersona(p persona.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.personaMu.Lock()
	e.persona = p
	e.personaMu.Unlock()
	e.queue.Push(p.ContextPrompt())
	e.logger.Info("persona swapped", slog.String("persona", p.Name))
	return nil
}

// ActivePersona returns the current persona profile.
func (e *Engine) ActivePersona() persona.Profile {
	e.personaMu.Lock()
	defer e.personaMu.Unlock()
	return e.persona
}

// Amplitude returns the shared amplitude cell for readers such as the
// visualizer.
func (e *Engine) Amplitude() *AmplitudeCell {
	return &e.amp
}

// State returns the engine's current phase.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// LastError returns the most recent recoverable error, or nil.
func (e *Engine) LastError() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.lastErr
}

func (e *Engine) setLastErr(err error) {
	e.errMu.Lock()
	e.lastErr = err
	e.errMu.Unlock()
}

// encoderDropped reads the encode queue's eviction count, tolerating the
// window before Start when no encoder exists yet.
func (e *Engine) encoderDropped() uint64 {
	e.mu.Lock()
	encoder := e.encoder
	e.mu.Unlock()
	if encoder == nil {
		return 0
	}
	return encoder.Dropped()
}

// Degraded reports whether the capture side has fallen back to silence.
func (e *Engine) Degraded() bool {
	return e.source.Degraded()
}
