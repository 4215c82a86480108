// Package runtime assembles the murmur daemon: telemetry, bus, archive,
// engine, visualizer and supervisor link, with ordered startup and shutdown.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/murmurlabs/murmur-core/internal/audio"
	"github.com/murmurlabs/murmur-core/internal/bus"
	"github.com/murmurlabs/murmur-core/internal/codec"
	"github.com/murmurlabs/murmur-core/internal/config"
	"github.com/murmurlabs/murmur-core/internal/engine"
	"github.com/murmurlabs/murmur-core/internal/eventstore"
	"github.com/murmurlabs/murmur-core/internal/inject"
	"github.com/murmurlabs/murmur-core/internal/memory"
	"github.com/murmurlabs/murmur-core/internal/natsserver"
	"github.com/murmurlabs/murmur-core/internal/persona"
	"github.com/murmurlabs/murmur-core/internal/supervisor"
	"github.com/murmurlabs/murmur-core/internal/visualizer"
	"github.com/murmurlabs/murmur-core/internal/wake"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer  *http.Server
	engine      *engine.Engine
	animator    *visualizer.Animator
	broadcaster *supervisor.Broadcaster
	busClient   *bus.Client
	busServer   *natsserver.EmbeddedServer
	store       *eventstore.Store
	mem         *memory.Memory

	ready atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start builds every component, runs until ctx is canceled, then tears the
// stack down in reverse order. Construction failures are fatal; anything
// after that degrades in place instead of exiting.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}

	if err := r.setupBus(); err != nil {
		_ = shutdownTelemetry(context.Background())
		return err
	}

	if err := r.setupEngine(ctx); err != nil {
		r.closeBus()
		_ = shutdownTelemetry(context.Background())
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/state", r.handleState)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("audio_mode", r.cfg.Audio.Mode),
		slog.String("codec_mode", r.cfg.Codec.Mode))

	err = g.Wait()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	if stopErr := r.engine.Stop(); stopErr != nil {
		r.logger.Error("engine shutdown error", slog.String("error", stopErr.Error()))
	}
	if r.animator != nil {
		r.animator.Stop()
	}
	if r.broadcaster != nil {
		r.broadcaster.Stop()
	}
	r.closeBus()
	if r.store != nil {
		if closeErr := r.store.Close(); closeErr != nil {
			r.logger.Error("archive shutdown error", slog.String("error", closeErr.Error()))
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if telErr := shutdownTelemetry(shutdownCtx); telErr != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", telErr.Error()))
	}

	return err
}

// setupBus starts the embedded broker when configured and connects the
// client. With the bus disabled both stay nil.
func (r *Runtime) setupBus() error {
	if !r.cfg.Bus.Enabled {
		return nil
	}

	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	r.busServer = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(busCfg, r.logger)
	if err != nil {
		r.busServer.Shutdown()
		return fmt.Errorf("connect to bus: %w", err)
	}
	r.busClient = client
	return nil
}

func (r *Runtime) closeBus() {
	if r.busClient != nil {
		r.busClient.Close()
	}
	r.busServer.Shutdown()
}

func (r *Runtime) setupEngine(ctx context.Context) error {
	format := audio.Format{
		SampleRate:   r.cfg.Audio.SampleRate,
		Channels:     r.cfg.Audio.Channels,
		FrameSamples: r.cfg.Audio.FrameSamples,
	}

	source, sink, err := buildAudio(r.cfg.Audio, format)
	if err != nil {
		return fmt.Errorf("open audio devices: %w", err)
	}
	adapter := buildAdapter(r.cfg.Codec, format)
	gate, err := wake.FromConfig(r.cfg.Wake)
	if err != nil {
		return fmt.Errorf("build wake gate: %w", err)
	}

	profile := r.loadPersona()

	store, err := eventstore.Open(ctx, r.cfg.Archive, r.logger)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	r.store = store
	if r.cfg.Archive.VacuumOnStart {
		if err := store.Prune(ctx); err != nil {
			r.logger.Warn("archive prune failed", slog.String("error", err.Error()))
		}
	}
	if summaries, err := store.RecentSessions(ctx, 5); err == nil && len(summaries) > 0 {
		r.logger.Info("archive loaded",
			slog.Int("recent_sessions", len(summaries)),
			slog.String("last_session", summaries[0].ID))
	}

	r.mem = memory.New(r.cfg.Memory.MaxRecentMessages, r.cfg.Memory.MaxArchivedSessions)
	personaName := profile.Name
	r.mem.OnRotate(func(sess memory.Session) {
		archiveCtx, cancelArchive := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelArchive()
		if err := store.ArchiveSession(archiveCtx, sess, personaName); err != nil {
			r.logger.Warn("session archive failed",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()))
		}
	})

	queue := inject.NewQueue(r.cfg.Injection.Capacity)

	var emitters engine.MultiEmitter
	if r.cfg.Supervisor.Enabled {
		broadcaster, err := supervisor.New(supervisor.Config{
			URL:            r.cfg.Supervisor.URL,
			Token:          r.cfg.Supervisor.Token,
			SendTimeout:    time.Duration(r.cfg.Supervisor.SendTimeoutMS) * time.Millisecond,
			QueueSize:      r.cfg.Supervisor.QueueSize,
			Backoff:        time.Duration(r.cfg.Supervisor.BackoffMS) * time.Millisecond,
			MaxBackoff:     time.Duration(r.cfg.Supervisor.MaxBackoffMS) * time.Millisecond,
			AmplitudeEvery: time.Duration(r.cfg.Supervisor.AmplitudeEveryMS) * time.Millisecond,
			Logger:         r.logger,
		})
		if err != nil {
			return fmt.Errorf("build supervisor link: %w", err)
		}
		r.broadcaster = broadcaster
		emitters = append(emitters, broadcaster)
	}
	if r.busClient != nil {
		emitters = append(emitters, bus.NewMirror(r.busClient, r.logger))
	}

	var recorder *audio.Recorder
	if r.cfg.Audio.DumpPath != "" {
		recorder = audio.NewRecorder(r.cfg.Audio.DumpPath, format)
	}

	eng, err := engine.New(engine.Config{
		Format:           format,
		Source:           source,
		Sink:             sink,
		Adapter:          adapter,
		Memory:           r.mem,
		Queue:            queue,
		Persona:          profile,
		Gate:             gate,
		Emitter:          emitters,
		Recorder:         recorder,
		Logger:           r.logger,
		MaxDeviceRetries: r.cfg.Audio.MaxDeviceRetries,
		MaxPendingFrames: r.cfg.Codec.MaxPending,
		DrainPerTick:     r.cfg.Injection.DrainPerTick,
		AmplitudeEvery:   time.Duration(r.cfg.Supervisor.AmplitudeEveryMS) * time.Millisecond,
		GreetOnStart:     r.cfg.Persona.GreetOnStart,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	r.engine = eng

	if r.broadcaster != nil {
		if err := r.broadcaster.Start(ctx); err != nil {
			return fmt.Errorf("start supervisor link: %w", err)
		}
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	if r.cfg.Visualizer.Enabled {
		r.animator = visualizer.New(
			eng.Amplitude(),
			time.Duration(r.cfg.Visualizer.TickIntervalMS)*time.Millisecond,
			r.cfg.Visualizer.Bars,
			r.logger,
		)
		if err := r.animator.Start(ctx); err != nil {
			return fmt.Errorf("start visualizer: %w", err)
		}
	}

	return nil
}

// loadPersona reads the configured profile, falling back to the default
// persona when the file is missing or invalid. A broken persona file is not
// worth refusing to boot over.
func (r *Runtime) loadPersona() persona.Profile {
	fallback := persona.Default(r.cfg.Persona.DefaultName, r.cfg.Persona.DefaultGreet)
	if r.cfg.Persona.Path == "" {
		return fallback
	}
	profile, err := persona.Load(r.cfg.Persona.Path)
	if err != nil {
		r.logger.Warn("persona load failed, using default",
			slog.String("path", r.cfg.Persona.Path),
			slog.String("error", err.Error()))
		return fallback
	}
	r.logger.Info("persona loaded",
		slog.String("path", r.cfg.Persona.Path),
		slog.String("persona", profile.Name))
	return profile
}

func buildAudio(cfg config.AudioConfig, format audio.Format) (audio.Source, audio.Sink, error) {
	switch cfg.Mode {
	case "pipe":
		source, err := audio.NewPipeSource(cfg.CaptureCommand, format)
		if err != nil {
			return nil, nil, err
		}
		sink, err := audio.NewPipeSink(cfg.PlaybackCommand)
		if err != nil {
			source.Close()
			return nil, nil, err
		}
		return source, sink, nil
	default:
		return audio.NewMockSource(format), audio.NewMockSink(), nil
	}
}

func buildAdapter(cfg config.CodecConfig, format audio.Format) codec.Adapter {
	switch cfg.Mode {
	case "realtime":
		return codec.NewRealtimeAdapter(cfg.Endpoint, cfg.APIKey, cfg.Model, format)
	default:
		return codec.NewMockAdapter(format)
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.busClient == nil || r.busClient.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleState exposes a live snapshot of the conversation loop for local
// inspection without a supervisor attached.
func (r *Runtime) handleState(w http.ResponseWriter, _ *http.Request) {
	if r.engine == nil {
		http.Error(w, "engine not running", http.StatusServiceUnavailable)
		return
	}
	snapshot := struct {
		State     string    `json:"state"`
		Amplitude float64   `json:"amplitude"`
		SessionID string    `json:"session_id"`
		Persona   string    `json:"persona"`
		Degraded  bool      `json:"degraded"`
		Bars      []float64 `json:"bars,omitempty"`
	}{
		State:     r.engine.State().String(),
		Amplitude: r.engine.Amplitude().Get(),
		SessionID: r.mem.SessionID(),
		Persona:   r.engine.ActivePersona().Name,
		Degraded:  r.engine.Degraded(),
	}
	if r.animator != nil {
		snapshot.Bars = r.animator.Snapshot()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snapshot)
}
