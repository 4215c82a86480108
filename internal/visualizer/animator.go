// Package visualizer renders amplitude into bar heights on its own clock.
// It never touches the audio pipeline: its only input is a shared amplitude
// cell, read once per animation tick, so a stalled audio loop freezes the
// level but never the animation.
package visualizer

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// AmplitudeReader is the read side of the engine's amplitude cell.
type AmplitudeReader interface {
	Get() float64
}

// Animator turns the instantaneous amplitude into a smoothed set of bar
// heights in [0,1]. One goroutine writes, Snapshot copies under a lock.
type Animator struct {
	reader   AmplitudeReader
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	level   float64
	phase   float64
	heights []float64

	frames atomic.Uint64

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

const (
	// attack and decay are the smoothing factors applied per tick when the
	// raw amplitude rises above or falls below the displayed level.
	attack = 0.5
	decay  = 0.12
)

func New(reader AmplitudeReader, interval time.Duration, bars int, logger *slog.Logger) *Animator {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	if bars <= 0 {
		bars = 16
	}
	return &Animator{
		reader:   reader,
		interval: interval,
		heights:  make([]float64, bars),
		logger:   logger.With(slog.String("component", "visualizer")),
	}
}

// Start launches the animation loop.
func (a *Animator) Start(ctx context.Context) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()
	if a.running {
		return errors.New("visualizer: already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.running = true

	a.wg.Add(1)
	go a.run(loopCtx)
	a.logger.Info("visualizer started",
		slog.Duration("interval", a.interval),
		slog.Int("bars", len(a.heights)))
	return nil
}

// Stop halts the animation loop and waits for it to exit.
func (a *Animator) Stop() {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()
	if !a.running {
		return
	}
	a.running = false
	a.cancel()
	a.wg.Wait()
}

func (a *Animator) run(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(a.reader.Get())
		}
	}
}

// tick advances the animation one step: smooth the level toward the raw
// amplitude, then reshape the bars around it.
func (a *Animator) tick(raw float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	factor := decay
	if raw > a.level {
		factor = attack
	}
	a.level += (raw - a.level) * factor
	a.phase += 0.35

	n := len(a.heights)
	for i := range a.heights {
		// Center-weighted falloff with a slow per-bar wobble.
		d := 0.0
		if n > 1 {
			d = 2*float64(i)/float64(n-1) - 1
		}
		shape := math.Exp(-4 * d * d)
		wobble := 0.85 + 0.15*math.Sin(a.phase+float64(i)*0.7)
		h := a.level * shape * wobble
		if h < 0 {
			h = 0
		} else if h > 1 {
			h = 1
		}
		a.heights[i] = h
	}

	a.frames.Add(1)
}

// Snapshot returns a copy of the current bar heights.
func (a *Animator) Snapshot() []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]float64, len(a.heights))
	copy(out, a.heights)
	return out
}

// Level returns the smoothed display level.
func (a *Animator) Level() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.level
}

// Frames returns how many animation ticks have run.
func (a *Animator) Frames() uint64 {
	return a.frames.Load()
}
