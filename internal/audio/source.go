package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrDevice marks capture or playback failures originating from the audio
// device. Per-frame occurrences are recovered locally; only repeated failures
// flip a source into degraded silent mode.
var ErrDevice = errors.New("audio device failure")

// Source produces one fixed-duration frame per call. Capture blocks for at
// most one frame period, paced by the device.
type Source interface {
	Capture(ctx context.Context) (Frame, error)
	Close() error
}

// Sink accepts one frame per frame period for playback.
type Sink interface {
	Play(ctx context.Context, frame Frame) error
	Close() error
}

// ResilientSource wraps a Source with retry and degraded-mode semantics:
// a failed capture is retried up to maxRetries times; after that the wrapper
// logs the failure once, remembers it, and keeps the pipeline alive by
// emitting paced silence frames.
type ResilientSource struct {
	inner      Source
	format     Format
	maxRetries int
	logger     *slog.Logger

	mu       sync.Mutex
	degraded bool
	lastErr  error
	seq      uint64
	lastEmit time.Time
}

func NewResilientSource(inner Source, format Format, maxRetries int, logger *slog.Logger) *ResilientSource {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &ResilientSource{
		inner:      inner,
		format:     format,
		maxRetries: maxRetries,
		logger:     logger.With(slog.String("component", "audio-source")),
	}
}

// Capture returns the next frame from the underlying device, or a silence
// frame once the source has degraded. Silence frames are paced to the frame
// duration so downstream timing is preserved.
func (r *ResilientSource) Capture(ctx context.Context) (Frame, error) {
	r.mu.Lock()
	degraded := r.degraded
	r.mu.Unlock()

	if degraded {
		return r.pacedSilence(ctx)
	}

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		frame, err := r.inner.Capture(ctx)
		if err == nil {
			r.mu.Lock()
			frame.Sequence = r.seq
			frame.Timestamp = time.Duration(r.seq) * r.format.FrameDuration()
			r.seq++
			r.mu.Unlock()
			return frame, nil
		}
		if ctx.Err() != nil {
			return Frame{}, ctx.Err()
		}
		lastErr = err
		r.logger.Warn("capture failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}

	wrapped := fmt.Errorf("%w: %v", ErrDevice, lastErr)
	r.mu.Lock()
	r.degraded = true
	r.lastErr = wrapped
	r.mu.Unlock()
	r.logger.Error("capture failing persistently, entering degraded silent mode",
		slog.Int("retries", r.maxRetries),
		slog.String("error", lastErr.Error()))

	return r.pacedSilence(ctx)
}

func (r *ResilientSource) pacedSilence(ctx context.Context) (Frame, error) {
	r.mu.Lock()
	wait := r.format.FrameDuration() - time.Since(r.lastEmit)
	r.mu.Unlock()

	if wait > 0 {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-time.After(wait):
		}
	}

	r.mu.Lock()
	frame := r.format.Silence(r.seq)
	r.seq++
	r.lastEmit = time.Now()
	r.mu.Unlock()
	return frame, nil
}

// Degraded reports whether the source has fallen back to silent mode.
func (r *ResilientSource) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

// Err returns the device error that triggered degraded mode, if any.
func (r *ResilientSource) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

func (r *ResilientSource) Close() error {
	return r.inner.Close()
}
