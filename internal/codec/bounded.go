package codec

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/murmurlabs/murmur-core/internal/audio"
)

// BoundedEncoder feeds captured frames to an Adapter from a worker goroutine
// so a slow encode never stalls the capture cadence. The pending queue is
// bounded by latency, not memory: when full, the oldest unconsumed frame is
// dropped to make room for the newest.
type BoundedEncoder struct {
	adapter Adapter
	logger  *slog.Logger

	mu      sync.Mutex
	pending chan audio.Frame
	dropped atomic.Uint64
	failed  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBoundedEncoder(parent context.Context, adapter Adapter, capacity int, logger *slog.Logger) *BoundedEncoder {
	if capacity <= 0 {
		capacity = 8
	}
	ctx, cancel := context.WithCancel(parent)
	b := &BoundedEncoder{
		adapter: adapter,
		logger:  logger.With(slog.String("component", "codec-encoder")),
		pending: make(chan audio.Frame, capacity),
		ctx:     ctx,
		cancel:  cancel,
	}
	b.wg.Add(1)
	go b.encodeLoop()
	return b
}

// Submit enqueues a frame for encoding. It never blocks; at capacity the
// oldest pending frame is evicted first.
func (b *BoundedEncoder) Submit(frame audio.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		select {
		case b.pending <- frame:
			return
		default:
		}
		select {
		case <-b.pending:
			b.dropped.Add(1)
		default:
		}
	}
}

func (b *BoundedEncoder) encodeLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case frame := <-b.pending:
			if _, err := b.adapter.Encode(b.ctx, frame); err != nil {
				b.failed.Add(1)
				b.logger.Warn("encode failed, frame skipped",
					slog.Uint64("sequence", frame.Sequence),
					slog.String("error", err.Error()))
			}
		}
	}
}

// Dropped returns how many frames were evicted unencoded.
func (b *BoundedEncoder) Dropped() uint64 { return b.dropped.Load() }

// Failed returns how many frames failed to encode.
func (b *BoundedEncoder) Failed() uint64 { return b.failed.Load() }

// Pending returns the current queue depth.
func (b *BoundedEncoder) Pending() int { return len(b.pending) }

func (b *BoundedEncoder) Close() {
	b.cancel()
	b.wg.Wait()
}
