package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the engine's OTel instruments.
type Metrics struct {
	frames     metric.Int64Counter
	turns      metric.Int64Counter
	codecFails metric.Int64Counter
	decodeDur  metric.Float64Histogram
	dropped    metric.Int64ObservableGauge
	queueDepth metric.Int64ObservableGauge
	stateGauge metric.Int64ObservableGauge
}

func newMetrics(e *Engine) (*Metrics, error) {
	meter := otel.Meter("murmur/engine")

	frames, err := meter.Int64Counter("murmur.engine.frames",
		metric.WithDescription("Captured frames processed by the audio loop"))
	if err != nil {
		return nil, err
	}
	turns, err := meter.Int64Counter("murmur.engine.turns",
		metric.WithDescription("Completed conversation turns"))
	if err != nil {
		return nil, err
	}
	codecFails, err := meter.Int64Counter("murmur.engine.codec_failures",
		metric.WithDescription("Per-frame codec failures substituted with silence"))
	if err != nil {
		return nil, err
	}
	decodeDur, err := meter.Float64Histogram("murmur.engine.decode_duration",
		metric.WithDescription("Per-frame decode latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64ObservableGauge("murmur.engine.dropped_frames",
		metric.WithDescription("Input frames evicted from the bounded encode queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(e.encoderDropped()))
			return nil
		}))
	if err != nil {
		return nil, err
	}
	queueDepth, err := meter.Int64ObservableGauge("murmur.engine.injection_queue_depth",
		metric.WithDescription("Context injection queue depth"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(e.queue.Len()))
			return nil
		}))
	if err != nil {
		return nil, err
	}
	stateGauge, err := meter.Int64ObservableGauge("murmur.engine.state",
		metric.WithDescription("Engine state (0 idle, 1 listening, 2 processing, 3 speaking)"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(e.State()))
			return nil
		}))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		frames:     frames,
		turns:      turns,
		codecFails: codecFails,
		decodeDur:  decodeDur,
		dropped:    dropped,
		queueDepth: queueDepth,
		stateGauge: stateGauge,
	}, nil
}
