package metrics

import (
	"context"
	"time"

	"marketrelay/logger"
)

// Buffer is a bounded queue whose occupancy can be sampled.
type Buffer interface {
	Name() string
	Len() int
	Cap() int
}

// StartChannelSizeMetrics publishes length and capacity gauges, labelled by
// buffer name, for every buffer each interval until ctx is cancelled. A
// non-positive interval means 1s.
func StartChannelSizeMetrics(ctx context.Context, interval time.Duration, buffers ...Buffer) {
	if len(buffers) == 0 {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, b := range buffers {
					labels := Labels{"buffer": b.Name()}
					SetGauge(log, "channel_buffers", MetricBufferLength, float64(b.Len()), labels)
					SetGauge(log, "channel_buffers", MetricBufferCapacity, float64(b.Cap()), labels)
				}
			}
		}
	}()
}
