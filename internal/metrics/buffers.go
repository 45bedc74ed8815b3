package metrics

import (
	"context"
	"time"

	"marketflow/internal/channel"
	"marketflow/logger"
)

// BufferSource lists subscriber queue occupancy for one named stream.
type BufferSource interface {
	Name() string
	Occupancy() []channel.Occupancy
}

// StartBufferMetrics emits queue length gauges for every subscriber of each
// source until ctx is done. A non-positive interval means one second.
func StartBufferMetrics(ctx context.Context, interval time.Duration, sources func() []BufferSource) {
	if !IsFeatureEnabled(FeatureSubscriberBuffers) || sources == nil {
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
				for _, src := range sources() {
					for _, occ := range src.Occupancy() {
						EmitMetric(log, "subscriber_buffers", "subscriber_buffer_length", occ.Len, "gauge", logger.Fields{
							"stream":     src.Name(),
							"subscriber": occ.ID,
							"capacity":   occ.Cap,
						})
					}
				}
			}
		}
	}()
}
