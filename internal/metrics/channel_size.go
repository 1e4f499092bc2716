package metrics

import (
	"context"
	"time"

	"optionsflow/logger"
)

// ChannelDepth is a point-in-time occupancy sample for a bounded channel.
type ChannelDepth struct {
	Len int
	Cap int
}

// ChannelSampler returns the current depth of every bounded channel the
// caller wants observed, keyed by a stable name (e.g. "aggregator_window",
// "sink_buffer", "broadcast_subscribers"). Supervisors build this from
// live channel handles; it lets StartChannelSizeMetrics stay agnostic of
// which component owns which queue.
type ChannelSampler func() map[string]ChannelDepth

// StartChannelSizeMetrics emits occupancy gauges for every channel reported
// by sample. Metrics are logged every interval until the context is
// cancelled. When interval <= 0, a one-second cadence is used.
func StartChannelSizeMetrics(ctx context.Context, sample ChannelSampler, interval time.Duration) {
	if sample == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	component := "channel_buffers"

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for name, depth := range sample() {
					EmitMetric(log, component, name+"_buffer_length", depth.Len, "gauge", logger.Fields{
						"buffer":   name,
						"capacity": depth.Cap,
					})
				}
			}
		}
	}()
}
