package metrics

import "optionsflow/logger"

// DropMetric identifies the metric name emitted when a bounded channel drops
// a message rather than block its producer.
type DropMetric string

const (
	// DropMetricIngestionRaw records raw trade prints dropped at session intake,
	// before they reach the aggregator (session outbound buffer full).
	DropMetricIngestionRaw DropMetric = "ingestion_raw_dropped"
	// DropMetricAggregatorInput records trades dropped before the aggregator's
	// window could admit them (aggregator input queue full).
	DropMetricAggregatorInput DropMetric = "aggregator_input_dropped"
	// DropMetricSinkQueue records classified trades dropped before reaching
	// the persistence sink's batch buffer (sink queue full).
	DropMetricSinkQueue DropMetric = "sink_queue_dropped"
	// DropMetricBroadcastOutbox records classified trades dropped from a
	// subscriber's outbox because the subscriber was too slow to drain it.
	DropMetricBroadcastOutbox DropMetric = "broadcast_outbox_dropped"
)

// EmitDropMetric logs and emits a metric representing a dropped message. The
// metric value is always incremented by one, so callers should invoke this
// helper once per dropped message. contractSymbol and stage are optional and
// are added to the metric fields when non-empty, enabling downstream
// aggregation per contract and pipeline stage.
func EmitDropMetric(log *logger.Log, metric DropMetric, contractSymbol, stage string) {
	fields := logger.Fields{}
	if contractSymbol != "" {
		fields["contract_symbol"] = contractSymbol
	}
	if stage != "" {
		fields["stage"] = stage
	}

	IncrementDropped(string(metric))
	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
