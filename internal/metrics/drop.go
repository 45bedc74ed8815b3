package metrics

import "marketflow/logger"

// DropMetric names a counter emitted each time a value is discarded.
type DropMetric string

const (
	// DropMetricSubscriber counts events evicted from a full subscriber queue.
	DropMetricSubscriber DropMetric = "subscriber_events_dropped"
	// DropMetricInvalidRecord counts records rejected by structural checks.
	DropMetricInvalidRecord DropMetric = "invalid_records_dropped"
	// DropMetricBridge counts diffs discarded while bridging onto a snapshot.
	DropMetricBridge DropMetric = "bridge_diffs_dropped"
)

// EmitDropMetric emits one drop of kind metric. Empty labels are omitted.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, symbol, stage string) {
	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "drops", string(metric), 1, "counter", fields)
}
