package metrics

import "marketrelay/logger"

// DropMetric identifies the counter incremented when a message is dropped.
type DropMetric string

const (
	// DropMetricUpstreamEvent records normalised events dropped because the
	// event channel between connector and registry was full.
	DropMetricUpstreamEvent DropMetric = "upstream_events_dropped"
	// DropMetricClientSend records events not delivered to a slow or closed client.
	DropMetricClientSend DropMetric = "client_messages_dropped"
	// DropMetricMirror records events the Kafka mirror could not queue.
	DropMetricMirror DropMetric = "mirror_messages_dropped"
)

const dropComponent = "channel_drops"

// EmitDropMetric counts one dropped message. Symbol and stage become labels
// when provided.
func EmitDropMetric(log *logger.Log, metric DropMetric, symbol, stage string) {
	labels := Labels{}
	if symbol != "" {
		labels["symbol"] = symbol
	}
	if stage != "" {
		labels["stage"] = stage
	}
	Count(log, dropComponent, string(metric), 1, labels)
}
