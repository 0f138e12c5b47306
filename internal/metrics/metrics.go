// Package metrics registers the external node's gauges and counters
// against the teacher's own metrics registry
// (github.com/ethereum/go-ethereum/metrics), the same registry an
// out-of-scope Prometheus exporter would scrape in production.
package metrics

import "github.com/ethereum/go-ethereum/metrics"

// Set is the fixed collection of metrics the loop, sealer, reorg
// detector and consistency checker publish (spec.md §6 "Health and
// metrics").
type Set struct {
	SealedMiniblock       metrics.Gauge
	SealedBatch           metrics.Gauge
	SecondsSinceProgress  metrics.GaugeFloat64
	ActionQueueDepth      metrics.Gauge
	SealerQueueDepth      metrics.Gauge
	ExecutorTxDuration    metrics.Timer
	ReorgDetectorVerified metrics.Gauge
	ConsistentBatch       metrics.Gauge
}

// New registers and returns the metric set under the "extnode/" prefix.
func New() *Set {
	return &Set{
		SealedMiniblock:       metrics.NewRegisteredGauge("extnode/statekeeper/sealed_miniblock", nil),
		SealedBatch:           metrics.NewRegisteredGauge("extnode/statekeeper/sealed_batch", nil),
		SecondsSinceProgress:  metrics.NewRegisteredGaugeFloat64("extnode/statekeeper/seconds_since_progress", nil),
		ActionQueueDepth:      metrics.NewRegisteredGauge("extnode/actionqueue/depth", nil),
		SealerQueueDepth:      metrics.NewRegisteredGauge("extnode/sealer/queue_depth", nil),
		ExecutorTxDuration:    metrics.NewRegisteredTimer("extnode/executor/tx_duration", nil),
		ReorgDetectorVerified: metrics.NewRegisteredGauge("extnode/reorg/verified_watermark", nil),
		ConsistentBatch:       metrics.NewRegisteredGauge("extnode/consistency/last_consistent_batch", nil),
	}
}
