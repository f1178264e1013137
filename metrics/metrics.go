// Package metrics exposes the overlay's transfer and swarm state as
// Prometheus gauges and counters, ambient to the GetMetrics command reply.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransferBytesDownloaded reports bytes written to disk so far per
	// content hash. A gauge, not a counter: GetMetrics reports the absolute
	// running total for a transfer, which can reset to zero once a hash
	// drops out of the stats table after process restart.
	TransferBytesDownloaded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "allib_transfer_bytes_downloaded",
			Help: "Bytes downloaded so far per content hash.",
		},
		[]string{"hash"},
	)

	TransferRateBps = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "allib_transfer_rate_bytes_per_second",
			Help: "Most recent one-second transfer rate per content hash.",
		},
		[]string{"hash"},
	)

	ConnectedPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "allib_connected_peers",
			Help: "Number of peers currently connected to the overlay.",
		},
	)

	DHTRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "allib_dht_records",
			Help: "Number of records held in the local DHT table.",
		},
	)

	BootstrapAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "allib_bootstrap_attempts_total",
			Help: "Total number of bootstrap dial attempts issued.",
		},
	)

	SearchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "allib_searches_total",
			Help: "Total number of mesh-wide searches issued.",
		},
	)
)

// Observe records one transfer sample, reporting the current absolute
// downloaded-bytes total and instantaneous rate for hash.
func Observe(hash string, downloaded uint64, rateBps float64) {
	TransferBytesDownloaded.WithLabelValues(hash).Set(float64(downloaded))
	TransferRateBps.WithLabelValues(hash).Set(rateBps)
}

// SetSwarmState updates the ambient peer/record gauges.
func SetSwarmState(peers, records int) {
	ConnectedPeers.Set(float64(peers))
	DHTRecords.Set(float64(records))
}
