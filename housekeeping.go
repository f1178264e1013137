package allib

import (
	"github.com/robfig/cron/v3"

	"github.com/allibrary/allib/metrics"
	"github.com/allibrary/allib/overlay"
	"github.com/ethereum/go-ethereum/log"
)

// housekeepingSchedule runs once a minute. The runtime's own event loop
// already GCs expired DHT records every bootstrapEvery ticks; this cron
// entry is the belt-and-suspenders sweep for a node that stays up long
// enough for the in-loop bootstrap cadence to matter less than wall-clock
// time, per SPEC_FULL.md's domain-stack wiring for robfig/cron.
const housekeepingSchedule = "@every 1m"

// metricsSampleSchedule pushes a GetMetrics/GetNetworkPeers snapshot into the
// Prometheus gauges far more often than the maintenance sweep above, since a
// scrape-based exporter needs fresher numbers than a GC cadence does.
const metricsSampleSchedule = "@every 10s"

// housekeeper owns a cron.Cron driving periodic maintenance commands against
// the overlay runtime. It is separate from the runtime's internal select
// loop: cron entries run on their own goroutine and talk to the runtime only
// through Submit, same as any other caller.
type housekeeper struct {
	cron *cron.Cron
}

func startHousekeeper(rt *overlay.Runtime, logger log.Logger) *housekeeper {
	c := cron.New()
	_, err := c.AddFunc(housekeepingSchedule, func() {
		reply := make(chan error, 1)
		rt.Submit(overlay.BootstrapCmd{Reply: reply})
		if err := <-reply; err != nil {
			logger.Warn("housekeeping bootstrap sweep failed", "err", err)
		}
	})
	if err != nil {
		logger.Error("housekeeping: invalid schedule, maintenance sweep disabled", "err", err)
	}

	if _, err := c.AddFunc(metricsSampleSchedule, func() { sampleMetrics(rt) }); err != nil {
		logger.Error("housekeeping: invalid metrics schedule, sampling disabled", "err", err)
	}

	c.Start()
	return &housekeeper{cron: c}
}

// sampleMetrics reads the runtime's own transfer/peer state and pushes it
// into the ambient Prometheus gauges. It never mutates the runtime.
func sampleMetrics(rt *overlay.Runtime) {
	metricsReply := make(chan []overlay.MetricsEntry, 1)
	rt.Submit(overlay.GetMetricsCmd{Reply: metricsReply})
	for _, e := range <-metricsReply {
		metrics.Observe(e.Hash, e.Downloaded, e.RateBps)
	}

	statsReply := make(chan overlay.SwarmStats, 1)
	rt.Submit(overlay.GetSwarmStatsCmd{Reply: statsReply})
	stats := <-statsReply
	metrics.SetSwarmState(stats.Peers, stats.DHTRecords)
}

func (h *housekeeper) stop() {
	if h == nil || h.cron == nil {
		return
	}
	h.cron.Stop()
}
