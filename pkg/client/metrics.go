package client

import (
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsCollector exports tracker-side metrics.
// This is separate from server-side streamgate_* metrics.
type metricsCollector struct {
	info            *prometheus.Desc
	claimsSentTotal *prometheus.Desc
	reconnectsTotal *prometheus.Desc
	pushesTotal     *prometheus.Desc
	trackedPorts    *prometheus.Desc
	removalsSent    *prometheus.Desc

	// state
	mu         sync.RWMutex
	claims     map[string]float64 // server uri -> count
	reconnects map[string]float64 // server uri -> count
	pushes     map[string]float64 // push type -> count
	removals   float64
	tracked    float64
}

var (
	trackerMetricsOnce sync.Once
	trackerMetrics     *metricsCollector
)

// NewMetricsCollector returns a singleton prometheus.Collector for tracker metrics.
func NewMetricsCollector() prometheus.Collector {
	trackerMetricsOnce.Do(func() {
		trackerMetrics = &metricsCollector{
			info: prometheus.NewDesc(
				"streamgate_tracker_info",
				"Claim tracker process info metric (always 1)",
				[]string{"node", "pod"},
				nil,
			),
			claimsSentTotal: prometheus.NewDesc(
				"streamgate_tracker_claims_sent_total",
				"Total claim batches sent, by server",
				[]string{"server", "node", "pod"},
				nil,
			),
			reconnectsTotal: prometheus.NewDesc(
				"streamgate_tracker_reconnects_total",
				"Total reconnect attempts, by server",
				[]string{"server", "node", "pod"},
				nil,
			),
			pushesTotal: prometheus.NewDesc(
				"streamgate_tracker_pushes_total",
				"Total server pushes received, by type",
				[]string{"type", "node", "pod"},
				nil,
			),
			trackedPorts: prometheus.NewDesc(
				"streamgate_tracker_tracked_ports",
				"Current number of ports acknowledged by the coordinator",
				[]string{"node", "pod"},
				nil,
			),
			removalsSent: prometheus.NewDesc(
				"streamgate_tracker_removals_sent_total",
				"Total inactive port withdrawals sent",
				[]string{"node", "pod"},
				nil,
			),
			claims:     make(map[string]float64),
			reconnects: make(map[string]float64),
			pushes:     make(map[string]float64),
		}
	})
	return trackerMetrics
}

func (m *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.info
	ch <- m.claimsSentTotal
	ch <- m.reconnectsTotal
	ch <- m.pushesTotal
	ch <- m.trackedPorts
	ch <- m.removalsSent
}

func (m *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	node := os.Getenv("NODE_NAME")
	if node == "" {
		node = "unknown"
	}
	pod := os.Getenv("POD_NAME")
	if pod == "" {
		pod = os.Getenv("HOSTNAME")
		if pod == "" {
			pod = "unknown"
		}
	}

	ch <- prometheus.MustNewConstMetric(m.info, prometheus.GaugeValue, 1, node, pod)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for server, v := range m.claims {
		ch <- prometheus.MustNewConstMetric(m.claimsSentTotal, prometheus.CounterValue, v, server, node, pod)
	}
	for server, v := range m.reconnects {
		ch <- prometheus.MustNewConstMetric(m.reconnectsTotal, prometheus.CounterValue, v, server, node, pod)
	}
	for pushType, v := range m.pushes {
		ch <- prometheus.MustNewConstMetric(m.pushesTotal, prometheus.CounterValue, v, pushType, node, pod)
	}
	ch <- prometheus.MustNewConstMetric(m.trackedPorts, prometheus.GaugeValue, m.tracked, node, pod)
	ch <- prometheus.MustNewConstMetric(m.removalsSent, prometheus.CounterValue, m.removals, node, pod)
}

func recordClaimSent(server string) {
	if trackerMetrics == nil {
		return
	}
	trackerMetrics.mu.Lock()
	defer trackerMetrics.mu.Unlock()
	trackerMetrics.claims[server]++
}

func recordReconnect(server string) {
	if trackerMetrics == nil {
		return
	}
	trackerMetrics.mu.Lock()
	defer trackerMetrics.mu.Unlock()
	trackerMetrics.reconnects[server]++
}

func recordPush(pushType string) {
	if trackerMetrics == nil {
		return
	}
	trackerMetrics.mu.Lock()
	defer trackerMetrics.mu.Unlock()
	trackerMetrics.pushes[pushType]++
}

func recordRemoval() {
	if trackerMetrics == nil {
		return
	}
	trackerMetrics.mu.Lock()
	defer trackerMetrics.mu.Unlock()
	trackerMetrics.removals++
}

func setTrackedPorts(n int) {
	if trackerMetrics == nil {
		return
	}
	trackerMetrics.mu.Lock()
	defer trackerMetrics.mu.Unlock()
	trackerMetrics.tracked = float64(n)
}
