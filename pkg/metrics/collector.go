package metrics

import (
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector Prometheus metrics collector
type Collector struct {
	GetConnectedClients func() int
	GetActiveStreams    func() int
	GetPendingRequests  func() int

	// Info metric (always 1)
	serverInfo *prometheus.Desc

	// Session metrics
	clientsConnected  *prometheus.Desc
	sessionsTotal     *prometheus.Desc
	sessionsActive    *prometheus.Desc
	authFailuresTotal *prometheus.Desc

	// Claim metrics
	claimsTotal              *prometheus.Desc
	conflictResolutionsTotal *prometheus.Desc

	// Stream metrics
	streamsActive     *prometheus.Desc
	proxyReloadsTotal *prometheus.Desc
	pendingRequests   *prometheus.Desc

	// Metrics counters (protected by mutex)
	metricsLock         sync.RWMutex
	claimsByStatus      map[string]float64
	conflictResolutions float64
	proxyReloads        float64
	sessionsTotalN      float64
	sessionsActiveN     float64
	authFailures        float64
}

// NewCollector creates a new metrics collector
func NewCollector(getConnectedClients, getActiveStreams, getPendingRequests func() int) *Collector {
	return &Collector{
		GetConnectedClients: getConnectedClients,
		GetActiveStreams:    getActiveStreams,
		GetPendingRequests:  getPendingRequests,
		serverInfo: prometheus.NewDesc(
			"streamgate_server_info",
			"Session server process info metric (always 1)",
			[]string{"role", "node", "pod"},
			nil,
		),
		clientsConnected: prometheus.NewDesc(
			"streamgate_clients_connected",
			"Number of clients currently registered with the coordinator",
			[]string{"node", "pod"},
			nil,
		),
		sessionsTotal: prometheus.NewDesc(
			"streamgate_sessions_total",
			"Total websocket sessions accepted",
			[]string{"node", "pod"},
			nil,
		),
		sessionsActive: prometheus.NewDesc(
			"streamgate_sessions_active",
			"Number of currently open websocket sessions",
			[]string{"node", "pod"},
			nil,
		),
		authFailuresTotal: prometheus.NewDesc(
			"streamgate_auth_failures_total",
			"Total frames rejected for a bad or missing token",
			[]string{"node", "pod"},
			nil,
		),
		claimsTotal: prometheus.NewDesc(
			"streamgate_claims_total",
			"Total port claims processed, by outcome",
			[]string{"status", "node", "pod"},
			nil,
		),
		conflictResolutionsTotal: prometheus.NewDesc(
			"streamgate_conflict_resolutions_total",
			"Total new conflict resolutions issued",
			[]string{"node", "pod"},
			nil,
		),
		streamsActive: prometheus.NewDesc(
			"streamgate_streams_active",
			"Number of enabled rows in the stream table",
			[]string{"node", "pod"},
			nil,
		),
		proxyReloadsTotal: prometheus.NewDesc(
			"streamgate_proxy_reloads_total",
			"Total proxy config regenerations triggered",
			[]string{"node", "pod"},
			nil,
		),
		pendingRequests: prometheus.NewDesc(
			"streamgate_pending_remote_requests",
			"Current number of queued remote port requests",
			[]string{"node", "pod"},
			nil,
		),
		claimsByStatus: make(map[string]float64),
	}
}

// ClaimProcessed records one claim outcome.
func (c *Collector) ClaimProcessed(status string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.claimsByStatus[status]++
}

// ConflictResolved records one new conflict resolution.
func (c *Collector) ConflictResolved() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.conflictResolutions++
}

// ReloadTriggered records one proxy reload.
func (c *Collector) ReloadTriggered() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.proxyReloads++
}

// SessionOpened records a new websocket session.
func (c *Collector) SessionOpened() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.sessionsTotalN++
	c.sessionsActiveN++
}

// SessionClosed records a websocket session ending.
func (c *Collector) SessionClosed() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	if c.sessionsActiveN > 0 {
		c.sessionsActiveN--
	}
}

// AuthFailure records a rejected frame.
func (c *Collector) AuthFailure() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.authFailures++
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.serverInfo
	ch <- c.clientsConnected
	ch <- c.sessionsTotal
	ch <- c.sessionsActive
	ch <- c.authFailuresTotal
	ch <- c.claimsTotal
	ch <- c.conflictResolutionsTotal
	ch <- c.streamsActive
	ch <- c.proxyReloadsTotal
	ch <- c.pendingRequests
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	nodeName := os.Getenv("NODE_NAME")
	if nodeName == "" {
		nodeName = "unknown"
	}

	podName := os.Getenv("POD_NAME")
	if podName == "" {
		podName = os.Getenv("HOSTNAME")
		if podName == "" {
			podName = "unknown"
		}
	}

	role := os.Getenv("SERVER_ROLE")
	if role == "" {
		role = "unknown"
	}

	ch <- prometheus.MustNewConstMetric(
		c.serverInfo,
		prometheus.GaugeValue,
		1,
		role, nodeName, podName,
	)

	if c.GetConnectedClients != nil {
		ch <- prometheus.MustNewConstMetric(
			c.clientsConnected,
			prometheus.GaugeValue,
			float64(c.GetConnectedClients()),
			nodeName, podName,
		)
	}
	if c.GetActiveStreams != nil {
		ch <- prometheus.MustNewConstMetric(
			c.streamsActive,
			prometheus.GaugeValue,
			float64(c.GetActiveStreams()),
			nodeName, podName,
		)
	}
	if c.GetPendingRequests != nil {
		ch <- prometheus.MustNewConstMetric(
			c.pendingRequests,
			prometheus.GaugeValue,
			float64(c.GetPendingRequests()),
			nodeName, podName,
		)
	}

	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	ch <- prometheus.MustNewConstMetric(
		c.sessionsTotal,
		prometheus.CounterValue,
		c.sessionsTotalN,
		nodeName, podName,
	)
	ch <- prometheus.MustNewConstMetric(
		c.sessionsActive,
		prometheus.GaugeValue,
		c.sessionsActiveN,
		nodeName, podName,
	)
	ch <- prometheus.MustNewConstMetric(
		c.authFailuresTotal,
		prometheus.CounterValue,
		c.authFailures,
		nodeName, podName,
	)
	for status, count := range c.claimsByStatus {
		ch <- prometheus.MustNewConstMetric(
			c.claimsTotal,
			prometheus.CounterValue,
			count,
			status, nodeName, podName,
		)
	}
	ch <- prometheus.MustNewConstMetric(
		c.conflictResolutionsTotal,
		prometheus.CounterValue,
		c.conflictResolutions,
		nodeName, podName,
	)
	ch <- prometheus.MustNewConstMetric(
		c.proxyReloadsTotal,
		prometheus.CounterValue,
		c.proxyReloads,
		nodeName, podName,
	)
}
