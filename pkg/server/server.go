package server

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamgate/pkg/capability"
	"github.com/streamgate/pkg/config"
	"github.com/streamgate/pkg/logging"
	"github.com/streamgate/pkg/metrics"
	"github.com/streamgate/pkg/proxyconf"
	"github.com/streamgate/pkg/reconciler"
	"github.com/streamgate/pkg/registry"
	"github.com/streamgate/pkg/resolver"
	"github.com/streamgate/pkg/store"
)

// SessionServer accepts websocket sessions and dispatches frames to
// the role-appropriate engine: the resolver when this node
// coordinates, the reconciler when it forwards.
type SessionServer struct {
	cfg      *config.Config
	detector *capability.Detector
	store    *store.StreamStore
	syncer   *proxyconf.Syncer

	registry   *registry.Registry
	resolver   *resolver.Engine
	reconciler *reconciler.Engine

	collector *metrics.Collector
	promReg   *prometheus.Registry
	upgrader  websocket.Upgrader
}

// NewSessionServer wires the engines around a shared store and syncer.
func NewSessionServer(cfg *config.Config, detector *capability.Detector, st *store.StreamStore, syncer *proxyconf.Syncer) *SessionServer {
	promReg := prometheus.NewRegistry()

	srv := &SessionServer{
		cfg:      cfg,
		detector: detector,
		store:    st,
		syncer:   syncer,
		promReg:  promReg,
		upgrader: websocket.Upgrader{
			// Trackers connect from inside the fleet, not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	srv.registry = registry.New(cfg.GetDisconnectTimeout(), func() map[int]bool {
		used, err := st.UsedIncomingPorts()
		if err != nil {
			return nil
		}
		return used
	})

	collector := metrics.NewCollector(
		func() int { return srv.registry.ClientCount() },
		func() int {
			rows, err := st.ListActive()
			if err != nil {
				return 0
			}
			return len(rows)
		},
		func() int { return len(srv.reconciler.PendingRequests()) },
	)
	srv.collector = collector
	promReg.MustRegister(collector)

	resolutions := store.OpenResolutions(cfg.Streams.ResolutionsFile)
	srv.resolver = resolver.New(st, resolutions, syncer, collector, srv.registry.UsedSubstitutes)
	srv.reconciler = reconciler.New(st, syncer, collector, detector.PeerAddr, cfg.GetPendingRequestTimeout())

	return srv
}

// Start listens for websocket sessions and runs the janitor loop.
// Blocks until the listener fails.
func (s *SessionServer) Start() error {
	if s.cfg.Node.Token == "" {
		return errors.New("no session token configured, refusing to start")
	}
	go s.runJanitor()

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)

	role := capability.ServerTypeCoordinator
	if s.detector.IsForwarder() {
		role = capability.ServerTypeForwarder
	}
	logging.Logf("[listen] sessions addr=%s role=%s", s.cfg.Node.BindAddr, role)
	return http.ListenAndServe(s.cfg.Node.BindAddr, mux)
}

// StartMetricsServer starts the metrics server
func (s *SessionServer) StartMetricsServer(metricsAddr, metricsPath string) error {
	http.Handle(metricsPath, promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	http.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>
<head><title>Streamgate Exporter</title></head>
<body>
<h1>Streamgate Exporter</h1>
<p><a href="` + metricsPath + `">Metrics</a></p>
</body>
</html>`))
	})

	logging.Logf("[listen] metrics addr=%s path=%s health=/healthz", metricsAddr, metricsPath)
	return http.ListenAndServe(metricsAddr, nil)
}

// RegisterCollector adds an extra collector to the metrics registry.
func (s *SessionServer) RegisterCollector(c prometheus.Collector) {
	s.promReg.MustRegister(c)
}

// Registry exposes the client registry, used by tests.
func (s *SessionServer) Registry() *registry.Registry { return s.registry }

// Resolver exposes the conflict resolution engine, used by tests.
func (s *SessionServer) Resolver() *resolver.Engine { return s.resolver }

// Reconciler exposes the stream reconciliation engine, used by tests.
func (s *SessionServer) Reconciler() *reconciler.Engine { return s.reconciler }
