package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/streamgate/pkg/capability"
	"github.com/streamgate/pkg/client"
	"github.com/streamgate/pkg/config"
	"github.com/streamgate/pkg/logging"
	"github.com/streamgate/pkg/proxyconf"
	"github.com/streamgate/pkg/server"
	"github.com/streamgate/pkg/store"
)

var (
	configFile    = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for web interface and telemetry.").Default(":9090").String()
	telemetryPath = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").Default("/metrics").String()
	bindAddr      = kingpin.Flag("bind-addr", "Address to bind for websocket sessions").Default(":8765").String()

	// Global config
	appConfig *config.Config
)

func main() {
	kingpin.Parse()

	// Load configuration
	var err error
	appConfig, err = config.LoadConfig(*configFile)
	if err != nil {
		// If config file doesn't exist, continue with defaults
		logging.Logf("Warning: Failed to load config file: %v, using defaults", err)
		appConfig = &config.Config{}
		appConfig.SetDefaults()
		appConfig.ApplyEnvOverrides()
	}

	// Initialize node ID early
	nodeID := logging.GetNodeID()
	logging.Logf("Node initialized with ID: %s", nodeID)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logging.Log("Received shutdown signal, shutting down gracefully...")
		cancel()
		logging.Flush()
		os.Exit(0)
	}()

	if err := runNode(ctx); err != nil {
		logging.Fatalf("Node error: %v", err)
	}
}

func runNode(ctx context.Context) error {
	// Get bind address from command line or config
	if appConfig.Node.BindAddr == "" {
		appConfig.Node.BindAddr = *bindAddr
	}

	if appConfig.Node.Token == "" {
		return fmt.Errorf("no session token configured, set node.token or NODE_TOKEN")
	}

	st, err := store.Open(appConfig.Streams.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open stream store: %v", err)
	}

	var reloader proxyconf.Reloader = proxyconf.NopReloader{}
	if appConfig.Streams.ReloadCommand != "" {
		reloader = &proxyconf.ExecReloader{Command: appConfig.Streams.ReloadCommand}
	}
	syncer := proxyconf.NewSyncer(appConfig.Streams.ConfDir, st, reloader)

	detector := capability.NewDetector(
		appConfig.Node.OverlayInterface,
		appConfig.Node.OverlayAddr,
		appConfig.Node.OverlayPeerAddr,
	)
	caps := detector.Detect()
	os.Setenv("SERVER_ROLE", caps.ServerType)

	sessionServer := server.NewSessionServer(appConfig, detector, st, syncer)

	// Start session listener
	go func() {
		if err := sessionServer.Start(); err != nil {
			logging.Fatalf("Session listener error: %v", err)
		}
	}()

	// Run the claim tracker if upstream servers are configured
	if len(appConfig.Client.Servers) > 0 {
		tracker, err := client.NewTracker(appConfig, nil)
		if err != nil {
			logging.Logf("Warning: claim tracker disabled: %v", err)
		} else {
			sessionServer.RegisterCollector(client.NewMetricsCollector())
			go tracker.Run(ctx)
			logging.Logf("Claim tracker running against %d server(s)", len(appConfig.Client.Servers))
		}
	} else {
		logging.Logf("No upstream servers configured, claim tracker disabled")
	}

	// Get metrics config from command line or config file
	metricsPath := *telemetryPath
	metricsAddr := *listenAddress
	if appConfig.Node.TelemetryPath != "" {
		metricsPath = appConfig.Node.TelemetryPath
	}
	if appConfig.Node.ListenAddress != "" {
		metricsAddr = appConfig.Node.ListenAddress
	}

	// Start metrics server
	return sessionServer.StartMetricsServer(metricsAddr, metricsPath)
}
