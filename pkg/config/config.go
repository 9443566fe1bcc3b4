package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Log     LogConfig     `yaml:"log"`
	Streams StreamsConfig `yaml:"streams"`
	Client  ClientConfig  `yaml:"client"`
}

// NodeConfig session server configuration (listening and identity)
type NodeConfig struct {
	BindAddr      string `yaml:"bind_addr"`      // WebSocket listening address (format: ip:port or :port, e.g., ":8765")
	ListenAddress string `yaml:"listen_address"` // Metrics listener address
	TelemetryPath string `yaml:"telemetry_path"` // Metrics path
	Token         string `yaml:"token"`          // Shared token expected on every inbound frame

	OverlayInterface string `yaml:"overlay_interface"` // Interface whose address marks this node as a forwarder (e.g., "wg0")
	OverlayAddr      string `yaml:"overlay_addr"`      // Explicit overlay address; overrides interface lookup
	OverlayPeerAddr  string `yaml:"overlay_peer_addr"` // Overlay address of the peer node; used as forwarding host for approved streams

	AuthTimeout           int `yaml:"auth_timeout"`            // Seconds to wait for the first authenticated frame
	PingInterval          int `yaml:"ping_interval"`           // Interval between server-side pings (seconds)
	PongTimeout           int `yaml:"pong_timeout"`            // Seconds to wait for a pong before dropping the session
	DisconnectTimeout     int `yaml:"disconnect_timeout"`      // Seconds of silence before a registered client is purged
	CleanupInterval       int `yaml:"cleanup_interval"`        // Registry janitor interval (seconds)
	PendingRequestTimeout int `yaml:"pending_request_timeout"` // Seconds a queued remote port request stays valid
}

// LogConfig log configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StreamsConfig stream persistence and proxy synchronization configuration
type StreamsConfig struct {
	DBPath          string `yaml:"db_path"`          // SQLite database path
	ConfDir         string `yaml:"conf_dir"`         // Directory where proxy stream config files are rendered
	ReloadCommand   string `yaml:"reload_command"`   // Shell command that reloads the proxy after a config change
	ResolutionsFile string `yaml:"resolutions_file"` // JSON file persisting conflict resolutions across restarts
	AllowedPorts    string `yaml:"allowed_ports"`    // File listing local ports eligible for claiming
}

// ServerRef one upstream coordination server a client connects to
type ServerRef struct {
	URI   string `yaml:"uri"`
	Token string `yaml:"token"`
}

// ClientConfig claim tracker configuration
type ClientConfig struct {
	Servers           []ServerRef `yaml:"servers"`            // Coordination servers to connect to
	AssignmentsFile   string      `yaml:"assignments_file"`   // JSON cache of assignment state per claimed port
	CycleInterval     int         `yaml:"cycle_interval"`     // Seconds between local port scans
	ReconnectInterval int         `yaml:"reconnect_interval"` // Seconds between reconnect attempts
	InactiveTimeout   int         `yaml:"inactive_timeout"`   // Seconds before a vanished local port is withdrawn
	CapabilityTimeout int         `yaml:"capability_timeout"` // Seconds to wait for a capabilities reply
	ClaimTimeout      int         `yaml:"claim_timeout"`      // Seconds to wait for a claim reply
}

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		// Try default path
		configPath = "config.yaml"
	}

	// Check if file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	// Set default values
	config.SetDefaults()

	// Apply environment variable overrides
	config.ApplyEnvOverrides()

	return &config, nil
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Node.BindAddr == "" {
		c.Node.BindAddr = ":8765"
	}
	if c.Node.ListenAddress == "" {
		c.Node.ListenAddress = ":9090"
	}
	if c.Node.TelemetryPath == "" {
		c.Node.TelemetryPath = "/metrics"
	}
	if c.Node.OverlayInterface == "" {
		c.Node.OverlayInterface = "wg0"
	}
	if c.Node.AuthTimeout == 0 {
		c.Node.AuthTimeout = 10
	}
	if c.Node.PingInterval == 0 {
		c.Node.PingInterval = 120
	}
	if c.Node.PongTimeout == 0 {
		c.Node.PongTimeout = 20
	}
	if c.Node.DisconnectTimeout == 0 {
		c.Node.DisconnectTimeout = 300
	}
	if c.Node.CleanupInterval == 0 {
		c.Node.CleanupInterval = 60
	}
	if c.Node.PendingRequestTimeout == 0 {
		c.Node.PendingRequestTimeout = 600
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.Streams.DBPath == "" {
		c.Streams.DBPath = "data/streams.db"
	}
	if c.Streams.ConfDir == "" {
		c.Streams.ConfDir = "data/streams"
	}
	if c.Streams.ResolutionsFile == "" {
		c.Streams.ResolutionsFile = "data/port_conflict_resolutions.json"
	}
	if c.Streams.AllowedPorts == "" {
		c.Streams.AllowedPorts = "ports.txt"
	}

	if c.Client.AssignmentsFile == "" {
		c.Client.AssignmentsFile = "data/client_assignments.json"
	}
	if c.Client.CycleInterval == 0 {
		c.Client.CycleInterval = 90
	}
	if c.Client.ReconnectInterval == 0 {
		c.Client.ReconnectInterval = 10
	}
	if c.Client.InactiveTimeout == 0 {
		c.Client.InactiveTimeout = 600
	}
	if c.Client.CapabilityTimeout == 0 {
		c.Client.CapabilityTimeout = 15
	}
	if c.Client.ClaimTimeout == 0 {
		c.Client.ClaimTimeout = 45
	}
}

// GetAuthTimeout gets the session auth timeout
func (c *Config) GetAuthTimeout() time.Duration {
	return time.Duration(c.Node.AuthTimeout) * time.Second
}

// GetPingInterval gets the server ping interval
func (c *Config) GetPingInterval() time.Duration {
	return time.Duration(c.Node.PingInterval) * time.Second
}

// GetPongTimeout gets the pong wait timeout
func (c *Config) GetPongTimeout() time.Duration {
	return time.Duration(c.Node.PongTimeout) * time.Second
}

// GetDisconnectTimeout gets the registry disconnect timeout
func (c *Config) GetDisconnectTimeout() time.Duration {
	return time.Duration(c.Node.DisconnectTimeout) * time.Second
}

// GetCleanupInterval gets the registry janitor interval
func (c *Config) GetCleanupInterval() time.Duration {
	return time.Duration(c.Node.CleanupInterval) * time.Second
}

// GetPendingRequestTimeout gets the queued remote request lifetime
func (c *Config) GetPendingRequestTimeout() time.Duration {
	return time.Duration(c.Node.PendingRequestTimeout) * time.Second
}

// GetCycleInterval gets the claim tracker scan interval
func (c *Config) GetCycleInterval() time.Duration {
	return time.Duration(c.Client.CycleInterval) * time.Second
}

// GetReconnectInterval gets the claim tracker reconnect interval
func (c *Config) GetReconnectInterval() time.Duration {
	return time.Duration(c.Client.ReconnectInterval) * time.Second
}

// GetInactiveTimeout gets the local port inactivity timeout
func (c *Config) GetInactiveTimeout() time.Duration {
	return time.Duration(c.Client.InactiveTimeout) * time.Second
}

// GetCapabilityTimeout gets the capabilities reply timeout
func (c *Config) GetCapabilityTimeout() time.Duration {
	return time.Duration(c.Client.CapabilityTimeout) * time.Second
}

// GetClaimTimeout gets the claim reply timeout
func (c *Config) GetClaimTimeout() time.Duration {
	return time.Duration(c.Client.ClaimTimeout) * time.Second
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("NODE_BIND_ADDR"); val != "" {
		c.Node.BindAddr = val
	}
	if val := os.Getenv("NODE_LISTEN_ADDRESS"); val != "" {
		c.Node.ListenAddress = val
	}
	if val := os.Getenv("NODE_TELEMETRY_PATH"); val != "" {
		c.Node.TelemetryPath = val
	}
	if val := os.Getenv("NODE_TOKEN"); val != "" {
		c.Node.Token = val
	}
	if val := os.Getenv("OVERLAY_INTERFACE"); val != "" {
		c.Node.OverlayInterface = val
	}
	if val := os.Getenv("OVERLAY_ADDR"); val != "" {
		c.Node.OverlayAddr = val
	}
	if val := os.Getenv("OVERLAY_PEER_ADDR"); val != "" {
		c.Node.OverlayPeerAddr = val
	}
	if val := os.Getenv("NODE_AUTH_TIMEOUT_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Node.AuthTimeout = i
		}
	}
	if val := os.Getenv("NODE_PING_INTERVAL_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Node.PingInterval = i
		}
	}
	if val := os.Getenv("NODE_DISCONNECT_TIMEOUT_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Node.DisconnectTimeout = i
		}
	}

	// Streams config
	if val := os.Getenv("STREAMS_DB_PATH"); val != "" {
		c.Streams.DBPath = val
	}
	if val := os.Getenv("STREAMS_CONF_DIR"); val != "" {
		c.Streams.ConfDir = val
	}
	if val := os.Getenv("STREAMS_RELOAD_COMMAND"); val != "" {
		c.Streams.ReloadCommand = val
	}
	if val := os.Getenv("STREAMS_RESOLUTIONS_FILE"); val != "" {
		c.Streams.ResolutionsFile = val
	}
	if val := os.Getenv("STREAMS_ALLOWED_PORTS"); val != "" {
		c.Streams.AllowedPorts = val
	}

	// Client config: SERVER_ADDRS/SERVER_TOKENS are parallel comma-separated lists
	if addrs := os.Getenv("SERVER_ADDRS"); addrs != "" {
		tokens := strings.Split(os.Getenv("SERVER_TOKENS"), ",")
		c.Client.Servers = nil
		for i, uri := range strings.Split(addrs, ",") {
			ref := ServerRef{URI: strings.TrimSpace(uri)}
			if i < len(tokens) {
				ref.Token = strings.TrimSpace(tokens[i])
			}
			if ref.Token == "" {
				ref.Token = c.Node.Token
			}
			c.Client.Servers = append(c.Client.Servers, ref)
		}
	}
	if val := os.Getenv("CLIENT_ASSIGNMENTS_FILE"); val != "" {
		c.Client.AssignmentsFile = val
	}
	if val := os.Getenv("CLIENT_CYCLE_INTERVAL_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Client.CycleInterval = i
		}
	}
	if val := os.Getenv("CLIENT_RECONNECT_INTERVAL_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Client.ReconnectInterval = i
		}
	}
	if val := os.Getenv("CLIENT_INACTIVE_TIMEOUT_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Client.InactiveTimeout = i
		}
	}

	// Log config
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
}
