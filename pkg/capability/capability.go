package capability

import (
	"net"
	"strings"
	"sync"

	"github.com/streamgate/pkg/logging"
	"github.com/streamgate/pkg/protocol"
)

// Server role names reported on the wire
const (
	ServerTypeCoordinator = "conflict_resolution"
	ServerTypeForwarder   = "wireguard"
)

// Detector determines the role of this node. A node that holds an
// address on the overlay interface fronts the proxy and acts as the
// forwarder; everything else coordinates.
type Detector struct {
	iface        string
	overrideAddr string
	peerAddr     string

	mu     sync.Mutex
	cached *protocol.Capabilities
}

// NewDetector builds a detector for the given overlay interface.
// overrideAddr skips interface lookup entirely; peerAddr is the overlay
// address of the opposite node.
func NewDetector(iface, overrideAddr, peerAddr string) *Detector {
	return &Detector{iface: iface, overrideAddr: overrideAddr, peerAddr: peerAddr}
}

// Detect returns the node capabilities. The probe result is cached:
// role changes require a restart.
func (d *Detector) Detect() protocol.Capabilities {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cached != nil {
		return *d.cached
	}

	ip := d.overrideAddr
	if ip == "" {
		ip = interfaceAddr(d.iface)
	}

	caps := protocol.Capabilities{
		HasOverlay:    ip != "",
		OverlayIP:     ip,
		OverlayPeerIP: d.peerAddr,
	}
	if caps.HasOverlay {
		caps.ServerType = ServerTypeForwarder
		caps.ForwardsPorts = true
	} else {
		caps.ServerType = ServerTypeCoordinator
		caps.ResolvesConflict = true
	}

	logging.Logf("[capability] role=%s overlay_ip=%q", caps.ServerType, ip)
	d.cached = &caps
	return caps
}

// IsForwarder reports whether this node reconciles approved streams.
func (d *Detector) IsForwarder() bool {
	return d.Detect().ForwardsPorts
}

// PeerAddr returns the overlay address of the opposite node, or "".
func (d *Detector) PeerAddr() string {
	return d.peerAddr
}

// interfaceAddr returns the first IPv4 address bound to the named
// interface, or "" when the interface is absent or bare.
func interfaceAddr(name string) string {
	if name == "" {
		return ""
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return ""
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		s := addr.String()
		if i := strings.Index(s, "/"); i >= 0 {
			s = s[:i]
		}
		ip := net.ParseIP(s)
		if ip != nil && ip.To4() != nil {
			return s
		}
	}
	return ""
}
