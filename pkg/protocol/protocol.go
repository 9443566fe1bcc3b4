package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame field names, checked in dispatch order
const (
	FieldToken              = "token"
	FieldPing               = "ping"
	FieldRemoteCommand      = "remote_command"
	FieldRemoteStreamCreate = "remote_stream_create"
	FieldRemoteStreamDelete = "remote_stream_delete"
	FieldRemoteStreamList   = "remote_stream_list"
	FieldQueryCapabilities  = "query_capabilities"
	FieldTestConnection     = "test_connection"
	FieldPorts              = "ports"
	FieldRemovePorts        = "remove_ports"
)

// Reply status values
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Per-port claim outcomes
const (
	ResultExisting           = "existing"
	ResultExistingResolution = "existing_conflict_resolution"
	ResultCreated            = "created"
	ResultNewResolution      = "new_conflict_resolution"
)

// Push message types. Everything a server originates unprompted carries
// the client_ prefix so trackers can tell pushes from replies.
const (
	ClientPrefix = "client_"

	TypePortAssignments     = "client_port_assignments"
	TypeAssignmentUpdate    = "client_port_assignment_update"
	TypeConflictResolution  = "client_port_conflict_resolution"
	TypeConflictResolutions = "client_port_conflict_resolutions"
)

// Frame is a decoded message whose top-level fields determine dispatch.
// Presence of a field matters independently of its value.
type Frame map[string]json.RawMessage

// ParseFrame decodes a raw websocket payload into a Frame.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %v", err)
	}
	return f, nil
}

// Has reports whether the named top-level field is present.
func (f Frame) Has(field string) bool {
	_, ok := f[field]
	return ok
}

// Decode unmarshals the whole frame into a typed message.
func (f Frame) Decode(v interface{}) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Token returns the token field, or "" when absent or not a string.
func (f Frame) Token() string {
	raw, ok := f[FieldToken]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Type returns the push type field, or "" when absent.
func (f Frame) Type() string {
	raw, ok := f["type"]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// IsPush reports whether the frame is a server-originated push.
func (f Frame) IsPush() bool {
	t := f.Type()
	return len(t) > len(ClientPrefix) && t[:len(ClientPrefix)] == ClientPrefix
}

// PortClaim is one claimed local port inside a ports frame.
// IncomingPort and ConflictResolved are only set on pre-approved
// claims relayed to a forwarder.
type PortClaim struct {
	Port             int    `json:"port"`
	Protocol         string `json:"protocol"`
	IncomingPort     int    `json:"incoming_port,omitempty"`
	ConflictResolved bool   `json:"conflict_resolved,omitempty"`
}

// PortRef identifies a port/protocol pair in a removal frame.
type PortRef struct {
	Port     int    `json:"puerto"`
	Protocol string `json:"protocolo"`
}

// ClaimRequest is the decoded form of a ports frame.
type ClaimRequest struct {
	Token       string      `json:"token"`
	IP          string      `json:"ip,omitempty"`
	Hostname    string      `json:"hostname,omitempty"`
	Ports       []PortClaim `json:"ports"`
	PreApproved bool        `json:"ports_pre_approved,omitempty"`
	Timestamp   int64       `json:"timestamp,omitempty"`
}

// RemoveRequest is the decoded form of a remove_ports frame.
type RemoveRequest struct {
	Token    string    `json:"token"`
	Hostname string    `json:"hostname,omitempty"`
	Ports    []PortRef `json:"remove_ports"`
}

// StreamSpec describes a stream in a remote_stream_create frame.
type StreamSpec struct {
	IncomingPort   int    `json:"incoming_port"`
	ForwardingHost string `json:"forwarding_host"`
	ForwardingPort int    `json:"forwarding_port"`
	Protocol       string `json:"protocol"`
	AllowedIPs     string `json:"allowed_ips,omitempty"`
}

// StreamRequest is the decoded form of the remote_stream_* frames.
type StreamRequest struct {
	Token  string      `json:"token"`
	Stream *StreamSpec `json:"stream,omitempty"`
	Port   int         `json:"port,omitempty"`
	Proto  string      `json:"protocol,omitempty"`
}

// Reply is the minimal status response.
type Reply struct {
	Status string `json:"status"`
	Msg    string `json:"msg,omitempty"`
}

// PortResult is the outcome reported for one claimed port.
type PortResult struct {
	Port             int    `json:"puerto"`
	Protocol         string `json:"protocolo"`
	IncomingPort     int    `json:"incoming_port"`
	ConflictResolved bool   `json:"conflict_resolved"`
	Status           string `json:"status"`
}

// ConflictResolution records a reroute of a claimed port to an
// alternative public port.
type ConflictResolution struct {
	OriginalPort    int    `json:"original_port"`
	Protocol        string `json:"protocol"`
	AlternativePort int    `json:"alternative_port"`
	ClientIP        string `json:"client_ip"`
	ClientHostname  string `json:"client_hostname,omitempty"`
}

// ClaimSummary aggregates a claim batch by outcome.
type ClaimSummary struct {
	Total             int `json:"total"`
	Existing          int `json:"existing"`
	Created           int `json:"created"`
	ConflictsResolved int `json:"conflicts_resolved"`
}

// ClaimReply is the full response to a ports frame.
type ClaimReply struct {
	Status              string               `json:"status"`
	Msg                 string               `json:"msg"`
	Results             []PortResult         `json:"resultados"`
	ConflictResolutions []ConflictResolution `json:"conflict_resolutions,omitempty"`
	Summary             *ClaimSummary        `json:"summary,omitempty"`
}

// Capabilities describes the role a node plays in the fleet.
type Capabilities struct {
	ServerType       string `json:"server_type"`
	HasOverlay       bool   `json:"has_wireguard"`
	OverlayIP        string `json:"wireguard_ip,omitempty"`
	OverlayPeerIP    string `json:"wireguard_peer_ip,omitempty"`
	ResolvesConflict bool   `json:"conflict_resolution_server"`
	ForwardsPorts    bool   `json:"port_forwarding_server"`
}

// CapabilitiesReply answers a query_capabilities frame.
type CapabilitiesReply struct {
	Status       string       `json:"status"`
	Capabilities Capabilities `json:"server_capabilities"`
}

// Assignment is one entry of a full-state assignments push.
type Assignment struct {
	Port         int    `json:"port"`
	Protocol     string `json:"protocol"`
	Assigned     bool   `json:"assigned"`
	IncomingPort int    `json:"incoming_port,omitempty"`
}

// AssignmentConflict is one lost claim inside a full-state push,
// naming the client that holds the port.
type AssignmentConflict struct {
	Port         int    `json:"port"`
	Protocol     string `json:"protocol"`
	AssignedTo   string `json:"assigned_to"`
	IncomingPort int    `json:"incoming_port"`
}

// AssignmentsPush carries a client's full assignment state plus the
// conflicts behind any port it did not win.
type AssignmentsPush struct {
	Type        string               `json:"type"`
	Assignments []Assignment         `json:"assignments"`
	Conflicts   []AssignmentConflict `json:"conflicts,omitempty"`
	Timestamp   int64                `json:"timestamp"`
}

// AssignmentUpdatePush notifies a single assignment change.
type AssignmentUpdatePush struct {
	Type         string `json:"type"`
	Port         int    `json:"port"`
	Protocol     string `json:"protocol"`
	Assigned     bool   `json:"assigned"`
	IncomingPort int    `json:"incoming_port,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// ConflictPush notifies the loser of a registry conflict.
type ConflictPush struct {
	Type         string `json:"type"`
	Port         int    `json:"port"`
	Protocol     string `json:"protocol"`
	AssignedTo   string `json:"assigned_to"`
	IncomingPort int    `json:"incoming_port"`
	Timestamp    int64  `json:"timestamp"`
}

// ConflictBroadcast carries resolver decisions to every other
// connected client.
type ConflictBroadcast struct {
	Type      string               `json:"type"`
	Conflicts []ConflictResolution `json:"conflicts"`
	Timestamp int64                `json:"timestamp"`
}

// StreamInfo is one row of a remote_stream_list reply.
type StreamInfo struct {
	ID             uint   `json:"id"`
	IncomingPort   int    `json:"incoming_port"`
	ForwardingHost string `json:"forwarding_host"`
	ForwardingPort int    `json:"forwarding_port"`
	TCP            bool   `json:"tcp"`
	UDP            bool   `json:"udp"`
	Enabled        bool   `json:"enabled"`
}

// StreamListReply answers a remote_stream_list frame.
type StreamListReply struct {
	Status  string       `json:"status"`
	Streams []StreamInfo `json:"streams"`
}

// ErrorReply builds an error response with a formatted message.
func ErrorReply(format string, v ...interface{}) Reply {
	return Reply{Status: StatusError, Msg: fmt.Sprintf(format, v...)}
}

// OKReply builds a success response.
func OKReply(msg string) Reply {
	return Reply{Status: StatusOK, Msg: msg}
}
