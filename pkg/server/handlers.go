package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/streamgate/pkg/logging"
	"github.com/streamgate/pkg/protocol"
	"github.com/streamgate/pkg/reconciler"
	"github.com/streamgate/pkg/registry"
	"github.com/streamgate/pkg/resolver"
	"github.com/streamgate/pkg/store"
)

// runJanitor purges stale registry clients and retries queued stream
// requests on a fixed interval.
func (s *SessionServer) runJanitor() {
	ticker := time.NewTicker(s.cfg.GetCleanupInterval())
	defer ticker.Stop()

	for range ticker.C {
		if n := s.registry.Cleanup(); n > 0 {
			logging.Logf("[janitor] purged %d stale client(s)", n)
		}
		s.reconciler.RetryPending()
	}
}

func (s *session) handlePing(frame protocol.Frame) {
	if s.clientIP != "" {
		s.srv.registry.Touch(s.clientIP, s.clientHostname)
	}
	_ = s.Send(protocol.OKReply("pong"))
}

func (s *session) handleCapabilities() {
	_ = s.Send(protocol.CapabilitiesReply{
		Status:       protocol.StatusOK,
		Capabilities: s.srv.detector.Detect(),
	})
}

func (s *session) handleTestConnection() {
	caps := s.srv.detector.Detect()
	_ = s.Send(struct {
		Status     string `json:"status"`
		Msg        string `json:"msg"`
		ServerType string `json:"server_type"`
	}{protocol.StatusOK, "Connection test successful", caps.ServerType})
}

// handlePorts routes a claim batch to the role-appropriate engine and,
// on the coordinator, feeds the registry and broadcasts fresh
// resolutions to everyone else.
func (s *session) handlePorts(frame protocol.Frame) {
	var req protocol.ClaimRequest
	if err := frame.Decode(&req); err != nil {
		_ = s.Send(protocol.ErrorReply("invalid ports payload: %v", err))
		return
	}
	if len(req.Ports) == 0 {
		_ = s.Send(protocol.ErrorReply("empty ports list"))
		return
	}

	clientIP := req.IP
	if clientIP == "" {
		clientIP = s.remoteIP
	}

	if s.srv.detector.IsForwarder() {
		reply, err := s.srv.reconciler.Apply(clientIP, req.Ports, req.PreApproved)
		if err != nil {
			if errors.Is(err, reconciler.ErrNotApproved) {
				_ = s.Send(protocol.ErrorReply("this node only accepts pre-approved ports"))
				return
			}
			logging.Logf("[session] %s reconcile failed: %v", s.id, err)
			_ = s.Send(protocol.ErrorReply("server error: %v", err))
			return
		}
		_ = s.Send(reply)
		return
	}

	reply, fresh, err := s.srv.resolver.Resolve(clientIP, req.Hostname, req.Ports, req.PreApproved)
	if err != nil {
		if errors.Is(err, resolver.ErrPreApproved) {
			_ = s.Send(protocol.ErrorReply("this node does not accept pre-approved ports"))
			return
		}
		logging.Logf("[session] %s resolve failed: %v", s.id, err)
		_ = s.Send(protocol.ErrorReply("server error: %v", err))
		return
	}

	s.clientIP = clientIP
	s.clientHostname = req.Hostname

	pairs := make([]registry.PortProto, 0, len(req.Ports))
	for _, claim := range req.Ports {
		pairs = append(pairs, registry.PortProto{Port: claim.Port, Proto: claim.Protocol})
	}
	s.srv.registry.UpsertClaims(clientIP, req.Hostname, s, pairs)

	if len(fresh) > 0 {
		s.srv.registry.Broadcast(protocol.ConflictBroadcast{
			Type:      protocol.TypeConflictResolutions,
			Conflicts: fresh,
			Timestamp: time.Now().Unix(),
		}, registry.ClientKey(clientIP, req.Hostname))
	}

	_ = s.Send(reply)
}

func (s *session) handleRemovePorts(frame protocol.Frame) {
	var req protocol.RemoveRequest
	if err := frame.Decode(&req); err != nil {
		_ = s.Send(protocol.ErrorReply("invalid remove_ports payload: %v", err))
		return
	}

	clientIP := s.clientIP
	if clientIP == "" {
		clientIP = s.remoteIP
	}

	if s.srv.detector.IsForwarder() {
		var removed []string
		for _, ref := range req.Ports {
			proto := ref.Protocol
			if proto == "" {
				proto = store.ProtoTCP
			}
			ok, err := s.srv.reconciler.DeleteStream(ref.Port, proto)
			if err != nil {
				_ = s.Send(protocol.ErrorReply("server error: %v", err))
				return
			}
			if ok {
				removed = append(removed, fmt.Sprintf("%d/%s", ref.Port, proto))
			}
		}
		_ = s.Send(protocol.OKReply(fmt.Sprintf("removed inactive ports: [%s]", strings.Join(removed, " "))))
		return
	}

	removed, err := s.srv.resolver.Remove(clientIP, req.Ports)
	if err != nil {
		_ = s.Send(protocol.ErrorReply("server error: %v", err))
		return
	}

	pairs := make([]registry.PortProto, 0, len(req.Ports))
	for _, ref := range req.Ports {
		proto := ref.Protocol
		if proto == "" {
			proto = store.ProtoTCP
		}
		pairs = append(pairs, registry.PortProto{Port: ref.Port, Proto: proto})
	}
	s.srv.registry.DropClaims(clientIP, s.clientHostname, pairs)

	_ = s.Send(protocol.OKReply(fmt.Sprintf("removed inactive ports: [%s]", strings.Join(removed, " "))))
}

func (s *session) handleStreamCreate(frame protocol.Frame) {
	var req protocol.StreamRequest
	if err := frame.Decode(&req); err != nil || req.Stream == nil {
		_ = s.Send(protocol.ErrorReply("invalid stream payload"))
		return
	}
	spec := *req.Stream
	if spec.IncomingPort <= 0 || spec.ForwardingHost == "" || spec.ForwardingPort <= 0 {
		_ = s.Send(protocol.ErrorReply("stream requires incoming_port, forwarding_host and forwarding_port"))
		return
	}
	if spec.Protocol == "" {
		spec.Protocol = store.ProtoTCP
	}

	if err := s.srv.reconciler.ApplyStream(spec); err != nil {
		// queued for retry rather than lost
		_ = s.Send(protocol.OKReply(fmt.Sprintf("stream %d/%s queued: %v", spec.IncomingPort, spec.Protocol, err)))
		return
	}
	_ = s.Send(protocol.OKReply(fmt.Sprintf("stream %d/%s created", spec.IncomingPort, spec.Protocol)))
}

func (s *session) handleStreamDelete(frame protocol.Frame) {
	var req protocol.StreamRequest
	if err := frame.Decode(&req); err != nil || req.Port <= 0 {
		_ = s.Send(protocol.ErrorReply("invalid stream payload"))
		return
	}
	proto := req.Proto
	if proto == "" {
		proto = store.ProtoTCP
	}

	removed, err := s.srv.reconciler.DeleteStream(req.Port, proto)
	if err != nil {
		_ = s.Send(protocol.ErrorReply("server error: %v", err))
		return
	}
	if !removed {
		_ = s.Send(protocol.ErrorReply("no active stream on %d/%s", req.Port, proto))
		return
	}
	_ = s.Send(protocol.OKReply(fmt.Sprintf("stream %d/%s deleted", req.Port, proto)))
}

func (s *session) handleStreamList() {
	rows, err := s.srv.store.ListActive()
	if err != nil {
		_ = s.Send(protocol.ErrorReply("server error: %v", err))
		return
	}

	reply := protocol.StreamListReply{Status: protocol.StatusOK, Streams: []protocol.StreamInfo{}}
	for i := range rows {
		reply.Streams = append(reply.Streams, protocol.StreamInfo{
			ID:             rows[i].ID,
			IncomingPort:   rows[i].IncomingPort,
			ForwardingHost: rows[i].ForwardingHost,
			ForwardingPort: rows[i].ForwardingPort,
			TCP:            rows[i].TCPForwarding,
			UDP:            rows[i].UDPForwarding,
			Enabled:        rows[i].Enabled,
		})
	}
	_ = s.Send(reply)
}

// handleRemoteCommand serves the small out-of-band command surface
// used by operators and the opposite node.
func (s *session) handleRemoteCommand(frame protocol.Frame) {
	var cmd string
	if raw, ok := frame[protocol.FieldRemoteCommand]; ok {
		_ = json.Unmarshal(raw, &cmd)
	}

	switch cmd {
	case "list_pending":
		pending := s.srv.reconciler.PendingRequests()
		_ = s.Send(struct {
			Status  string                      `json:"status"`
			Pending []reconciler.PendingRequest `json:"pending"`
		}{protocol.StatusOK, pending})
	case "sync":
		if err := s.srv.syncer.SyncAndReload(); err != nil {
			_ = s.Send(protocol.ErrorReply("sync failed: %v", err))
			return
		}
		_ = s.Send(protocol.OKReply("config synchronized"))
	case "list_resolutions":
		recs := s.srv.resolver.Resolutions()
		_ = s.Send(struct {
			Status      string                   `json:"status"`
			Resolutions []store.ResolutionRecord `json:"resolutions"`
		}{protocol.StatusOK, recs})
	default:
		_ = s.Send(protocol.ErrorReply("unknown remote command %q", cmd))
	}
}
