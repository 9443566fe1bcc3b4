package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamgate/pkg/config"
	"github.com/streamgate/pkg/logging"
	"github.com/streamgate/pkg/protocol"
	"github.com/streamgate/pkg/scanner"
	"github.com/streamgate/pkg/store"
)

// State is the tracker connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateCapabilityExchange
	StateActive
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateCapabilityExchange:
		return "capability_exchange"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

type portKey struct {
	Port  int
	Proto string
}

// serverLink is one configured upstream with its discovered role.
type serverLink struct {
	ref  config.ServerRef
	caps protocol.Capabilities
}

// Tracker watches locally listening ports and keeps the coordination
// servers informed: deltas while connected, a full resend after every
// reconnect, withdrawals for ports gone longer than the inactivity
// timeout. Approved claims are relayed to every forwarder.
type Tracker struct {
	cfg         *config.Config
	scanner     scanner.Enumerator
	allowed     map[int]bool
	assignments *store.AssignmentCache
	hostname    string

	state State

	// ports the coordinator acknowledged this session
	sent map[portKey]protocol.PortResult
	// last time each allowed port was seen listening
	lastSeen map[portKey]time.Time

	coordinator *serverLink
	forwarders  []serverLink
}

// NewTracker builds a tracker. enumerator may be nil, defaulting to
// the proc scanner.
func NewTracker(cfg *config.Config, enumerator scanner.Enumerator) (*Tracker, error) {
	if len(cfg.Client.Servers) == 0 {
		return nil, errors.New("no coordination servers configured")
	}
	if enumerator == nil {
		enumerator = scanner.NewProcScanner()
	}
	allowed, err := scanner.LoadAllowedPorts(cfg.Streams.AllowedPorts)
	if err != nil {
		return nil, fmt.Errorf("load allowed ports: %v", err)
	}
	hostname, _ := os.Hostname()

	return &Tracker{
		cfg:         cfg,
		scanner:     enumerator,
		allowed:     allowed,
		assignments: store.OpenAssignments(cfg.Client.AssignmentsFile),
		hostname:    hostname,
		sent:        make(map[portKey]protocol.PortResult),
		lastSeen:    make(map[portKey]time.Time),
	}, nil
}

// Run drives the tracker until the context ends. Connection failures
// back off for the reconnect interval and start over with discovery.
func (t *Tracker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if err := t.discover(ctx); err != nil {
			logging.Logf("[tracker] discovery failed: %v", err)
			t.state = StateReconnecting
			sleepCtx(ctx, t.cfg.GetReconnectInterval())
			continue
		}

		if err := t.runSession(ctx); err != nil && ctx.Err() == nil {
			logging.Logf("[tracker] session ended: %v", err)
			recordReconnect(t.coordinator.ref.URI)
			t.state = StateReconnecting
			sleepCtx(ctx, t.cfg.GetReconnectInterval())
		}
	}
	t.state = StateDisconnected
}

// discover queries every configured server and classifies it by role.
// Exactly one coordinator is required; forwarders are optional.
func (t *Tracker) discover(ctx context.Context) error {
	t.coordinator = nil
	t.forwarders = nil

	for _, ref := range t.cfg.Client.Servers {
		caps, err := t.queryCapabilities(ctx, ref)
		if err != nil {
			logging.Logf("[tracker] %s unreachable: %v", ref.URI, err)
			continue
		}
		link := serverLink{ref: ref, caps: caps}
		if caps.ResolvesConflict {
			if t.coordinator == nil {
				t.coordinator = &link
			}
		} else if caps.ForwardsPorts {
			t.forwarders = append(t.forwarders, link)
		}
		logging.Logf("[tracker] %s classified as %s", ref.URI, caps.ServerType)
	}

	if t.coordinator == nil {
		return errors.New("no coordinator reachable")
	}
	return nil
}

// queryCapabilities dials one server just long enough to learn its role.
func (t *Tracker) queryCapabilities(ctx context.Context, ref config.ServerRef) (protocol.Capabilities, error) {
	conn, err := t.dialAndAuth(ctx, ref)
	if err != nil {
		return protocol.Capabilities{}, err
	}
	defer conn.Close()

	req := map[string]interface{}{"token": ref.Token, "query_capabilities": true}
	if err := conn.WriteJSON(req); err != nil {
		return protocol.Capabilities{}, err
	}
	frame, err := t.readReply(conn, t.cfg.GetCapabilityTimeout())
	if err != nil {
		return protocol.Capabilities{}, err
	}
	var reply protocol.CapabilitiesReply
	if err := frame.Decode(&reply); err != nil {
		return protocol.Capabilities{}, err
	}
	if reply.Status != protocol.StatusOK {
		return protocol.Capabilities{}, fmt.Errorf("capability query rejected")
	}
	return reply.Capabilities, nil
}

// dialAndAuth opens a websocket and completes the token handshake.
func (t *Tracker) dialAndAuth(ctx context.Context, ref config.ServerRef) (*websocket.Conn, error) {
	t.state = StateConnecting
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.GetAuthTimeout())
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, ref.URI, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %v", ref.URI, err)
	}

	t.state = StateAuthenticating
	if err := conn.WriteJSON(map[string]string{"token": ref.Token}); err != nil {
		conn.Close()
		return nil, err
	}
	frame, err := t.readReply(conn, t.cfg.GetAuthTimeout())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("auth: %v", err)
	}
	var reply protocol.Reply
	if err := frame.Decode(&reply); err != nil || reply.Status != protocol.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("auth rejected: %s", reply.Msg)
	}
	return conn, nil
}

// runSession holds the coordinator connection through claim cycles.
// A fresh session never trusts prior acknowledgements.
func (t *Tracker) runSession(ctx context.Context) error {
	link := t.coordinator
	conn, err := t.dialAndAuth(ctx, link.ref)
	if err != nil {
		return err
	}
	defer conn.Close()

	t.state = StateActive
	logging.Logf("[tracker] connected to coordinator %s", link.ref.URI)

	// force a full resend on every new session
	t.sent = make(map[portKey]protocol.PortResult)

	ticker := time.NewTicker(t.cfg.GetCycleInterval())
	defer ticker.Stop()

	for {
		if err := t.cycle(ctx, conn); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// cycle runs one scan-and-report pass.
func (t *Tracker) cycle(ctx context.Context, conn *websocket.Conn) error {
	now := time.Now()

	listeners, err := t.scanner.ListeningPorts()
	if err != nil {
		logging.Logf("[tracker] port scan failed: %v", err)
		listeners = nil
	}

	current := make(map[portKey]bool)
	for _, l := range listeners {
		if !t.allowed[l.Port] {
			continue
		}
		k := portKey{Port: l.Port, Proto: l.Proto}
		current[k] = true
		t.lastSeen[k] = now
	}

	var delta []protocol.PortClaim
	for k := range current {
		if _, ok := t.sent[k]; !ok {
			delta = append(delta, protocol.PortClaim{Port: k.Port, Protocol: k.Proto})
		}
	}

	if len(delta) > 0 {
		if err := t.sendClaims(ctx, conn, delta); err != nil {
			return err
		}
	} else {
		if err := t.sendPing(conn); err != nil {
			return err
		}
	}

	if err := t.withdrawInactive(conn, now); err != nil {
		return err
	}
	setTrackedPorts(len(t.sent))
	return nil
}

// sendClaims submits a delta batch, records the outcomes, and relays
// the approved set to every forwarder.
func (t *Tracker) sendClaims(ctx context.Context, conn *websocket.Conn, claims []protocol.PortClaim) error {
	req := protocol.ClaimRequest{
		Token:     t.coordinator.ref.Token,
		Hostname:  t.hostname,
		Ports:     claims,
		Timestamp: time.Now().Unix(),
	}
	if err := conn.WriteJSON(req); err != nil {
		return err
	}
	recordClaimSent(t.coordinator.ref.URI)

	frame, err := t.readReply(conn, t.cfg.GetClaimTimeout())
	if err != nil {
		return err
	}
	var reply protocol.ClaimReply
	if err := frame.Decode(&reply); err != nil {
		return err
	}
	if reply.Status != protocol.StatusOK {
		return fmt.Errorf("claims rejected: %s", reply.Msg)
	}

	var approved []protocol.PortClaim
	for _, result := range reply.Results {
		k := portKey{Port: result.Port, Proto: result.Protocol}
		t.sent[k] = result
		_ = t.assignments.Put(store.AssignmentState{
			Port:         result.Port,
			Protocol:     result.Protocol,
			Assigned:     !result.ConflictResolved,
			IncomingPort: result.IncomingPort,
		})
		approved = append(approved, protocol.PortClaim{
			Port:             result.Port,
			Protocol:         result.Protocol,
			IncomingPort:     result.IncomingPort,
			ConflictResolved: result.ConflictResolved,
		})
		logging.Logf("[tracker] %d/%s -> %s (incoming %d)", result.Port, result.Protocol, result.Status, result.IncomingPort)
	}

	t.relayToForwarders(ctx, approved)
	return nil
}

// relayToForwarders pushes the coordinator-approved set to every
// forwarder as a pre-approved batch. Failures are logged, not fatal:
// the next cycle retries.
func (t *Tracker) relayToForwarders(ctx context.Context, approved []protocol.PortClaim) {
	if len(approved) == 0 {
		return
	}
	for _, link := range t.forwarders {
		conn, err := t.dialAndAuth(ctx, link.ref)
		if err != nil {
			logging.Logf("[tracker] forwarder %s unreachable: %v", link.ref.URI, err)
			continue
		}
		req := protocol.ClaimRequest{
			Token:       link.ref.Token,
			Hostname:    t.hostname,
			Ports:       approved,
			PreApproved: true,
			Timestamp:   time.Now().Unix(),
		}
		err = conn.WriteJSON(req)
		if err == nil {
			_, err = t.readReply(conn, t.cfg.GetClaimTimeout())
		}
		conn.Close()
		if err != nil {
			logging.Logf("[tracker] relay to %s failed: %v", link.ref.URI, err)
			continue
		}
		recordClaimSent(link.ref.URI)
	}
	t.state = StateActive
}

// sendPing keeps the session live when there is nothing new to claim.
func (t *Tracker) sendPing(conn *websocket.Conn) error {
	req := map[string]interface{}{"token": t.coordinator.ref.Token, "ping": true}
	if err := conn.WriteJSON(req); err != nil {
		return err
	}
	_, err := t.readReply(conn, t.cfg.GetCapabilityTimeout())
	return err
}

// withdrawInactive reports ports unseen beyond the inactivity timeout
// and purges them from local tracking.
func (t *Tracker) withdrawInactive(conn *websocket.Conn, now time.Time) error {
	cutoff := now.Add(-t.cfg.GetInactiveTimeout())

	var refs []protocol.PortRef
	for k := range t.sent {
		if seen, ok := t.lastSeen[k]; !ok || seen.Before(cutoff) {
			refs = append(refs, protocol.PortRef{Port: k.Port, Protocol: k.Proto})
		}
	}
	if len(refs) == 0 {
		return nil
	}

	req := protocol.RemoveRequest{
		Token:    t.coordinator.ref.Token,
		Hostname: t.hostname,
		Ports:    refs,
	}
	if err := conn.WriteJSON(req); err != nil {
		return err
	}
	if _, err := t.readReply(conn, t.cfg.GetClaimTimeout()); err != nil {
		return err
	}

	for _, ref := range refs {
		k := portKey{Port: ref.Port, Proto: ref.Protocol}
		delete(t.sent, k)
		delete(t.lastSeen, k)
		_ = t.assignments.Remove(ref.Port, ref.Protocol)
		recordRemoval()
		logging.Logf("[tracker] withdrew inactive port %d/%s", ref.Port, ref.Protocol)
	}
	return nil
}

// readReply reads frames until a status reply arrives, handling any
// pushes encountered on the way. All reads happen on the calling
// goroutine; the deadline bounds the whole wait.
func (t *Tracker) readReply(conn *websocket.Conn, timeout time.Duration) (protocol.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return nil, fmt.Errorf("timed out waiting for reply")
			}
			return nil, err
		}
		frame, err := protocol.ParseFrame(data)
		if err != nil {
			continue
		}
		if frame.IsPush() {
			t.handlePush(frame)
			continue
		}
		if frame.Has("status") {
			return frame, nil
		}
	}
}

// handlePush mirrors coordinator decisions into the local cache.
// Types outside the client_ prefix never reach here.
func (t *Tracker) handlePush(frame protocol.Frame) {
	pushType := frame.Type()
	recordPush(pushType)

	switch pushType {
	case protocol.TypePortAssignments:
		var push protocol.AssignmentsPush
		if err := frame.Decode(&push); err != nil {
			return
		}
		for _, a := range push.Assignments {
			_ = t.assignments.Put(store.AssignmentState{
				Port:         a.Port,
				Protocol:     a.Protocol,
				Assigned:     a.Assigned,
				IncomingPort: a.IncomingPort,
			})
		}
		// the conflict list carries the owner identity for lost ports
		for _, c := range push.Conflicts {
			_ = t.assignments.Put(store.AssignmentState{
				Port:         c.Port,
				Protocol:     c.Protocol,
				Assigned:     false,
				IncomingPort: c.IncomingPort,
				AssignedTo:   c.AssignedTo,
			})
		}
	case protocol.TypeAssignmentUpdate:
		var push protocol.AssignmentUpdatePush
		if err := frame.Decode(&push); err != nil {
			return
		}
		_ = t.assignments.Put(store.AssignmentState{
			Port:         push.Port,
			Protocol:     push.Protocol,
			Assigned:     push.Assigned,
			IncomingPort: push.IncomingPort,
		})
	case protocol.TypeConflictResolution:
		var push protocol.ConflictPush
		if err := frame.Decode(&push); err != nil {
			return
		}
		logging.Logf("[tracker] port %d/%s assigned to %s, using %d instead", push.Port, push.Protocol, push.AssignedTo, push.IncomingPort)
		_ = t.assignments.Put(store.AssignmentState{
			Port:         push.Port,
			Protocol:     push.Protocol,
			Assigned:     false,
			IncomingPort: push.IncomingPort,
			AssignedTo:   push.AssignedTo,
		})
	case protocol.TypeConflictResolutions:
		var push protocol.ConflictBroadcast
		if err := frame.Decode(&push); err != nil {
			return
		}
		logging.Logf("[tracker] %d fleet conflict resolution(s) announced", len(push.Conflicts))
	}
}

// State returns the current connection state, for tests and health
// reporting.
func (t *Tracker) State() State { return t.state }

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
