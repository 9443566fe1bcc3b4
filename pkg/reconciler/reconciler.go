package reconciler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streamgate/pkg/logging"
	"github.com/streamgate/pkg/protocol"
	"github.com/streamgate/pkg/store"
)

// ErrNotApproved is returned when a claim batch reaches the forwarder
// without coordinator approval.
var ErrNotApproved = errors.New("only pre-approved claims are accepted here")

// Syncer regenerates proxy config after stream table changes.
type Syncer interface {
	SyncAndReload() error
}

// Stats receives reconciliation outcomes.
type Stats interface {
	ClaimProcessed(status string)
	ReloadTriggered()
}

type nopStats struct{}

func (nopStats) ClaimProcessed(string) {}
func (nopStats) ReloadTriggered()      {}

// Engine applies approved claim batches on the forwarder. It trusts
// the coordinator's decisions: incoming ports arrive already resolved,
// so the engine only diffs the batch against the stream table and
// reloads the proxy when rows actually changed.
type Engine struct {
	mu     sync.Mutex
	store  *store.StreamStore
	syncer Syncer
	stats  Stats

	// overlay address used as forwarding host; falls back to the
	// session's source address when unset
	peerAddr func() string

	pendingTimeout time.Duration
	pending        []PendingRequest
	now            func() time.Time
}

// PendingRequest is a stream-creation request that arrived before it
// could be applied. Duplicate-checked by (port, protocol); expires
// after the pending timeout.
type PendingRequest struct {
	IncomingPort   int       `json:"incoming_port"`
	Protocol       string    `json:"protocol"`
	ForwardingHost string    `json:"forwarding_host"`
	ForwardingPort int       `json:"forwarding_port"`
	AllowList      string    `json:"allow_list,omitempty"`
	RequestedAt    time.Time `json:"requested_at"`
}

// New builds an engine. stats may be nil; peerAddr may return "".
func New(st *store.StreamStore, syncer Syncer, stats Stats, peerAddr func() string, pendingTimeout time.Duration) *Engine {
	if stats == nil {
		stats = nopStats{}
	}
	if peerAddr == nil {
		peerAddr = func() string { return "" }
	}
	return &Engine{
		store:          st,
		syncer:         syncer,
		stats:          stats,
		peerAddr:       peerAddr,
		pendingTimeout: pendingTimeout,
		now:            time.Now,
	}
}

// Apply reconciles one approved batch. Idempotent: a batch matching
// the table exactly writes nothing and triggers no reload.
func (e *Engine) Apply(clientIP string, claims []protocol.PortClaim, preApproved bool) (*protocol.ClaimReply, error) {
	if !preApproved {
		return nil, ErrNotApproved
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	host := e.peerAddr()
	if host == "" {
		host = clientIP
	}

	reply := &protocol.ClaimReply{Status: protocol.StatusOK}
	summary := &protocol.ClaimSummary{Total: len(claims)}
	var entries []store.Entry

	for _, claim := range claims {
		incoming := claim.IncomingPort
		if incoming == 0 {
			incoming = claim.Port
		}
		// A conflict-resolved peer is only reachable on its substitute
		// port, so the stream forwards to that port too.
		fwdPort := claim.Port
		if claim.ConflictResolved && incoming != claim.Port {
			fwdPort = incoming
		}
		entry := store.Entry{
			IncomingPort:   incoming,
			Protocol:       claim.Protocol,
			ForwardingHost: host,
			ForwardingPort: fwdPort,
		}

		satisfied, err := e.entrySatisfied(entry)
		if err != nil {
			return nil, fmt.Errorf("check stream %d: %v", incoming, err)
		}

		result := protocol.PortResult{
			Port:             claim.Port,
			Protocol:         claim.Protocol,
			IncomingPort:     incoming,
			ConflictResolved: claim.ConflictResolved,
		}
		if satisfied {
			result.Status = protocol.ResultExisting
			summary.Existing++
		} else {
			result.Status = protocol.ResultCreated
			summary.Created++
			entries = append(entries, entry)
		}
		reply.Results = append(reply.Results, result)
		e.stats.ClaimProcessed(result.Status)

		e.dropPendingLocked(incoming, claim.Protocol)
	}

	if len(entries) > 0 {
		written, err := e.store.UpsertEntries(entries)
		if err != nil {
			return nil, fmt.Errorf("write streams: %v", err)
		}
		if written > 0 {
			if err := e.syncer.SyncAndReload(); err != nil {
				return nil, err
			}
			e.stats.ReloadTriggered()
		}
	}

	reply.Summary = summary
	if summary.Created == 0 {
		reply.Msg = "no changes"
	} else {
		reply.Msg = fmt.Sprintf("%d stream(s) reconciled, %d created", summary.Total, summary.Created)
	}
	return reply, nil
}

// entrySatisfied reports whether the table already holds an active row
// matching the entry exactly.
func (e *Engine) entrySatisfied(entry store.Entry) (bool, error) {
	row, err := e.store.ActiveByIncomingPort(entry.IncomingPort)
	if err != nil || row == nil {
		return false, err
	}
	return row.ForwardingHost == entry.ForwardingHost &&
		row.ForwardingPort == entry.ForwardingPort &&
		row.HasProtocol(entry.Protocol) &&
		row.Enabled, nil
}

// ApplyStream applies one out-of-band stream creation immediately.
// On failure the request is queued and retried by RetryPending.
func (e *Engine) ApplyStream(spec protocol.StreamSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyStreamLocked(spec)
}

// applyStreamLocked writes the row and syncs unconditionally: the row
// may already exist from an attempt whose reload failed, and the retry
// must still converge the proxy config.
func (e *Engine) applyStreamLocked(spec protocol.StreamSpec) error {
	entry := store.Entry{
		IncomingPort:   spec.IncomingPort,
		Protocol:       spec.Protocol,
		ForwardingHost: spec.ForwardingHost,
		ForwardingPort: spec.ForwardingPort,
		Meta:           store.EncodeAccessListMeta(spec.AllowedIPs),
	}
	if _, err := e.store.UpsertEntries([]store.Entry{entry}); err != nil {
		e.queuePendingLocked(spec)
		return err
	}
	if err := e.syncer.SyncAndReload(); err != nil {
		e.queuePendingLocked(spec)
		return err
	}
	e.stats.ReloadTriggered()
	return nil
}

// DeleteStream withdraws one protocol from a stream and reloads when a
// row actually changed.
func (e *Engine) DeleteStream(port int, proto string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed, err := e.store.RemoveProtocol(port, proto)
	if err != nil || !removed {
		return removed, err
	}
	if err := e.syncer.SyncAndReload(); err != nil {
		return true, err
	}
	e.stats.ReloadTriggered()
	return true, nil
}

// RetryPending re-applies queued requests that have not expired.
// Called from the server janitor loop.
func (e *Engine) RetryPending() {
	e.mu.Lock()
	defer e.mu.Unlock()

	queue := e.pending
	e.pending = nil
	cutoff := e.now().Add(-e.pendingTimeout)
	for _, req := range queue {
		if !req.RequestedAt.After(cutoff) {
			logging.Logf("[reconciler] pending request %d/%s expired", req.IncomingPort, req.Protocol)
			continue
		}
		spec := protocol.StreamSpec{
			IncomingPort:   req.IncomingPort,
			Protocol:       req.Protocol,
			ForwardingHost: req.ForwardingHost,
			ForwardingPort: req.ForwardingPort,
			AllowedIPs:     req.AllowList,
		}
		if err := e.applyStreamLocked(spec); err != nil {
			logging.Logf("[reconciler] pending request %d/%s still failing: %v", req.IncomingPort, req.Protocol, err)
		}
	}
}

// queuePendingLocked records a failed request, refreshing duplicates
// instead of stacking them.
func (e *Engine) queuePendingLocked(spec protocol.StreamSpec) {
	for i := range e.pending {
		if e.pending[i].IncomingPort == spec.IncomingPort && e.pending[i].Protocol == spec.Protocol {
			e.pending[i].RequestedAt = e.now()
			return
		}
	}
	e.pending = append(e.pending, PendingRequest{
		IncomingPort:   spec.IncomingPort,
		Protocol:       spec.Protocol,
		ForwardingHost: spec.ForwardingHost,
		ForwardingPort: spec.ForwardingPort,
		AllowList:      spec.AllowedIPs,
		RequestedAt:    e.now(),
	})
	logging.Logf("[reconciler] queued pending request %d/%s", spec.IncomingPort, spec.Protocol)
}

// PendingRequests expires stale entries and returns the live queue.
func (e *Engine) PendingRequests() []PendingRequest {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-e.pendingTimeout)
	live := e.pending[:0]
	for _, req := range e.pending {
		if req.RequestedAt.After(cutoff) {
			live = append(live, req)
		}
	}
	e.pending = live

	out := make([]PendingRequest, len(e.pending))
	copy(out, e.pending)
	return out
}

func (e *Engine) dropPendingLocked(port int, proto string) {
	live := e.pending[:0]
	for _, req := range e.pending {
		if req.IncomingPort != port || req.Protocol != proto {
			live = append(live, req)
		}
	}
	e.pending = live
}
