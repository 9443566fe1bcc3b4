package resolver

import (
	"errors"
	"fmt"
	"sync"

	"github.com/streamgate/pkg/logging"
	"github.com/streamgate/pkg/protocol"
	"github.com/streamgate/pkg/store"
)

// Alternative ports for conflicting claims come from this range
const (
	altFloor   = 35000
	altCeiling = 36000
)

// ErrPreApproved is returned when a forwarder-directed batch reaches
// the coordinator.
var ErrPreApproved = errors.New("pre-approved claims are not accepted here")

// Syncer regenerates proxy config after stream table changes.
type Syncer interface {
	SyncAndReload() error
}

// Stats receives resolution outcomes. Implementations must be
// goroutine safe.
type Stats interface {
	ClaimProcessed(status string)
	ConflictResolved()
	ReloadTriggered()
}

type nopStats struct{}

func (nopStats) ClaimProcessed(string) {}
func (nopStats) ConflictResolved()     {}
func (nopStats) ReloadTriggered()      {}

// Engine decides claim outcomes on the coordinator. Claims for a free
// public port are granted directly; claims for a port already routed to
// another client get an alternative public port. Decisions persist in
// the stream table and the resolutions file, so a claim resolves the
// same way across reconnects and restarts.
type Engine struct {
	mu          sync.Mutex
	store       *store.StreamStore
	resolutions *store.ResolutionStore
	syncer      Syncer
	stats       Stats

	// extra public ports to avoid when allocating alternatives,
	// typically the registry's live substitute assignments
	extraUsed func() map[int]bool
}

// New builds an engine. stats and extraUsed may be nil.
func New(st *store.StreamStore, res *store.ResolutionStore, syncer Syncer, stats Stats, extraUsed func() map[int]bool) *Engine {
	if stats == nil {
		stats = nopStats{}
	}
	return &Engine{store: st, resolutions: res, syncer: syncer, stats: stats, extraUsed: extraUsed}
}

// Resolve processes one claim batch. The whole batch runs under the
// engine lock; the stream table is written once and the proxy reloaded
// at most once, only when rows actually changed. The returned slice
// holds resolutions new in this batch, for broadcasting.
func (e *Engine) Resolve(clientIP, hostname string, claims []protocol.PortClaim, preApproved bool) (*protocol.ClaimReply, []protocol.ConflictResolution, error) {
	if preApproved {
		return nil, nil, ErrPreApproved
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	used, err := e.store.UsedIncomingPorts()
	if err != nil {
		return nil, nil, fmt.Errorf("load used ports: %v", err)
	}
	if e.extraUsed != nil {
		for p := range e.extraUsed() {
			used[p] = true
		}
	}

	reply := &protocol.ClaimReply{Status: protocol.StatusOK}
	summary := &protocol.ClaimSummary{Total: len(claims)}
	var entries []store.Entry
	var fresh []protocol.ConflictResolution

	for _, claim := range claims {
		result, entry, res, err := e.resolveOne(claim, clientIP, hostname, used)
		if err != nil {
			return nil, nil, err
		}
		reply.Results = append(reply.Results, result)
		if entry != nil {
			entries = append(entries, *entry)
			used[entry.IncomingPort] = true
		}
		if res != nil {
			fresh = append(fresh, *res)
			reply.ConflictResolutions = append(reply.ConflictResolutions, *res)
		}

		e.stats.ClaimProcessed(result.Status)
		switch result.Status {
		case protocol.ResultExisting, protocol.ResultExistingResolution:
			summary.Existing++
		case protocol.ResultCreated:
			summary.Created++
		}
		if result.ConflictResolved {
			summary.ConflictsResolved++
		}
	}

	written := 0
	if len(entries) > 0 {
		written, err = e.store.UpsertEntries(entries)
		if err != nil {
			return nil, nil, fmt.Errorf("write streams: %v", err)
		}
	}
	if written > 0 {
		if err := e.syncer.SyncAndReload(); err != nil {
			return nil, nil, err
		}
		e.stats.ReloadTriggered()
	}

	reply.Summary = summary
	reply.Msg = fmt.Sprintf("%d port(s) processed, %d created, %d conflict(s) resolved",
		summary.Total, summary.Created, summary.ConflictsResolved)
	return reply, fresh, nil
}

// resolveOne classifies a single claim. Four outcomes: the stream
// already exists for this client, a resolution already covers it, the
// port is free, or the port belongs to someone else.
func (e *Engine) resolveOne(claim protocol.PortClaim, clientIP, hostname string, used map[int]bool) (protocol.PortResult, *store.Entry, *protocol.ConflictResolution, error) {
	result := protocol.PortResult{Port: claim.Port, Protocol: claim.Protocol}

	// already routed to this client, directly or via an alternative
	row, err := e.store.FindForClient(claim.Port, claim.Protocol, clientIP)
	if err != nil {
		return result, nil, nil, err
	}
	if row != nil {
		result.IncomingPort = row.IncomingPort
		if row.IncomingPort == claim.Port {
			result.Status = protocol.ResultExisting
		} else {
			result.Status = protocol.ResultExistingResolution
			result.ConflictResolved = true
		}
		return result, nil, nil, nil
	}

	// a persisted resolution survives even when the row was removed
	if rec, ok := e.resolutions.Get(claim.Port, claim.Protocol, clientIP); ok {
		result.Status = protocol.ResultExistingResolution
		result.ConflictResolved = true
		result.IncomingPort = rec.AlternativePort
		entry := &store.Entry{
			IncomingPort:   rec.AlternativePort,
			Protocol:       claim.Protocol,
			ForwardingHost: clientIP,
			ForwardingPort: claim.Port,
		}
		return result, entry, nil, nil
	}

	taken, err := e.store.ActiveByIncomingPort(claim.Port)
	if err != nil {
		return result, nil, nil, err
	}
	if taken == nil && !used[claim.Port] {
		// port is free, claim it directly
		result.Status = protocol.ResultCreated
		result.IncomingPort = claim.Port
		entry := &store.Entry{
			IncomingPort:   claim.Port,
			Protocol:       claim.Protocol,
			ForwardingHost: clientIP,
			ForwardingPort: claim.Port,
		}
		return result, entry, nil, nil
	}

	// conflict: pick an alternative public port
	alt := allocateAlternative(used)
	result.Status = protocol.ResultNewResolution
	result.ConflictResolved = true
	result.IncomingPort = alt

	rec := store.ResolutionRecord{
		OriginalPort:    claim.Port,
		Protocol:        claim.Protocol,
		AlternativePort: alt,
		ClientIP:        clientIP,
		ClientHostname:  hostname,
	}
	if err := e.resolutions.Put(rec); err != nil {
		logging.Logf("[resolver] persist resolution failed: %v", err)
	}
	e.stats.ConflictResolved()
	logging.Logf("[resolver] conflict on %d/%s for %s, assigned %d", claim.Port, claim.Protocol, clientIP, alt)

	entry := &store.Entry{
		IncomingPort:   alt,
		Protocol:       claim.Protocol,
		ForwardingHost: clientIP,
		ForwardingPort: claim.Port,
	}
	res := &protocol.ConflictResolution{
		OriginalPort:    claim.Port,
		Protocol:        claim.Protocol,
		AlternativePort: alt,
		ClientIP:        clientIP,
		ClientHostname:  hostname,
	}
	return result, entry, res, nil
}

// Remove withdraws claims by public port, clearing the protocol flag
// and any persisted resolution for the requesting client. The proxy is
// not reloaded here; the next claim cycle regenerates config.
func (e *Engine) Remove(clientIP string, refs []protocol.PortRef) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var removed []string
	for _, ref := range refs {
		proto := ref.Protocol
		if proto == "" {
			proto = store.ProtoTCP
		}
		// match on the forwarding target so only this client's rows
		// go, including ones under a resolved alternative port
		ok, err := e.store.RemoveForClient(ref.Port, proto, clientIP)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, fmt.Sprintf("%d/%s", ref.Port, proto))
		}
		if _, found := e.resolutions.Get(ref.Port, proto, clientIP); found {
			_ = e.resolutions.Remove(ref.Port, proto, clientIP)
		}
	}
	return removed, nil
}

// Resolutions exposes the persisted resolution records.
func (e *Engine) Resolutions() []store.ResolutionRecord {
	return e.resolutions.All()
}

// allocateAlternative returns the lowest free port in the alternative
// range, continuing past the ceiling when the range is exhausted.
func allocateAlternative(used map[int]bool) int {
	for p := altFloor; p < altCeiling; p++ {
		if !used[p] {
			return p
		}
	}
	p := altCeiling
	for used[p] {
		p++
	}
	return p
}
