package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/streamgate/pkg/logging"
	"github.com/streamgate/pkg/protocol"
)

// Substitute ports for losing claimants come from this range
const (
	substituteFloor   = 20000
	substituteCeiling = 60000
)

// PortProto identifies a claimed port.
type PortProto struct {
	Port  int
	Proto string
}

func (p PortProto) String() string { return fmt.Sprintf("%d/%s", p.Port, p.Proto) }

// Sender delivers a push message to one connected client.
type Sender interface {
	Send(v interface{}) error
}

// client is the tracked state of one connected claimant.
type client struct {
	key      string
	ip       string
	hostname string
	conn     Sender
	lastSeen time.Time

	ports       map[PortProto]bool
	substitutes map[PortProto]int // stable across reconnects while registered
}

// assignment is the computed outcome for one claimed pair.
type assignment struct {
	owner        bool
	incomingPort int
	assignedTo   string
}

// Registry tracks connected clients and their claimed ports, and
// reconciles conflicting claims: the first claimant keeps the port,
// later claimants are assigned substitutes. Every mutation recomputes
// assignments and pushes changes to affected clients under one lock.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*client
	// claim order per pair, first entry owns the port
	claimSeq map[PortProto][]string
	// last computed outcome per client/pair, for delta pushes
	prev map[string]map[PortProto]assignment

	disconnectTimeout time.Duration
	// extra public ports to avoid when picking substitutes
	usedPorts func() map[int]bool
	now       func() time.Time
}

// New builds a registry. usedPorts may be nil.
func New(disconnectTimeout time.Duration, usedPorts func() map[int]bool) *Registry {
	return &Registry{
		clients:           make(map[string]*client),
		claimSeq:          make(map[PortProto][]string),
		prev:              make(map[string]map[PortProto]assignment),
		disconnectTimeout: disconnectTimeout,
		usedPorts:         usedPorts,
		now:               time.Now,
	}
}

// ClientKey builds the registry identity for a claimant.
func ClientKey(ip, hostname string) string {
	return ip + "|" + hostname
}

// UpsertClaims registers (or refreshes) a client and its claimed
// ports, then reconciles and pushes the outcome to everyone affected.
func (r *Registry) UpsertClaims(ip, hostname string, conn Sender, ports []PortProto) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := ClientKey(ip, hostname)
	c, ok := r.clients[key]
	if !ok {
		c = &client{
			key:         key,
			ip:          ip,
			hostname:    hostname,
			ports:       make(map[PortProto]bool),
			substitutes: make(map[PortProto]int),
		}
		r.clients[key] = c
		logging.Logf("[registry] client %s registered", key)
	}
	c.conn = conn
	c.lastSeen = r.now()

	for _, pp := range ports {
		if !c.ports[pp] {
			c.ports[pp] = true
			r.claimSeq[pp] = append(r.claimSeq[pp], key)
		}
	}

	r.reconcileLocked()
}

// Touch refreshes the liveness timestamp of a client.
func (r *Registry) Touch(ip, hostname string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[ClientKey(ip, hostname)]; ok {
		c.lastSeen = r.now()
	}
}

// DropClaims withdraws specific pairs from a client.
func (r *Registry) DropClaims(ip, hostname string, ports []PortProto) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := ClientKey(ip, hostname)
	c, ok := r.clients[key]
	if !ok {
		return
	}
	for _, pp := range ports {
		if c.ports[pp] {
			delete(c.ports, pp)
			delete(c.substitutes, pp)
			r.claimSeq[pp] = removeKey(r.claimSeq[pp], key)
		}
	}
	r.reconcileLocked()
}

// Remove unregisters a client entirely.
func (r *Registry) Remove(ip, hostname string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(ClientKey(ip, hostname))
	r.reconcileLocked()
}

// RemoveByConn unregisters whichever client owns the given connection.
// Called when a session closes without an explicit withdrawal.
func (r *Registry) RemoveByConn(conn Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, c := range r.clients {
		if c.conn == conn {
			r.removeLocked(key)
			r.reconcileLocked()
			return
		}
	}
}

func (r *Registry) removeLocked(key string) {
	c, ok := r.clients[key]
	if !ok {
		return
	}
	for pp := range c.ports {
		r.claimSeq[pp] = removeKey(r.claimSeq[pp], key)
	}
	delete(r.clients, key)
	delete(r.prev, key)
	logging.Logf("[registry] client %s removed", key)
}

// Cleanup purges clients silent beyond the disconnect timeout.
// Returns how many were purged.
func (r *Registry) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.disconnectTimeout)
	var stale []string
	for key, c := range r.clients {
		if c.lastSeen.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		logging.Logf("[registry] client %s timed out", key)
		r.removeLocked(key)
	}
	if len(stale) > 0 {
		r.reconcileLocked()
	}
	return len(stale)
}

// ClientCount returns the number of registered clients.
func (r *Registry) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Broadcast sends a push to every registered client except the one
// identified by exceptKey ("" sends to all). Send errors are ignored;
// the janitor purges dead clients.
func (r *Registry) Broadcast(v interface{}, exceptKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, c := range r.clients {
		if key == exceptKey || c.conn == nil {
			continue
		}
		_ = c.conn.Send(v)
	}
}

// UsedSubstitutes returns every substitute port currently granted,
// so other allocators can avoid them.
func (r *Registry) UsedSubstitutes() map[int]bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[int]bool)
	for _, c := range r.clients {
		for _, sub := range c.substitutes {
			out[sub] = true
		}
	}
	return out
}

// Assignments returns the current outcome for one client, for tests
// and the metrics collector.
func (r *Registry) Assignments(ip, hostname string) map[PortProto]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[PortProto]int)
	for pp, a := range r.prev[ClientKey(ip, hostname)] {
		out[pp] = a.incomingPort
	}
	return out
}

// reconcileLocked recomputes every assignment and pushes deltas.
// Outcomes are deterministic: claim order decides ownership, and
// substitutes are picked ascending from the substitute range.
func (r *Registry) reconcileLocked() {
	used := make(map[int]bool)
	if r.usedPorts != nil {
		for p := range r.usedPorts() {
			used[p] = true
		}
	}
	// every directly claimed port is off-limits for substitutes
	for pp, seq := range r.claimSeq {
		if len(seq) > 0 {
			used[pp.Port] = true
		}
	}
	// keep previously granted substitutes stable and reserved
	for _, c := range r.clients {
		for _, sub := range c.substitutes {
			used[sub] = true
		}
	}

	next := make(map[string]map[PortProto]assignment, len(r.clients))
	for key := range r.clients {
		next[key] = make(map[PortProto]assignment)
	}

	// iterate pairs in sorted order so substitute allocation is stable
	pairs := make([]PortProto, 0, len(r.claimSeq))
	for pp, seq := range r.claimSeq {
		if len(seq) > 0 {
			pairs = append(pairs, pp)
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Port != pairs[j].Port {
			return pairs[i].Port < pairs[j].Port
		}
		return pairs[i].Proto < pairs[j].Proto
	})

	for _, pp := range pairs {
		seq := r.claimSeq[pp]
		ownerKey := seq[0]
		next[ownerKey][pp] = assignment{owner: true, incomingPort: pp.Port, assignedTo: ownerKey}

		for _, loser := range seq[1:] {
			c := r.clients[loser]
			sub, ok := c.substitutes[pp]
			if !ok {
				sub = allocateSubstitute(used)
				c.substitutes[pp] = sub
				used[sub] = true
				logging.Logf("[registry] conflict on %s: %s keeps it, %s gets %d", pp, ownerKey, loser, sub)
			}
			next[loser][pp] = assignment{incomingPort: sub, assignedTo: ownerKey}
		}
	}

	r.pushDeltasLocked(next)
	r.prev = next
}

// pushDeltasLocked compares the new outcome against the previous one
// and notifies affected clients.
func (r *Registry) pushDeltasLocked(next map[string]map[PortProto]assignment) {
	now := r.now().Unix()

	for key, c := range r.clients {
		if c.conn == nil {
			continue
		}
		old := r.prev[key]
		cur := next[key]

		changed := len(old) != len(cur)
		for pp, a := range cur {
			prev, had := old[pp]
			if !had || prev != a {
				changed = true
				if had && prev != a {
					_ = c.conn.Send(protocol.AssignmentUpdatePush{
						Type:         protocol.TypeAssignmentUpdate,
						Port:         pp.Port,
						Protocol:     pp.Proto,
						Assigned:     a.owner,
						IncomingPort: a.incomingPort,
						Timestamp:    now,
					})
				}
				if !a.owner && (!had || prev.owner) {
					_ = c.conn.Send(protocol.ConflictPush{
						Type:         protocol.TypeConflictResolution,
						Port:         pp.Port,
						Protocol:     pp.Proto,
						AssignedTo:   a.assignedTo,
						IncomingPort: a.incomingPort,
						Timestamp:    now,
					})
				}
			}
		}

		if changed {
			list := make([]protocol.Assignment, 0, len(cur))
			var conflicts []protocol.AssignmentConflict
			pps := make([]PortProto, 0, len(cur))
			for pp := range cur {
				pps = append(pps, pp)
			}
			sort.Slice(pps, func(i, j int) bool {
				if pps[i].Port != pps[j].Port {
					return pps[i].Port < pps[j].Port
				}
				return pps[i].Proto < pps[j].Proto
			})
			for _, pp := range pps {
				a := cur[pp]
				list = append(list, protocol.Assignment{
					Port:         pp.Port,
					Protocol:     pp.Proto,
					Assigned:     a.owner,
					IncomingPort: a.incomingPort,
				})
				if !a.owner {
					conflicts = append(conflicts, protocol.AssignmentConflict{
						Port:         pp.Port,
						Protocol:     pp.Proto,
						AssignedTo:   a.assignedTo,
						IncomingPort: a.incomingPort,
					})
				}
			}
			_ = c.conn.Send(protocol.AssignmentsPush{
				Type:        protocol.TypePortAssignments,
				Assignments: list,
				Conflicts:   conflicts,
				Timestamp:   now,
			})
		}
	}
}

// allocateSubstitute returns the lowest free port in the substitute
// range. Exhaustion continues past the ceiling rather than failing.
func allocateSubstitute(used map[int]bool) int {
	for p := substituteFloor; p < substituteCeiling; p++ {
		if !used[p] {
			return p
		}
	}
	p := substituteCeiling
	for used[p] {
		p++
	}
	return p
}

func removeKey(seq []string, key string) []string {
	out := seq[:0]
	for _, k := range seq {
		if k != key {
			out = append(out, k)
		}
	}
	return out
}
