package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgate/pkg/protocol"
)

type fakeSender struct {
	msgs []interface{}
}

func (f *fakeSender) Send(v interface{}) error {
	f.msgs = append(f.msgs, v)
	return nil
}

func (f *fakeSender) pushesOfType(pushType string) []interface{} {
	var out []interface{}
	for _, m := range f.msgs {
		switch v := m.(type) {
		case protocol.AssignmentsPush:
			if v.Type == pushType {
				out = append(out, v)
			}
		case protocol.AssignmentUpdatePush:
			if v.Type == pushType {
				out = append(out, v)
			}
		case protocol.ConflictPush:
			if v.Type == pushType {
				out = append(out, v)
			}
		case protocol.ConflictBroadcast:
			if v.Type == pushType {
				out = append(out, v)
			}
		}
	}
	return out
}

func pp(port int, proto string) PortProto { return PortProto{Port: port, Proto: proto} }

func TestFirstClaimantOwnsPort(t *testing.T) {
	r := New(300*time.Second, nil)
	a, b := &fakeSender{}, &fakeSender{}

	r.UpsertClaims("10.0.0.2", "node-a", a, []PortProto{pp(9000, "udp")})
	r.UpsertClaims("10.0.0.3", "node-b", b, []PortProto{pp(9000, "udp")})

	assert.Equal(t, map[PortProto]int{pp(9000, "udp"): 9000}, r.Assignments("10.0.0.2", "node-a"))

	got := r.Assignments("10.0.0.3", "node-b")
	require.Len(t, got, 1)
	sub := got[pp(9000, "udp")]
	assert.GreaterOrEqual(t, sub, 20000)
	assert.Less(t, sub, 60000)
	assert.NotEqual(t, 9000, sub)

	// the loser is told who owns the port
	conflicts := b.pushesOfType(protocol.TypeConflictResolution)
	require.Len(t, conflicts, 1)
	push := conflicts[0].(protocol.ConflictPush)
	assert.Equal(t, ClientKey("10.0.0.2", "node-a"), push.AssignedTo)
	assert.Equal(t, sub, push.IncomingPort)
}

func TestFullPushNamesConflictOwners(t *testing.T) {
	r := New(300*time.Second, nil)
	a, b := &fakeSender{}, &fakeSender{}

	r.UpsertClaims("10.0.0.2", "node-a", a, []PortProto{pp(9000, "udp")})
	r.UpsertClaims("10.0.0.3", "node-b", b, []PortProto{pp(9000, "udp")})

	// the loser's full state push carries the owner identity too, so a
	// missed one-off delta never loses it
	full := b.pushesOfType(protocol.TypePortAssignments)
	require.NotEmpty(t, full)
	last := full[len(full)-1].(protocol.AssignmentsPush)
	require.Len(t, last.Conflicts, 1)
	assert.Equal(t, 9000, last.Conflicts[0].Port)
	assert.Equal(t, ClientKey("10.0.0.2", "node-a"), last.Conflicts[0].AssignedTo)
	assert.Equal(t, r.Assignments("10.0.0.3", "node-b")[pp(9000, "udp")], last.Conflicts[0].IncomingPort)

	// the winner has no conflicts to report
	wins := a.pushesOfType(protocol.TypePortAssignments)
	require.NotEmpty(t, wins)
	assert.Empty(t, wins[len(wins)-1].(protocol.AssignmentsPush).Conflicts)
}

func TestReconciliationIsDeterministic(t *testing.T) {
	build := func() map[PortProto]int {
		r := New(300*time.Second, nil)
		r.UpsertClaims("10.0.0.2", "node-a", &fakeSender{}, []PortProto{pp(9000, "udp"), pp(8080, "tcp")})
		r.UpsertClaims("10.0.0.3", "node-b", &fakeSender{}, []PortProto{pp(9000, "udp"), pp(8080, "tcp")})
		return r.Assignments("10.0.0.3", "node-b")
	}

	first := build()
	for i := 0; i < 3; i++ {
		assert.Equal(t, first, build())
	}
}

func TestSubstituteIsStableAcrossReclaims(t *testing.T) {
	r := New(300*time.Second, nil)
	a, b := &fakeSender{}, &fakeSender{}

	r.UpsertClaims("10.0.0.2", "node-a", a, []PortProto{pp(9000, "udp")})
	r.UpsertClaims("10.0.0.3", "node-b", b, []PortProto{pp(9000, "udp")})
	sub := r.Assignments("10.0.0.3", "node-b")[pp(9000, "udp")]

	// re-upserting the same claims must not move the substitute
	r.UpsertClaims("10.0.0.3", "node-b", b, []PortProto{pp(9000, "udp")})
	assert.Equal(t, sub, r.Assignments("10.0.0.3", "node-b")[pp(9000, "udp")])
}

func TestSubstitutesNeverCollide(t *testing.T) {
	r := New(300*time.Second, nil)
	r.UpsertClaims("10.0.0.2", "node-a", &fakeSender{}, []PortProto{pp(9000, "udp")})

	seen := make(map[int]bool)
	for i := 0; i < 10; i++ {
		ip := "10.0.1." + string(rune('0'+i))
		r.UpsertClaims(ip, "node", &fakeSender{}, []PortProto{pp(9000, "udp")})
		sub := r.Assignments(ip, "node")[pp(9000, "udp")]
		assert.False(t, seen[sub], "substitute %d allocated twice", sub)
		seen[sub] = true
	}
}

func TestSubstituteAvoidsPersistedPorts(t *testing.T) {
	r := New(300*time.Second, func() map[int]bool {
		return map[int]bool{20000: true, 20001: true}
	})
	r.UpsertClaims("10.0.0.2", "node-a", &fakeSender{}, []PortProto{pp(9000, "udp")})
	r.UpsertClaims("10.0.0.3", "node-b", &fakeSender{}, []PortProto{pp(9000, "udp")})

	assert.Equal(t, 20002, r.Assignments("10.0.0.3", "node-b")[pp(9000, "udp")])
}

func TestRemovalPromotesNextClaimant(t *testing.T) {
	r := New(300*time.Second, nil)
	a, b := &fakeSender{}, &fakeSender{}

	r.UpsertClaims("10.0.0.2", "node-a", a, []PortProto{pp(9000, "udp")})
	r.UpsertClaims("10.0.0.3", "node-b", b, []PortProto{pp(9000, "udp")})

	r.Remove("10.0.0.2", "node-a")

	assert.Equal(t, 9000, r.Assignments("10.0.0.3", "node-b")[pp(9000, "udp")])
	updates := b.pushesOfType(protocol.TypeAssignmentUpdate)
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1].(protocol.AssignmentUpdatePush)
	assert.True(t, last.Assigned)
	assert.Equal(t, 9000, last.IncomingPort)
}

func TestRemoveByConn(t *testing.T) {
	r := New(300*time.Second, nil)
	a, b := &fakeSender{}, &fakeSender{}

	r.UpsertClaims("10.0.0.2", "node-a", a, []PortProto{pp(9000, "udp")})
	r.UpsertClaims("10.0.0.3", "node-b", b, []PortProto{pp(9000, "udp")})
	require.Equal(t, 2, r.ClientCount())

	r.RemoveByConn(a)
	assert.Equal(t, 1, r.ClientCount())
	assert.Equal(t, 9000, r.Assignments("10.0.0.3", "node-b")[pp(9000, "udp")])
}

func TestCleanupPurgesSilentClients(t *testing.T) {
	r := New(300*time.Second, nil)
	a, b := &fakeSender{}, &fakeSender{}

	r.UpsertClaims("10.0.0.2", "node-a", a, []PortProto{pp(9000, "udp")})
	r.UpsertClaims("10.0.0.3", "node-b", b, []PortProto{pp(9000, "udp")})

	// only node-b stays in touch
	r.now = func() time.Time { return time.Now().Add(301 * time.Second) }
	r.Touch("10.0.0.3", "node-b")

	assert.Equal(t, 1, r.Cleanup())
	assert.Equal(t, 1, r.ClientCount())
	assert.Equal(t, 9000, r.Assignments("10.0.0.3", "node-b")[pp(9000, "udp")])
}

func TestBroadcastSkipsOrigin(t *testing.T) {
	r := New(300*time.Second, nil)
	a, b := &fakeSender{}, &fakeSender{}

	r.UpsertClaims("10.0.0.2", "node-a", a, []PortProto{pp(8080, "tcp")})
	r.UpsertClaims("10.0.0.3", "node-b", b, []PortProto{pp(9090, "tcp")})
	a.msgs, b.msgs = nil, nil

	msg := protocol.ConflictBroadcast{Type: protocol.TypeConflictResolutions}
	r.Broadcast(msg, ClientKey("10.0.0.2", "node-a"))

	assert.Empty(t, a.msgs)
	require.Len(t, b.msgs, 1)
}
