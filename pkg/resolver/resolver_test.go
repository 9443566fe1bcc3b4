package resolver

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgate/pkg/protocol"
	"github.com/streamgate/pkg/store"
)

type countingSyncer struct {
	reloads int
}

func (s *countingSyncer) SyncAndReload() error {
	s.reloads++
	return nil
}

type testEnv struct {
	engine *Engine
	syncer *countingSyncer
	store  *store.StreamStore
	dir    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "streams.db"))
	require.NoError(t, err)
	syncer := &countingSyncer{}
	res := store.OpenResolutions(filepath.Join(dir, "resolutions.json"))
	return &testEnv{
		engine: New(st, res, syncer, nil, nil),
		syncer: syncer,
		store:  st,
		dir:    dir,
	}
}

func claims(pairs ...protocol.PortClaim) []protocol.PortClaim { return pairs }

func TestResolveRejectsPreApproved(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.engine.Resolve("10.0.0.2", "node-a", claims(protocol.PortClaim{Port: 8080, Protocol: "tcp"}), true)
	assert.ErrorIs(t, err, ErrPreApproved)
}

func TestResolveFreePortIsCreated(t *testing.T) {
	env := newTestEnv(t)

	reply, fresh, err := env.engine.Resolve("10.0.0.2", "node-a", claims(protocol.PortClaim{Port: 8080, Protocol: "tcp"}), false)
	require.NoError(t, err)
	require.Len(t, reply.Results, 1)
	assert.Equal(t, protocol.ResultCreated, reply.Results[0].Status)
	assert.Equal(t, 8080, reply.Results[0].IncomingPort)
	assert.False(t, reply.Results[0].ConflictResolved)
	assert.Empty(t, fresh)
	assert.Equal(t, 1, env.syncer.reloads)
}

func TestResolveConflictGetsAlternativeInRange(t *testing.T) {
	env := newTestEnv(t)

	// A claims 8080 first
	_, _, err := env.engine.Resolve("10.0.0.2", "node-a", claims(protocol.PortClaim{Port: 8080, Protocol: "tcp"}), false)
	require.NoError(t, err)

	// B claims the same port
	reply, fresh, err := env.engine.Resolve("10.0.0.3", "node-b", claims(protocol.PortClaim{Port: 8080, Protocol: "tcp"}), false)
	require.NoError(t, err)
	require.Len(t, reply.Results, 1)

	result := reply.Results[0]
	assert.Equal(t, protocol.ResultNewResolution, result.Status)
	assert.True(t, result.ConflictResolved)
	assert.GreaterOrEqual(t, result.IncomingPort, 35000)
	assert.Less(t, result.IncomingPort, 36000)

	require.Len(t, fresh, 1)
	assert.Equal(t, 8080, fresh[0].OriginalPort)
	assert.Equal(t, result.IncomingPort, fresh[0].AlternativePort)
	assert.Equal(t, "10.0.0.3", fresh[0].ClientIP)

	// B's stream forwards the alternative port back to B:8080
	row, err := env.store.ActiveByIncomingPort(result.IncomingPort)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "10.0.0.3", row.ForwardingHost)
	assert.Equal(t, 8080, row.ForwardingPort)

	// A's stream is untouched
	rowA, err := env.store.ActiveByIncomingPort(8080)
	require.NoError(t, err)
	require.NotNil(t, rowA)
	assert.Equal(t, "10.0.0.2", rowA.ForwardingHost)
}

func TestResolveIsIdempotentAcrossRepeats(t *testing.T) {
	env := newTestEnv(t)
	batch := claims(
		protocol.PortClaim{Port: 8080, Protocol: "tcp"},
		protocol.PortClaim{Port: 9000, Protocol: "udp"},
	)

	_, _, err := env.engine.Resolve("10.0.0.2", "node-a", batch, false)
	require.NoError(t, err)
	assert.Equal(t, 1, env.syncer.reloads)

	// same batch again: everything existing, no reload
	reply, fresh, err := env.engine.Resolve("10.0.0.2", "node-a", batch, false)
	require.NoError(t, err)
	assert.Equal(t, 1, env.syncer.reloads)
	assert.Empty(t, fresh)
	for _, result := range reply.Results {
		assert.Equal(t, protocol.ResultExisting, result.Status)
	}
	assert.Equal(t, 2, reply.Summary.Existing)
}

func TestResolutionIsStableAcrossReconnects(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.engine.Resolve("10.0.0.2", "node-a", claims(protocol.PortClaim{Port: 8080, Protocol: "tcp"}), false)
	require.NoError(t, err)
	first, _, err := env.engine.Resolve("10.0.0.3", "node-b", claims(protocol.PortClaim{Port: 8080, Protocol: "tcp"}), false)
	require.NoError(t, err)
	alt := first.Results[0].IncomingPort

	// B reconnects and resubmits
	again, fresh, err := env.engine.Resolve("10.0.0.3", "node-b", claims(protocol.PortClaim{Port: 8080, Protocol: "tcp"}), false)
	require.NoError(t, err)
	assert.Equal(t, protocol.ResultExistingResolution, again.Results[0].Status)
	assert.Equal(t, alt, again.Results[0].IncomingPort)
	assert.Empty(t, fresh)
}

func TestResolutionSurvivesRestart(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.engine.Resolve("10.0.0.2", "node-a", claims(protocol.PortClaim{Port: 8080, Protocol: "tcp"}), false)
	require.NoError(t, err)
	first, _, err := env.engine.Resolve("10.0.0.3", "node-b", claims(protocol.PortClaim{Port: 8080, Protocol: "tcp"}), false)
	require.NoError(t, err)
	alt := first.Results[0].IncomingPort

	// a new engine over the same persisted state
	res := store.OpenResolutions(filepath.Join(env.dir, "resolutions.json"))
	engine2 := New(env.store, res, env.syncer, nil, nil)

	again, _, err := engine2.Resolve("10.0.0.3", "node-b", claims(protocol.PortClaim{Port: 8080, Protocol: "tcp"}), false)
	require.NoError(t, err)
	assert.Equal(t, alt, again.Results[0].IncomingPort)
	assert.Equal(t, protocol.ResultExistingResolution, again.Results[0].Status)
}

func TestNoDoubleAllocationWithinBatch(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.engine.Resolve("10.0.0.2", "node-a", claims(
		protocol.PortClaim{Port: 8080, Protocol: "tcp"},
		protocol.PortClaim{Port: 8081, Protocol: "tcp"},
	), false)
	require.NoError(t, err)

	reply, _, err := env.engine.Resolve("10.0.0.3", "node-b", claims(
		protocol.PortClaim{Port: 8080, Protocol: "tcp"},
		protocol.PortClaim{Port: 8081, Protocol: "tcp"},
	), false)
	require.NoError(t, err)
	require.Len(t, reply.Results, 2)
	assert.NotEqual(t, reply.Results[0].IncomingPort, reply.Results[1].IncomingPort)
}

func TestAlternativeAvoidsExternalAllocations(t *testing.T) {
	env := newTestEnv(t)
	res := store.OpenResolutions(filepath.Join(env.dir, "resolutions2.json"))
	engine := New(env.store, res, env.syncer, nil, func() map[int]bool {
		return map[int]bool{35000: true, 35001: true}
	})

	_, _, err := engine.Resolve("10.0.0.2", "node-a", claims(protocol.PortClaim{Port: 8080, Protocol: "tcp"}), false)
	require.NoError(t, err)
	reply, _, err := engine.Resolve("10.0.0.3", "node-b", claims(protocol.PortClaim{Port: 8080, Protocol: "tcp"}), false)
	require.NoError(t, err)
	assert.Equal(t, 35002, reply.Results[0].IncomingPort)
}

func TestRemoveClearsStreamAndResolution(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.engine.Resolve("10.0.0.2", "node-a", claims(protocol.PortClaim{Port: 8080, Protocol: "tcp"}), false)
	require.NoError(t, err)
	first, _, err := env.engine.Resolve("10.0.0.3", "node-b", claims(protocol.PortClaim{Port: 8080, Protocol: "tcp"}), false)
	require.NoError(t, err)
	alt := first.Results[0].IncomingPort

	removed, err := env.engine.Remove("10.0.0.3", []protocol.PortRef{{Port: 8080, Protocol: "tcp"}})
	require.NoError(t, err)
	assert.NotEmpty(t, removed)

	row, err := env.store.ActiveByIncomingPort(alt)
	require.NoError(t, err)
	assert.Nil(t, row)

	// after removal, a new claim resolves fresh
	again, _, err := env.engine.Resolve("10.0.0.3", "node-b", claims(protocol.PortClaim{Port: 8080, Protocol: "tcp"}), false)
	require.NoError(t, err)
	assert.Equal(t, protocol.ResultNewResolution, again.Results[0].Status)
}
