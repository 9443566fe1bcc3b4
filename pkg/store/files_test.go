package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolutionStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolutions.json")

	s := OpenResolutions(path)
	_, ok := s.Get(8080, "tcp", "10.0.0.3")
	assert.False(t, ok)

	rec := ResolutionRecord{
		OriginalPort:    8080,
		Protocol:        "tcp",
		AlternativePort: 35000,
		ClientIP:        "10.0.0.3",
		ClientHostname:  "node-b",
	}
	require.NoError(t, s.Put(rec))

	// a fresh open sees the persisted record
	s2 := OpenResolutions(path)
	got, ok := s2.Get(8080, "tcp", "10.0.0.3")
	require.True(t, ok)
	assert.Equal(t, rec, got)

	// key includes the client IP
	_, ok = s2.Get(8080, "tcp", "10.0.0.4")
	assert.False(t, ok)

	require.NoError(t, s2.Remove(8080, "tcp", "10.0.0.3"))
	_, ok = OpenResolutions(path).Get(8080, "tcp", "10.0.0.3")
	assert.False(t, ok)
}

func TestResolutionStoreToleratesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolutions.json")
	require.NoError(t, writeJSONFile(path, "not a map"))

	s := OpenResolutions(path)
	assert.Empty(t, s.All())
}

func TestAssignmentCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assignments.json")

	c := OpenAssignments(path)
	require.NoError(t, c.Put(AssignmentState{Port: 9000, Protocol: "udp", Assigned: false, IncomingPort: 20000}))

	c2 := OpenAssignments(path)
	st, ok := c2.Get(9000, "udp")
	require.True(t, ok)
	assert.Equal(t, 20000, st.IncomingPort)
	assert.False(t, st.Assigned)

	require.NoError(t, c2.Remove(9000, "udp"))
	_, ok = c2.Get(9000, "udp")
	assert.False(t, ok)
}
