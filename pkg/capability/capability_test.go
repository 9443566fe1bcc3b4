package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOverrideAddrMakesForwarder(t *testing.T) {
	d := NewDetector("wg0", "10.8.0.1", "10.8.0.2")
	caps := d.Detect()

	assert.Equal(t, ServerTypeForwarder, caps.ServerType)
	assert.True(t, caps.HasOverlay)
	assert.True(t, caps.ForwardsPorts)
	assert.False(t, caps.ResolvesConflict)
	assert.Equal(t, "10.8.0.1", caps.OverlayIP)
	assert.Equal(t, "10.8.0.2", caps.OverlayPeerIP)
	assert.True(t, d.IsForwarder())
}

func TestMissingInterfaceMakesCoordinator(t *testing.T) {
	d := NewDetector("definitely-not-an-interface-0", "", "")
	caps := d.Detect()

	assert.Equal(t, ServerTypeCoordinator, caps.ServerType)
	assert.False(t, caps.HasOverlay)
	assert.True(t, caps.ResolvesConflict)
	assert.False(t, caps.ForwardsPorts)
	assert.False(t, d.IsForwarder())
}

func TestDetectIsCached(t *testing.T) {
	d := NewDetector("definitely-not-an-interface-0", "", "")
	first := d.Detect()

	// role is fixed for the process lifetime
	d.overrideAddr = "10.8.0.1"
	assert.Equal(t, first, d.Detect())
}

func TestPeerAddr(t *testing.T) {
	d := NewDetector("wg0", "", "10.8.0.2")
	assert.Equal(t, "10.8.0.2", d.PeerAddr())
}
