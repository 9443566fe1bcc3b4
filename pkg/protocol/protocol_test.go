package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameFieldPresence(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"token":"secret","ping":true}`))
	require.NoError(t, err)

	assert.True(t, frame.Has(FieldToken))
	assert.True(t, frame.Has(FieldPing))
	assert.False(t, frame.Has(FieldPorts))
	assert.Equal(t, "secret", frame.Token())
}

func TestParseFramePresenceIndependentOfValue(t *testing.T) {
	// an empty ports list is still a ports frame
	frame, err := ParseFrame([]byte(`{"token":"secret","ports":[]}`))
	require.NoError(t, err)
	assert.True(t, frame.Has(FieldPorts))

	var req ClaimRequest
	require.NoError(t, frame.Decode(&req))
	assert.Empty(t, req.Ports)
}

func TestParseFrameRejectsMalformedJSON(t *testing.T) {
	_, err := ParseFrame([]byte(`{"token":`))
	assert.Error(t, err)
}

func TestTokenAbsentOrWrongType(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"ping":true}`))
	require.NoError(t, err)
	assert.Equal(t, "", frame.Token())

	frame, err = ParseFrame([]byte(`{"token":123}`))
	require.NoError(t, err)
	assert.Equal(t, "", frame.Token())
}

func TestIsPush(t *testing.T) {
	cases := []struct {
		payload string
		want    bool
	}{
		{`{"type":"client_port_assignments"}`, true},
		{`{"type":"client_port_conflict_resolution"}`, true},
		{`{"type":"server_command"}`, false},
		{`{"status":"ok"}`, false},
		{`{"type":"client_"}`, false},
	}
	for _, tc := range cases {
		frame, err := ParseFrame([]byte(tc.payload))
		require.NoError(t, err)
		assert.Equal(t, tc.want, frame.IsPush(), "payload %s", tc.payload)
	}
}

func TestClaimReplyWireFormat(t *testing.T) {
	reply := ClaimReply{
		Status: StatusOK,
		Msg:    "1 port(s) processed",
		Results: []PortResult{
			{Port: 8080, Protocol: "tcp", IncomingPort: 35000, ConflictResolved: true, Status: ResultNewResolution},
		},
	}
	data, err := json.Marshal(reply)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Contains(t, raw, "resultados")

	var results []map[string]interface{}
	require.NoError(t, json.Unmarshal(raw["resultados"], &results))
	require.Len(t, results, 1)
	assert.Equal(t, float64(8080), results[0]["puerto"])
	assert.Equal(t, "tcp", results[0]["protocolo"])
	assert.Equal(t, float64(35000), results[0]["incoming_port"])
}

func TestCapabilitiesReplyWireFormat(t *testing.T) {
	reply := CapabilitiesReply{
		Status: StatusOK,
		Capabilities: Capabilities{
			ServerType:    "wireguard",
			HasOverlay:    true,
			OverlayIP:     "10.8.0.1",
			ForwardsPorts: true,
		},
	}
	data, err := json.Marshal(reply)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Contains(t, raw, "server_capabilities")

	var caps map[string]interface{}
	require.NoError(t, json.Unmarshal(raw["server_capabilities"], &caps))
	assert.Equal(t, "wireguard", caps["server_type"])
	assert.Equal(t, true, caps["has_wireguard"])
	assert.Equal(t, "10.8.0.1", caps["wireguard_ip"])
}

func TestRemoveRequestWireFormat(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"token":"s","remove_ports":[{"puerto":8080,"protocolo":"tcp"}]}`))
	require.NoError(t, err)

	var req RemoveRequest
	require.NoError(t, frame.Decode(&req))
	require.Len(t, req.Ports, 1)
	assert.Equal(t, 8080, req.Ports[0].Port)
	assert.Equal(t, "tcp", req.Ports[0].Protocol)
}
