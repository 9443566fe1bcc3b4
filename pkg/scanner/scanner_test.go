package scanner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tcpTable = `  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   0: 00000000:1F90 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 12345 1 0000000000000000 100 0 0 10 0
   1: 0100007F:0016 00000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 12346 1 0000000000000000 100 0 0 10 0
   2: 0100007F:D431 0100007F:1F90 01 00000000:00000000 00:00000000 00000000  1000        0 12347 1 0000000000000000 100 0 0 10 0
`

const udpTable = `  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode ref pointer drops
   0: 00000000:2328 00000000:0000 07 00000000:00000000 00:00000000 00000000  1000        0 22345 2 0000000000000000 0
`

func writeProcTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tcp"), []byte(tcpTable), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "udp"), []byte(udpTable), 0o644))
	return dir
}

func TestListeningPorts(t *testing.T) {
	s := &ProcScanner{Root: writeProcTree(t)}

	listeners, err := s.ListeningPorts()
	require.NoError(t, err)

	assert.Contains(t, listeners, Listener{Port: 8080, Proto: "tcp"})
	assert.Contains(t, listeners, Listener{Port: 22, Proto: "tcp"})
	assert.Contains(t, listeners, Listener{Port: 9000, Proto: "udp"})
	// established connection, not a listener
	assert.NotContains(t, listeners, Listener{Port: 54321, Proto: "tcp"})
}

func TestListeningPortsEmptyTree(t *testing.T) {
	s := &ProcScanner{Root: t.TempDir()}
	_, err := s.ListeningPorts()
	assert.Error(t, err)
}

func TestLoadAllowedPorts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.txt")
	require.NoError(t, os.WriteFile(path, []byte(`# claimed ports
8080
9000

30000-30002
`), 0o644))

	allowed, err := LoadAllowedPorts(path)
	require.NoError(t, err)
	assert.True(t, allowed[8080])
	assert.True(t, allowed[9000])
	assert.True(t, allowed[30000])
	assert.True(t, allowed[30002])
	assert.False(t, allowed[30003])
	assert.False(t, allowed[22])
	assert.Len(t, allowed, 5)
}

func TestLoadAllowedPortsRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.txt")
	require.NoError(t, os.WriteFile(path, []byte("eight-zero-eight-zero\n"), 0o644))

	_, err := LoadAllowedPorts(path)
	assert.Error(t, err)
}

func TestLoadAllowedPortsMissingFile(t *testing.T) {
	allowed, err := LoadAllowedPorts(filepath.Join(t.TempDir(), "absent.txt"))
	require.NoError(t, err)
	assert.Empty(t, allowed)
}
