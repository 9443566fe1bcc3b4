package proxyconf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgate/pkg/store"
)

type countingReloader struct {
	reloads int
}

func (r *countingReloader) Reload() error {
	r.reloads++
	return nil
}

func TestRenderStreamTCP(t *testing.T) {
	row := &store.Stream{
		IncomingPort:   8080,
		ForwardingHost: "10.0.0.2",
		ForwardingPort: 8080,
		TCPForwarding:  true,
	}
	conf := RenderStream(row)

	assert.Contains(t, conf, "listen 8080;")
	assert.Contains(t, conf, "listen [::]:8080;")
	assert.Contains(t, conf, "proxy_pass 10.0.0.2:8080;")
	assert.NotContains(t, conf, "udp")
	assert.NotContains(t, conf, "allow")
}

func TestRenderStreamBothProtocols(t *testing.T) {
	row := &store.Stream{
		IncomingPort:   9000,
		ForwardingHost: "10.0.0.2",
		ForwardingPort: 9000,
		TCPForwarding:  true,
		UDPForwarding:  true,
	}
	conf := RenderStream(row)

	assert.Contains(t, conf, "listen 9000;")
	assert.Contains(t, conf, "listen 9000 udp;")
}

func TestRenderStreamAccessList(t *testing.T) {
	row := &store.Stream{
		IncomingPort:   8080,
		ForwardingHost: "10.0.0.2",
		ForwardingPort: 8080,
		TCPForwarding:  true,
		Meta:           store.EncodeAccessListMeta("10.0.0.0/24"),
	}
	conf := RenderStream(row)

	assert.Contains(t, conf, "allow 10.0.0.0/24;")
	assert.Contains(t, conf, "deny all;")
}

func TestSyncAndReloadWritesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "streams.db"))
	require.NoError(t, err)
	confDir := filepath.Join(dir, "streams")
	reloader := &countingReloader{}
	syncer := NewSyncer(confDir, st, reloader)

	_, err = st.UpsertEntries([]store.Entry{
		{IncomingPort: 8080, Protocol: store.ProtoTCP, ForwardingHost: "10.0.0.2", ForwardingPort: 8080},
	})
	require.NoError(t, err)

	require.NoError(t, syncer.SyncAndReload())
	assert.Equal(t, 1, reloader.reloads)
	assert.Equal(t, int64(1), syncer.Reloads())

	entries, err := os.ReadDir(confDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// deleting the stream prunes its config file
	_, err = st.RemoveProtocol(8080, store.ProtoTCP)
	require.NoError(t, err)
	require.NoError(t, syncer.SyncAndReload())

	entries, err = os.ReadDir(confDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 2, reloader.reloads)
}
