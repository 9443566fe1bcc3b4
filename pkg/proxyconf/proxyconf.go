package proxyconf

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/streamgate/pkg/logging"
	"github.com/streamgate/pkg/store"
)

// Reloader asks the proxy to pick up regenerated config.
type Reloader interface {
	Reload() error
}

// ExecReloader runs a shell command, typically a signal to the proxy
// container.
type ExecReloader struct {
	Command string
}

// Reload runs the configured command.
func (r *ExecReloader) Reload() error {
	if r.Command == "" {
		return nil
	}
	out, err := exec.Command("sh", "-c", r.Command).CombinedOutput()
	if err != nil {
		return fmt.Errorf("reload command failed: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// NopReloader does nothing, used when the proxy watches its config dir.
type NopReloader struct{}

// Reload is a no-op.
func (NopReloader) Reload() error { return nil }

// Syncer renders proxy stream config files from the stream table and
// triggers reloads. Batched callers regenerate once per batch.
type Syncer struct {
	mu       sync.Mutex
	dir      string
	store    *store.StreamStore
	reloader Reloader

	reloads int64
}

// NewSyncer builds a syncer rendering into dir.
func NewSyncer(dir string, st *store.StreamStore, reloader Reloader) *Syncer {
	if reloader == nil {
		reloader = NopReloader{}
	}
	return &Syncer{dir: dir, store: st, reloader: reloader}
}

// SyncAndReload regenerates every stream config file and reloads the
// proxy once. Files for rows that no longer exist are removed.
func (s *Syncer) SyncAndReload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.store.ListActive()
	if err != nil {
		return fmt.Errorf("list streams: %v", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create conf dir: %v", err)
	}

	keep := make(map[string]bool, len(rows))
	for i := range rows {
		name := fmt.Sprintf("%d.conf", rows[i].ID)
		keep[name] = true
		path := filepath.Join(s.dir, name)
		if err := os.WriteFile(path, []byte(RenderStream(&rows[i])), 0o644); err != nil {
			return fmt.Errorf("write %s: %v", path, err)
		}
	}

	// Drop leftover configs for deleted streams
	entries, err := os.ReadDir(s.dir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".conf") && !keep[e.Name()] {
				_ = os.Remove(filepath.Join(s.dir, e.Name()))
			}
		}
	}

	if err := s.reloader.Reload(); err != nil {
		return err
	}
	s.reloads++
	logging.Logf("[proxyconf] synced %d stream(s), reload #%d", len(rows), s.reloads)
	return nil
}

// Reloads returns how many reloads have been issued.
func (s *Syncer) Reloads() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloads
}

// RenderStream renders the nginx stream server blocks for one row.
func RenderStream(row *store.Stream) string {
	var b strings.Builder
	meta := row.DecodeMeta()

	writeBlock := func(udp bool) {
		b.WriteString("server {\n")
		if udp {
			fmt.Fprintf(&b, "    listen %d udp;\n", row.IncomingPort)
			fmt.Fprintf(&b, "    listen [::]:%d udp;\n", row.IncomingPort)
		} else {
			fmt.Fprintf(&b, "    listen %d;\n", row.IncomingPort)
			fmt.Fprintf(&b, "    listen [::]:%d;\n", row.IncomingPort)
		}
		if acl := meta.AccessList; acl != nil && acl.Enabled {
			for _, ip := range acl.AllowedIPs {
				fmt.Fprintf(&b, "    allow %s;\n", ip)
			}
			for _, ip := range acl.DeniedIPs {
				fmt.Fprintf(&b, "    deny %s;\n", ip)
			}
			if len(acl.AllowedIPs) > 0 {
				b.WriteString("    deny all;\n")
			}
		}
		fmt.Fprintf(&b, "    proxy_pass %s:%d;\n", row.ForwardingHost, row.ForwardingPort)
		b.WriteString("}\n")
	}

	if row.TCPForwarding {
		writeBlock(false)
	}
	if row.UDPForwarding {
		writeBlock(true)
	}
	return b.String()
}
