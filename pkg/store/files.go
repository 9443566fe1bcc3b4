package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/streamgate/pkg/logging"
)

// ResolutionKey builds the stable key for a persisted conflict
// resolution: "port|protocol|clientIP".
func ResolutionKey(port int, proto, clientIP string) string {
	return fmt.Sprintf("%d|%s|%s", port, proto, clientIP)
}

// ResolutionRecord is one persisted conflict resolution.
type ResolutionRecord struct {
	OriginalPort    int    `json:"original_port"`
	Protocol        string `json:"protocol"`
	AlternativePort int    `json:"alternative_port"`
	ClientIP        string `json:"client_ip"`
	ClientHostname  string `json:"client_hostname,omitempty"`
}

// ResolutionStore persists conflict resolutions to a JSON file so
// resolved alternatives survive restarts.
type ResolutionStore struct {
	mu   sync.Mutex
	path string
	m    map[string]ResolutionRecord
}

// OpenResolutions loads the resolutions file, tolerating a missing or
// corrupt file by starting empty.
func OpenResolutions(path string) *ResolutionStore {
	s := &ResolutionStore{path: path, m: make(map[string]ResolutionRecord)}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &s.m); err != nil {
			logging.Logf("[store] resolutions file %s unreadable, starting empty: %v", path, err)
			s.m = make(map[string]ResolutionRecord)
		}
	}
	return s
}

// Get returns the persisted alternative port for a claim, if any.
func (s *ResolutionStore) Get(port int, proto, clientIP string) (ResolutionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.m[ResolutionKey(port, proto, clientIP)]
	return rec, ok
}

// Put records a resolution and flushes the file.
func (s *ResolutionStore) Put(rec ResolutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[ResolutionKey(rec.OriginalPort, rec.Protocol, rec.ClientIP)] = rec
	return s.save()
}

// Remove drops a resolution and flushes the file.
func (s *ResolutionStore) Remove(port int, proto, clientIP string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, ResolutionKey(port, proto, clientIP))
	return s.save()
}

// All returns a copy of every persisted resolution.
func (s *ResolutionStore) All() []ResolutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ResolutionRecord, 0, len(s.m))
	for _, rec := range s.m {
		out = append(out, rec)
	}
	return out
}

func (s *ResolutionStore) save() error {
	return writeJSONFile(s.path, s.m)
}

// AssignmentState is the cached assignment outcome for one local port.
type AssignmentState struct {
	Port         int    `json:"port"`
	Protocol     string `json:"protocol"`
	Assigned     bool   `json:"assigned"`
	IncomingPort int    `json:"incoming_port,omitempty"`
	AssignedTo   string `json:"assigned_to,omitempty"`
}

// AssignmentCache persists the tracker's view of its assignments,
// keyed "port|protocol".
type AssignmentCache struct {
	mu   sync.Mutex
	path string
	m    map[string]AssignmentState
}

// OpenAssignments loads the assignment cache, starting empty when the
// file is missing or corrupt.
func OpenAssignments(path string) *AssignmentCache {
	c := &AssignmentCache{path: path, m: make(map[string]AssignmentState)}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &c.m); err != nil {
			logging.Logf("[store] assignments file %s unreadable, starting empty: %v", path, err)
			c.m = make(map[string]AssignmentState)
		}
	}
	return c
}

// Key builds the cache key for a port/protocol pair.
func (c *AssignmentCache) Key(port int, proto string) string {
	return fmt.Sprintf("%d|%s", port, proto)
}

// Get returns the cached state for a pair.
func (c *AssignmentCache) Get(port int, proto string) (AssignmentState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.m[c.Key(port, proto)]
	return st, ok
}

// Put stores a state and flushes the file.
func (c *AssignmentCache) Put(st AssignmentState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[c.Key(st.Port, st.Protocol)] = st
	return writeJSONFile(c.path, c.m)
}

// Remove drops a state and flushes the file.
func (c *AssignmentCache) Remove(port int, proto string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, c.Key(port, proto))
	return writeJSONFile(c.path, c.m)
}

// writeJSONFile writes v atomically via a temp file rename.
func writeJSONFile(path string, v interface{}) error {
	if path == "" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
