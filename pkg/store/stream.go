package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/streamgate/pkg/logging"
)

// Protocol names as stored in the stream table flags
const (
	ProtoTCP = "tcp"
	ProtoUDP = "udp"
)

// AccessList is the optional source filter embedded in Stream.Meta.
type AccessList struct {
	Enabled    bool     `json:"enabled"`
	AllowedIPs []string `json:"allowed_ips,omitempty"`
	DeniedIPs  []string `json:"denied_ips,omitempty"`
}

// StreamMeta is the JSON document stored in the meta column.
type StreamMeta struct {
	AccessList *AccessList `json:"access_list,omitempty"`
}

// Stream is one row of the proxy stream table. Column names match the
// table consumed by the proxy admin UI, so both sides can manage the
// same database.
type Stream struct {
	ID             uint      `gorm:"column:id;primaryKey"`
	CreatedOn      time.Time `gorm:"column:created_on;autoCreateTime"`
	ModifiedOn     time.Time `gorm:"column:modified_on;autoUpdateTime"`
	OwnerUserID    int       `gorm:"column:owner_user_id"`
	IsDeleted      bool      `gorm:"column:is_deleted"`
	IncomingPort   int       `gorm:"column:incoming_port"`
	ForwardingHost string    `gorm:"column:forwarding_host"`
	ForwardingPort int       `gorm:"column:forwarding_port"`
	TCPForwarding  bool      `gorm:"column:tcp_forwarding"`
	UDPForwarding  bool      `gorm:"column:udp_forwarding"`
	Enabled        bool      `gorm:"column:enabled"`
	Meta           string    `gorm:"column:meta"`
	CertificateID  int       `gorm:"column:certificate_id"`
}

// TableName keeps the legacy table name.
func (Stream) TableName() string { return "stream" }

// HasProtocol reports whether the row carries the given protocol flag.
func (s *Stream) HasProtocol(proto string) bool {
	switch proto {
	case ProtoTCP:
		return s.TCPForwarding
	case ProtoUDP:
		return s.UDPForwarding
	}
	return false
}

// DecodeMeta parses the meta column, tolerating empty or invalid JSON.
func (s *Stream) DecodeMeta() StreamMeta {
	var m StreamMeta
	if s.Meta != "" {
		_ = json.Unmarshal([]byte(s.Meta), &m)
	}
	return m
}

// Entry is the canonical form of one desired stream used by upserts.
type Entry struct {
	IncomingPort   int
	Protocol       string
	ForwardingHost string
	ForwardingPort int
	Meta           string
}

// StreamStore wraps the stream table behind a mutex. All multi-row
// operations hold the lock for their full duration.
type StreamStore struct {
	mu sync.Mutex
	db *gorm.DB
}

// Open opens (creating if needed) the stream database at path.
func Open(path string) (*StreamStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %v", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open stream db: %v", err)
	}
	if err := db.AutoMigrate(&Stream{}); err != nil {
		return nil, fmt.Errorf("migrate stream table: %v", err)
	}
	return &StreamStore{db: db}, nil
}

// ActiveByIncomingPort returns the non-deleted row holding the given
// public port, if any.
func (s *StreamStore) ActiveByIncomingPort(port int) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeByIncomingPort(port)
}

func (s *StreamStore) activeByIncomingPort(port int) (*Stream, error) {
	var row Stream
	err := s.db.Where("incoming_port = ? AND is_deleted = ?", port, false).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// FindForClient returns the active row that already forwards the given
// port/protocol to host, whether direct or under a resolved alternative
// public port.
func (s *StreamStore) FindForClient(port int, proto, host string) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []Stream
	err := s.db.Where("forwarding_port = ? AND forwarding_host = ? AND is_deleted = ?", port, host, false).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].HasProtocol(proto) {
			return &rows[i], nil
		}
	}
	return nil, nil
}

// UsedIncomingPorts returns the set of public ports held by active rows.
func (s *StreamStore) UsedIncomingPorts() (map[int]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedIncomingPorts()
}

func (s *StreamStore) usedIncomingPorts() (map[int]bool, error) {
	var ports []int
	if err := s.db.Model(&Stream{}).Where("is_deleted = ?", false).Pluck("incoming_port", &ports).Error; err != nil {
		return nil, err
	}
	used := make(map[int]bool, len(ports))
	for _, p := range ports {
		used[p] = true
	}
	return used, nil
}

// UpsertEntries writes the desired entries, merging protocol flags into
// existing rows keyed by incoming port. Rows already matching an entry
// are skipped. Returns the number of rows actually written.
func (s *StreamStore) UpsertEntries(entries []Entry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	written := 0
	for _, e := range entries {
		row, err := s.activeByIncomingPort(e.IncomingPort)
		if err != nil {
			return written, err
		}
		if row == nil {
			row = &Stream{
				IncomingPort:   e.IncomingPort,
				ForwardingHost: e.ForwardingHost,
				ForwardingPort: e.ForwardingPort,
				Enabled:        true,
				Meta:           e.Meta,
			}
			setProtocol(row, e.Protocol)
			if err := s.db.Create(row).Error; err != nil {
				return written, err
			}
			written++
			logging.Logf("[store] created stream %d -> %s:%d/%s", e.IncomingPort, e.ForwardingHost, e.ForwardingPort, e.Protocol)
			continue
		}

		same := row.ForwardingHost == e.ForwardingHost &&
			row.ForwardingPort == e.ForwardingPort &&
			row.HasProtocol(e.Protocol) &&
			row.Enabled
		if same {
			continue
		}

		// OR-merge the protocol flag, overwrite the target
		row.ForwardingHost = e.ForwardingHost
		row.ForwardingPort = e.ForwardingPort
		row.Enabled = true
		setProtocol(row, e.Protocol)
		if e.Meta != "" {
			row.Meta = e.Meta
		}
		if err := s.db.Save(row).Error; err != nil {
			return written, err
		}
		written++
		logging.Logf("[store] updated stream %d -> %s:%d/%s", e.IncomingPort, e.ForwardingHost, e.ForwardingPort, e.Protocol)
	}
	return written, nil
}

func setProtocol(row *Stream, proto string) {
	switch proto {
	case ProtoTCP:
		row.TCPForwarding = true
	case ProtoUDP:
		row.UDPForwarding = true
	}
}

func clearProtocol(row *Stream, proto string) {
	switch proto {
	case ProtoTCP:
		row.TCPForwarding = false
	case ProtoUDP:
		row.UDPForwarding = false
	}
}

// RemoveProtocol withdraws one protocol from the row holding the given
// public port. When the other protocol remains active the row survives
// with the flag cleared; otherwise it is soft-deleted.
func (s *StreamStore) RemoveProtocol(port int, proto string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.activeByIncomingPort(port)
	if err != nil || row == nil {
		return false, err
	}
	if !row.HasProtocol(proto) {
		return false, nil
	}

	clearProtocol(row, proto)
	if !row.TCPForwarding && !row.UDPForwarding {
		row.IsDeleted = true
		row.Enabled = false
	}
	if err := s.db.Save(row).Error; err != nil {
		return false, err
	}
	logging.Logf("[store] removed %s from stream %d (deleted=%v)", proto, port, row.IsDeleted)
	return true, nil
}

// RemoveForClient withdraws a protocol claimed by a specific client,
// matching on the forwarding target rather than the public port so
// resolved alternatives are found too.
func (s *StreamStore) RemoveForClient(port int, proto, host string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []Stream
	err := s.db.Where("forwarding_port = ? AND forwarding_host = ? AND is_deleted = ?", port, host, false).Find(&rows).Error
	if err != nil {
		return false, err
	}
	for i := range rows {
		row := &rows[i]
		if !row.HasProtocol(proto) {
			continue
		}
		clearProtocol(row, proto)
		if !row.TCPForwarding && !row.UDPForwarding {
			row.IsDeleted = true
			row.Enabled = false
		}
		if err := s.db.Save(row).Error; err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// ListActive returns all enabled, non-deleted rows ordered by public port.
func (s *StreamStore) ListActive() ([]Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []Stream
	err := s.db.Where("is_deleted = ? AND enabled = ?", false, true).Order("incoming_port").Find(&rows).Error
	return rows, err
}

// EncodeAccessListMeta serializes an allow-list into a meta document.
// Empty input yields an empty string.
func EncodeAccessListMeta(allowed string) string {
	allowed = strings.TrimSpace(allowed)
	if allowed == "" {
		return ""
	}
	var ips []string
	for _, part := range strings.Split(allowed, ",") {
		if p := strings.TrimSpace(part); p != "" {
			ips = append(ips, p)
		}
	}
	meta := StreamMeta{AccessList: &AccessList{Enabled: true, AllowedIPs: ips}}
	data, _ := json.Marshal(meta)
	return string(data)
}
