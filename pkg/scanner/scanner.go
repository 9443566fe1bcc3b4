package scanner

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Listener is one locally listening socket.
type Listener struct {
	Port  int
	Proto string
}

// Enumerator lists the locally listening ports.
type Enumerator interface {
	ListeningPorts() ([]Listener, error)
}

// ProcScanner enumerates listeners from the proc filesystem.
type ProcScanner struct {
	// Root of the proc net tree, overridable for tests
	Root string
}

// NewProcScanner builds a scanner over /proc/net.
func NewProcScanner() *ProcScanner {
	return &ProcScanner{Root: "/proc/net"}
}

// tcp sockets in LISTEN state carry this hex code
const tcpListen = "0A"

// ListeningPorts returns the deduplicated set of listening tcp and
// bound udp ports.
func (s *ProcScanner) ListeningPorts() ([]Listener, error) {
	seen := make(map[Listener]bool)
	var out []Listener

	add := func(port int, proto string) {
		l := Listener{Port: port, Proto: proto}
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}

	for _, file := range []string{"tcp", "tcp6"} {
		ports, err := parseSockTable(filepath.Join(s.Root, file), true)
		if err != nil {
			continue
		}
		for _, p := range ports {
			add(p, "tcp")
		}
	}
	for _, file := range []string{"udp", "udp6"} {
		ports, err := parseSockTable(filepath.Join(s.Root, file), false)
		if err != nil {
			continue
		}
		for _, p := range ports {
			add(p, "udp")
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no listening ports found under %s", s.Root)
	}
	return out, nil
}

// parseSockTable reads one proc net socket table. For tcp only rows in
// LISTEN state count; udp rows count whenever they are bound.
func parseSockTable(path string, tcpOnly bool) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ports []int
	sc := bufio.NewScanner(f)
	sc.Scan() // header
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		if tcpOnly && fields[3] != tcpListen {
			continue
		}
		local := fields[1]
		i := strings.LastIndex(local, ":")
		if i < 0 {
			continue
		}
		port, err := strconv.ParseInt(local[i+1:], 16, 32)
		if err != nil || port == 0 {
			continue
		}
		ports = append(ports, int(port))
	}
	return ports, sc.Err()
}

// LoadAllowedPorts parses the allow-list file: one port or a-b range
// per line, # comments and blank lines ignored. A missing file means
// nothing is allowed.
func LoadAllowedPorts(path string) (map[int]bool, error) {
	allowed := make(map[int]bool)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return allowed, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if lo, hi, ok := strings.Cut(line, "-"); ok {
			start, err1 := strconv.Atoi(strings.TrimSpace(lo))
			end, err2 := strconv.Atoi(strings.TrimSpace(hi))
			if err1 != nil || err2 != nil || start > end {
				return nil, fmt.Errorf("invalid port range %q", line)
			}
			for p := start; p <= end; p++ {
				allowed[p] = true
			}
			continue
		}
		p, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", line)
		}
		allowed[p] = true
	}
	return allowed, sc.Err()
}
