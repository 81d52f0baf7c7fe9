package network

import (
	"net"
	"strconv"
	"sync"

	hberrors "github.com/hyperbox/hyperboxd/pkg/errors"
	"github.com/hyperbox/hyperboxd/pkg/types"
)

const (
	ephemeralLow  = 32768
	ephemeralHigh = 60999
)

// PortAllocator hands out host ports for container port mappings. It prefers
// the caller's requested port, probes it with a real bind, and falls back to
// a rotating scan of the ephemeral range on conflict. Allocations are grouped
// by project so a project's ports can be released together.
type PortAllocator struct {
	mu        sync.Mutex
	cursor    int
	allocated map[int]string // host port -> project id
	byProject map[string]map[int]struct{}
}

// NewPortAllocator creates an allocator starting its scan cursor at the low
// end of the ephemeral range.
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{
		cursor:    ephemeralLow,
		allocated: make(map[int]string),
		byProject: make(map[string]map[int]struct{}),
	}
}

// Allocate reserves a host port for projectID. If preferred is non-zero and
// free, it is used; otherwise the allocator scans the ephemeral range from
// its rotating cursor. A port is considered free only after a successful
// bind-and-close probe, so external listeners outside our own bookkeeping
// are also respected.
func (a *PortAllocator) Allocate(projectID string, preferred int, protocol types.Protocol) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if preferred != 0 {
		if _, taken := a.allocated[preferred]; !taken && a.probe(preferred, protocol) {
			a.reserve(projectID, preferred)
			return preferred, nil
		}
	}

	start := a.cursor
	for {
		port := a.cursor
		a.cursor++
		if a.cursor > ephemeralHigh {
			a.cursor = ephemeralLow
		}

		if _, taken := a.allocated[port]; !taken && a.probe(port, protocol) {
			a.reserve(projectID, port)
			return port, nil
		}

		if a.cursor == start {
			return 0, hberrors.ErrPortAllocFail(preferred)
		}
	}
}

// Release returns port to the free pool.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.release(port)
}

// ReleaseProject returns every port held by projectID.
func (a *PortAllocator) ReleaseProject(projectID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port := range a.byProject[projectID] {
		a.release(port)
	}
	delete(a.byProject, projectID)
}

func (a *PortAllocator) reserve(projectID string, port int) {
	a.allocated[port] = projectID
	if a.byProject[projectID] == nil {
		a.byProject[projectID] = make(map[int]struct{})
	}
	a.byProject[projectID][port] = struct{}{}
}

func (a *PortAllocator) release(port int) {
	projectID, ok := a.allocated[port]
	if !ok {
		return
	}
	delete(a.allocated, port)
	delete(a.byProject[projectID], port)
}

// probe checks a port is actually bindable, independent of our own
// bookkeeping. It must be called with a.mu held so no other Allocate call
// can race the bind-then-release window.
func (a *PortAllocator) probe(port int, protocol types.Protocol) bool {
	switch protocol {
	case types.ProtoUDP:
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			return false
		}
		conn.Close()
		return true
	default:
		l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
		if err != nil {
			return false
		}
		l.Close()
		return true
	}
}
