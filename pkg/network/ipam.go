package network

import (
	"fmt"
	"net"
	"sync"

	hberrors "github.com/hyperbox/hyperboxd/pkg/errors"
)

// IPAM hands out addresses from the bridge subnet, one per container. It is
// a simple sequential allocator; the subnet size (a /16 by default) makes
// exhaustion a non-concern for a single-host daemon.
type IPAM struct {
	mu        sync.Mutex
	network   *net.IPNet
	gateway   net.IP
	next      net.IP
	allocated map[string]struct{}
}

// NewIPAM creates an IPAM over cidr (e.g. "10.88.0.0/16"), reserving the
// network, broadcast and gateway addresses. The gateway is the subnet's
// first host address, whatever host bits cidr itself carries.
func NewIPAM(cidr string) (*IPAM, error) {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("parse ipam cidr: %w", err)
	}

	gw := cloneIP(network.IP)
	incIP(gw)
	start := cloneIP(gw)
	incIP(start)

	return &IPAM{
		network:   network,
		gateway:   gw,
		next:      start,
		allocated: make(map[string]struct{}),
	}, nil
}

// Allocate returns the next free address as a "/<prefixlen>" CIDR string
// suitable for AssignAddress.
func (a *IPAM) Allocate() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ones, _ := a.network.Mask.Size()
	start := cloneIP(a.next)

	for {
		if !a.network.Contains(a.next) {
			return "", hberrors.ErrNetworkOp("address pool exhausted")
		}
		if _, taken := a.allocated[a.next.String()]; !taken && !a.next.Equal(a.gateway) {
			addr := a.next.String()
			a.allocated[addr] = struct{}{}
			return fmt.Sprintf("%s/%d", addr, ones), nil
		}
		incIP(a.next)
		if !a.network.Contains(a.next) {
			a.next = cloneIP(a.network.IP)
			incIP(a.next)
		}
		if a.next.Equal(start) {
			return "", hberrors.ErrNetworkOp("address pool exhausted")
		}
	}
}

// Release returns addr (plain IP, no prefix) to the pool.
func (a *IPAM) Release(addr string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocated, addr)
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			return
		}
	}
}

func cloneIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}
