package network

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPAMAllocateSkipsGateway(t *testing.T) {
	ipam, err := NewIPAM("10.88.0.1/24")
	require.NoError(t, err)

	addr, err := ipam.Allocate()
	require.NoError(t, err)
	assert.NotEqual(t, "10.88.0.1", addrOf(addr))
}

func TestIPAMAllocateNoDuplicates(t *testing.T) {
	ipam, err := NewIPAM("10.88.0.1/24")
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		addr, err := ipam.Allocate()
		require.NoError(t, err)
		assert.False(t, seen[addr], "address %s allocated twice", addr)
		seen[addr] = true
	}
}

func TestIPAMExhaustion(t *testing.T) {
	ipam, err := NewIPAM("10.88.0.1/30")
	require.NoError(t, err)

	// /30 has 4 addresses: .0, .1 (gateway), .2, .3 -- two usable.
	_, err = ipam.Allocate()
	require.NoError(t, err)
	_, err = ipam.Allocate()
	require.NoError(t, err)

	_, err = ipam.Allocate()
	assert.Error(t, err, "pool should be exhausted after handing out both usable addresses")
}

func TestIPAMReleaseAllowsReuse(t *testing.T) {
	ipam, err := NewIPAM("10.88.0.1/30")
	require.NoError(t, err)

	first, err := ipam.Allocate()
	require.NoError(t, err)
	_, err = ipam.Allocate()
	require.NoError(t, err)

	ipam.Release(addrOf(first))

	again, err := ipam.Allocate()
	require.NoError(t, err)
	assert.Equal(t, addrOf(first), addrOf(again))
}

func addrOf(cidr string) string {
	if i := strings.IndexByte(cidr, '/'); i != -1 {
		return cidr[:i]
	}
	return cidr
}
