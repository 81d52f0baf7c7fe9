package network

import (
	"testing"

	"github.com/hyperbox/hyperboxd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortAllocatorPreferredPort(t *testing.T) {
	a := NewPortAllocator()

	port, err := a.Allocate("proj-1", 40123, types.ProtoTCP)
	require.NoError(t, err)
	assert.Equal(t, 40123, port)
}

func TestPortAllocatorNoDuplicateAllocation(t *testing.T) {
	a := NewPortAllocator()

	first, err := a.Allocate("proj-1", 41500, types.ProtoTCP)
	require.NoError(t, err)

	second, err := a.Allocate("proj-2", 41500, types.ProtoTCP)
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "a port already held by one project must not be handed to another")
}

func TestPortAllocatorReleaseProject(t *testing.T) {
	a := NewPortAllocator()

	p1, err := a.Allocate("proj-1", 42100, types.ProtoTCP)
	require.NoError(t, err)
	_, err = a.Allocate("proj-1", 42101, types.ProtoTCP)
	require.NoError(t, err)

	a.ReleaseProject("proj-1")

	again, err := a.Allocate("proj-2", p1, types.ProtoTCP)
	require.NoError(t, err)
	assert.Equal(t, p1, again, "released port should be immediately reusable")
}

func TestPortAllocatorFallsBackWhenPreferredTaken(t *testing.T) {
	a := NewPortAllocator()

	_, err := a.Allocate("proj-1", 43000, types.ProtoTCP)
	require.NoError(t, err)

	port, err := a.Allocate("proj-2", 43000, types.ProtoTCP)
	require.NoError(t, err)
	assert.NotEqual(t, 43000, port)
}
