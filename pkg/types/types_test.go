package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageRefRoundTrip(t *testing.T) {
	cases := []string{
		"alpine",
		"alpine:3.18",
		"docker.io/library/alpine:latest",
		"ghcr.io/acme/widget:v1.2.3",
		"registry.example.com:5000/team/app@sha256:" + sha256Hex([]byte("x")),
	}
	for _, in := range cases {
		ref, err := ParseImageRef(in)
		require.NoError(t, err)

		again, err := ParseImageRef(ref.Format())
		require.NoError(t, err)
		assert.Equal(t, ref, again, "parse(format(x)) must equal x for %q", in)
	}
}

func TestParseImageRefDefaults(t *testing.T) {
	ref, err := ParseImageRef("alpine")
	require.NoError(t, err)
	assert.Equal(t, "docker.io", ref.Registry)
	assert.Equal(t, "library/alpine", ref.Repository)
	assert.Equal(t, "latest", ref.Tag)
}

func TestParseImageRefEmpty(t *testing.T) {
	_, err := ParseImageRef("")
	assert.Error(t, err)
}

func TestContainerSpecFingerprintStable(t *testing.T) {
	a := ContainerSpec{Image: "alpine:3.18", Command: []string{"sh"}, Env: map[string]string{"B": "2", "A": "1"}}
	b := ContainerSpec{Image: "alpine:3.18", Command: []string{"sh"}, Env: map[string]string{"A": "1", "B": "2"}}

	fa, err := a.Fingerprint()
	require.NoError(t, err)
	fb, err := b.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fa, fb, "fingerprint must be independent of map construction order")

	c := a
	c.Command = []string{"bash"}
	fc, err := c.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, fa, fc)
}

func TestNewContainerIdFormat(t *testing.T) {
	id := NewContainerId()
	assert.Len(t, id.String(), 12)
}

func TestCheckpointExpired(t *testing.T) {
	now := time.Now()
	rec := CheckpointRecord{CreatedAt: now, TTL: 0}
	assert.True(t, rec.Expired(now), "zero TTL checkpoints are immediately expired")

	rec2 := CheckpointRecord{CreatedAt: now, TTL: time.Hour}
	assert.False(t, rec2.Expired(now))
	assert.True(t, rec2.Expired(now.Add(2*time.Hour)))
}
