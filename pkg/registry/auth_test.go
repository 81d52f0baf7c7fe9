package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseChallengeExtractsFields(t *testing.T) {
	header := `Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:library/nginx:pull"`
	params := parseChallenge(header)

	assert.Equal(t, "https://auth.docker.io/token", params["realm"])
	assert.Equal(t, "registry.docker.io", params["service"])
	assert.Equal(t, "repository:library/nginx:pull", params["scope"])
}

func TestTokenCacheExpiry(t *testing.T) {
	tc := newTokenCache()
	tc.set("docker.io/library/nginx", "tok-1", -1*time.Second)

	_, ok := tc.get("docker.io/library/nginx")
	assert.False(t, ok, "expired token should not be returned")

	tc.set("docker.io/library/nginx", "tok-2", time.Minute)
	got, ok := tc.get("docker.io/library/nginx")
	assert.True(t, ok)
	assert.Equal(t, "tok-2", got)
}
