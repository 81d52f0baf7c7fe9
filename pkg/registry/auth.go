package registry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	hberrors "github.com/hyperbox/hyperboxd/pkg/errors"
	"github.com/hyperbox/hyperboxd/pkg/types"
)

// tokenCache holds bearer tokens keyed by "host/repository", refreshed on
// expiry. Docker Hub and most v2-spec registries issue short-lived
// (typically 300s) anonymous pull tokens via a separate auth realm
// advertised in the 401's Www-Authenticate header.
type tokenCache struct {
	mu     sync.Mutex
	tokens map[string]cachedToken
}

type cachedToken struct {
	value   string
	expires time.Time
}

func newTokenCache() *tokenCache {
	return &tokenCache{tokens: make(map[string]cachedToken)}
}

func tokenKey(ref types.ImageRef) string {
	return ref.Registry + "/" + ref.Repository
}

// doAuthed performs req, transparently handling the bearer-challenge flow:
// an anonymous request first, and on 401 a token fetch from the realm the
// server names, cached and reused for subsequent requests to the same
// (host, repository).
func (c *Client) doAuthed(req *http.Request, ref types.ImageRef) (*http.Response, error) {
	key := tokenKey(ref)

	if tok, ok := c.tokens.get(key); ok {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	challenge := resp.Header.Get("Www-Authenticate")
	if challenge == "" {
		return nil, hberrors.New(hberrors.PermissionDenied, "registry auth", "no Www-Authenticate challenge on 401")
	}

	token, ttl, err := c.fetchToken(req, challenge, ref)
	if err != nil {
		return nil, err
	}
	c.tokens.set(key, token, ttl)

	retry := req.Clone(req.Context())
	retry.Header.Set("Authorization", "Bearer "+token)
	return c.httpClient.Do(retry)
}

func (t *tokenCache) get(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tok, ok := t.tokens[key]
	if !ok || time.Now().After(tok.expires) {
		return "", false
	}
	return tok.value, true
}

func (t *tokenCache) set(key, value string, ttl time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens[key] = cachedToken{value: value, expires: time.Now().Add(ttl)}
}

// fetchToken parses a "Bearer realm=...,service=...,scope=..." challenge
// and exchanges it for a token from the named auth realm.
func (c *Client) fetchToken(origReq *http.Request, challenge string, ref types.ImageRef) (string, time.Duration, error) {
	params := parseChallenge(challenge)
	realm := params["realm"]
	if realm == "" {
		return "", 0, hberrors.New(hberrors.PermissionDenied, "registry auth", "challenge missing realm")
	}

	q := url.Values{}
	if svc := params["service"]; svc != "" {
		q.Set("service", svc)
	}
	if scope := params["scope"]; scope != "" {
		q.Set("scope", scope)
	} else {
		q.Set("scope", fmt.Sprintf("repository:%s:pull", ref.Repository))
	}

	tokenURL := realm + "?" + q.Encode()
	req, err := http.NewRequestWithContext(origReq.Context(), http.MethodGet, tokenURL, nil)
	if err != nil {
		return "", 0, hberrors.Wrap(hberrors.Internal, err, "build token request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, hberrors.Wrap(hberrors.RuntimeExecFailed, err, "fetch auth token")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, hberrors.New(hberrors.PermissionDenied, "registry auth", fmt.Sprintf("token endpoint returned %d", resp.StatusCode))
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, hberrors.Wrap(hberrors.Serialization, err, "decode token response")
	}

	token := body.Token
	if token == "" {
		token = body.AccessToken
	}
	ttl := 300 * time.Second
	if body.ExpiresIn > 0 {
		ttl = time.Duration(body.ExpiresIn) * time.Second
	}
	return token, ttl, nil
}

// parseChallenge parses the key="value" pairs of a Www-Authenticate Bearer
// challenge header.
func parseChallenge(header string) map[string]string {
	out := make(map[string]string)
	header = strings.TrimPrefix(header, "Bearer ")
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = strings.Trim(kv[1], `"`)
	}
	return out
}
