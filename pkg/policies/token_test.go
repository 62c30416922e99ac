package policies

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-chain/pkg/chain"
	"github.com/polisai/polis-chain/pkg/pipeline"
)

type countingSource struct {
	calls  atomic.Int32
	tokens []string
	err    error
}

func (s *countingSource) Token(context.Context) (Token, error) {
	n := s.calls.Add(1)
	if s.err != nil {
		return Token{}, s.err
	}
	idx := int(n) - 1
	if idx >= len(s.tokens) {
		idx = len(s.tokens) - 1
	}
	return Token{AccessToken: s.tokens[idx], Expiry: time.Now().Add(time.Hour)}, nil
}

// authServer accepts only the given bearer token.
func authServer(t *testing.T, valid string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

func tokenClient(p *TokenRefresh) *http.Client {
	return pipeline.NewBuilder(nil).
		With(chain.New[TokenState](p).Wrap).
		With(p.Authorize).
		Build()
}

func TestTokenRefresh_ReplaysOnceWithFreshToken(t *testing.T) {
	server, hits := authServer(t, "fresh")
	source := &countingSource{tokens: []string{"fresh"}}
	policy := NewTokenRefresh(source)

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer stale")

	resp, err := tokenClient(policy).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, int64(1), policy.Refreshes())
	assert.Equal(t, "Bearer stale", req.Header.Get("Authorization"), "caller request must not change")
}

func TestTokenRefresh_GivesUpAfterOneRefresh(t *testing.T) {
	server, hits := authServer(t, "never")
	source := &countingSource{tokens: []string{"wrong"}}
	policy := NewTokenRefresh(source)

	resp, err := tokenClient(policy).Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(2), hits.Load())
}

func TestTokenRefresh_AuthorizeUsesCachedToken(t *testing.T) {
	server, hits := authServer(t, "fresh")
	source := &countingSource{tokens: []string{"fresh"}}
	policy := NewTokenRefresh(source)
	client := tokenClient(policy)

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, int32(2), hits.Load())

	resp, err = client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), hits.Load(), "cached token goes out on the first attempt")
	assert.Equal(t, int64(1), policy.Refreshes())
}

func TestTokenRefresh_ReplacesRevokedCachedToken(t *testing.T) {
	server, hits := authServer(t, "second")
	source := &countingSource{tokens: []string{"first", "second"}}
	policy := NewTokenRefresh(source)
	client := tokenClient(policy)

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int64(1), policy.Refreshes())

	// The cached "first" token goes out through Authorize and is rejected.
	resp, err = client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), policy.Refreshes())
	assert.Equal(t, int32(4), hits.Load())
}

func TestTokenRefresh_ConcurrentChainsShareRefresh(t *testing.T) {
	server, _ := authServer(t, "fresh")
	source := &countingSource{tokens: []string{"fresh"}}
	policy := NewTokenRefresh(source)
	client := tokenClient(policy)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
			req.Header.Set("Authorization", "Bearer stale")
			resp, err := client.Do(req)
			if assert.NoError(t, err) {
				assert.Equal(t, http.StatusOK, resp.StatusCode)
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), source.calls.Load())
}

func TestTokenRefresh_SourceFailureEndsChain(t *testing.T) {
	server, hits := authServer(t, "fresh")
	boom := errors.New("identity provider down")
	policy := NewTokenRefresh(&countingSource{err: boom})

	_, err := tokenClient(policy).Get(server.URL)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), hits.Load())
}

func TestEndpointTokenSource(t *testing.T) {
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		user, pass, ok := r.BasicAuth()
		if !ok || user != "chain" || pass != "s3cret" || r.Form.Get("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		assert.Equal(t, "read write", r.Form.Get("scope"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"abc","token_type":"bearer","expires_in":60}`))
	}))
	defer idp.Close()

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	source := &EndpointTokenSource{
		URL:          idp.URL,
		ClientID:     "chain",
		ClientSecret: "s3cret",
		Scopes:       []string{"read", "write"},
		now:          func() time.Time { return fixed },
	}

	token, err := source.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", token.HeaderValue())
	assert.Equal(t, fixed.Add(time.Minute), token.Expiry)
	assert.True(t, token.Valid(fixed))
	assert.False(t, token.Valid(fixed.Add(time.Minute)))

	source.ClientSecret = "wrong"
	_, err = source.Token(context.Background())
	assert.ErrorIs(t, err, ErrTokenUnavailable)
}
