package policies

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/polisai/polis-chain/pkg/chain"
	"github.com/polisai/polis-chain/pkg/pipeline"
)

// ErrTokenUnavailable is returned when a token source cannot produce a token.
var ErrTokenUnavailable = errors.New("token unavailable")

// Token is a bearer credential.
type Token struct {
	AccessToken string
	TokenType   string
	Expiry      time.Time
}

// Valid reports whether the token can be used at now.
func (t Token) Valid(now time.Time) bool {
	if t.AccessToken == "" {
		return false
	}
	return t.Expiry.IsZero() || now.Before(t.Expiry)
}

// HeaderValue formats the token for the Authorization header.
func (t Token) HeaderValue() string {
	typ := t.TokenType
	if typ == "" || strings.EqualFold(typ, "bearer") {
		typ = "Bearer"
	}
	return typ + " " + t.AccessToken
}

// TokenSource produces fresh tokens.
type TokenSource interface {
	Token(ctx context.Context) (Token, error)
}

// TokenState records whether this chain already refreshed its token.
type TokenState struct {
	Refreshed bool
}

// TokenRefresh replays a request once with a fresh token when the server
// answers 401 Unauthorized. The token is cached across chains so concurrent
// chains that fail together trigger one refresh.
type TokenRefresh struct {
	chain.DefaultLimit

	source    TokenSource
	now       func() time.Time
	mu        sync.Mutex
	cached    Token
	refreshes atomic.Int64
}

// NewTokenRefresh creates a policy that refreshes tokens from source.
func NewTokenRefresh(source TokenSource) *TokenRefresh {
	return &TokenRefresh{source: source, now: time.Now}
}

// Refreshes returns how many times the token source was called.
func (p *TokenRefresh) Refreshes() int64 {
	return p.refreshes.Load()
}

// Chain implements chain.Chainer.
func (p *TokenRefresh) Chain(ctx context.Context, outcome chain.Outcome, state *TokenState, req *http.Request) (*http.Response, error) {
	if outcome.Err != nil {
		return nil, outcome.Err
	}
	if outcome.Response.StatusCode != http.StatusUnauthorized || state.Refreshed {
		return outcome.Response, nil
	}

	token, err := p.refresh(ctx, rejectedAuthorization(outcome.Response, req))
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	req.Header.Set("Authorization", token.HeaderValue())
	state.Refreshed = true
	return nil, nil
}

// Authorize is pipeline middleware that attaches the cached token to
// requests that carry no Authorization header.
func (p *TokenRefresh) Authorize(next http.RoundTripper) http.RoundTripper {
	return pipeline.RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("Authorization") != "" {
			return next.RoundTrip(req)
		}

		p.mu.Lock()
		token := p.cached
		p.mu.Unlock()

		if !token.Valid(p.now()) {
			return next.RoundTrip(req)
		}
		clone := req.Clone(req.Context())
		clone.Header.Set("Authorization", token.HeaderValue())
		return next.RoundTrip(clone)
	})
}

// rejectedAuthorization reports the Authorization header the server saw.
// Authorize attaches the cached token on a clone further down the stack, so
// the sent request is preferred over the chain's own copy.
func rejectedAuthorization(resp *http.Response, req *http.Request) string {
	if resp.Request != nil {
		if value := resp.Request.Header.Get("Authorization"); value != "" {
			return value
		}
	}
	return req.Header.Get("Authorization")
}

// refresh returns a token other than the rejected one, fetching a new token
// only when no other chain has already done so.
func (p *TokenRefresh) refresh(ctx context.Context, rejected string) (Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached.Valid(p.now()) && p.cached.HeaderValue() != rejected {
		return p.cached, nil
	}

	p.refreshes.Add(1)
	token, err := p.source.Token(ctx)
	if err != nil {
		return Token{}, err
	}
	if token.AccessToken == "" {
		return Token{}, ErrTokenUnavailable
	}
	p.cached = token
	return token, nil
}

// EndpointTokenSource fetches tokens with the OAuth2 client credentials grant.
type EndpointTokenSource struct {
	URL          string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Client       *http.Client

	now func() time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Token implements TokenSource.
func (s *EndpointTokenSource) Token(ctx context.Context) (Token, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	if len(s.Scopes) > 0 {
		form.Set("scope", strings.Join(s.Scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if s.ClientID != "" {
		req.SetBasicAuth(url.QueryEscape(s.ClientID), url.QueryEscape(s.ClientSecret))
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return Token{}, fmt.Errorf("%w: token endpoint returned %d", ErrTokenUnavailable, resp.StatusCode)
	}

	var payload tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return Token{}, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return Token{}, fmt.Errorf("%w: empty access_token", ErrTokenUnavailable)
	}

	now := time.Now
	if s.now != nil {
		now = s.now
	}
	token := Token{AccessToken: payload.AccessToken, TokenType: payload.TokenType}
	if payload.ExpiresIn > 0 {
		token.Expiry = now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return token, nil
}
