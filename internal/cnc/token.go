package cnc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Auth error classes. Expired credentials recover via refresh, revoked ones
// need operator intervention, unavailable means the mint endpoint itself
// failed.
var (
	ErrAuthExpired     = errors.New("auth expired")
	ErrAuthRevoked     = errors.New("auth revoked")
	ErrAuthUnavailable = errors.New("auth unavailable")
)

// sessionToken is the mint endpoint's response. Tokens live in memory only.
type sessionToken struct {
	Token       string `json:"token"`
	ExpiresAtMs int64  `json:"expiresAtMs,omitempty"`
}

// tokenSource mints and caches session tokens. Without a mint endpoint the
// bootstrap token is used directly.
type tokenSource struct {
	log           zerolog.Logger
	url           string
	bootstrap     string
	refreshBuffer time.Duration
	httpClient    *http.Client

	mu     sync.Mutex
	cached sessionToken

	now func() time.Time
}

func newTokenSource(log zerolog.Logger, url, bootstrap string, requestTimeout, refreshBuffer time.Duration) *tokenSource {
	return &tokenSource{
		log:           log.With().Str("component", "session-token").Logger(),
		url:           url,
		bootstrap:     bootstrap,
		refreshBuffer: refreshBuffer,
		httpClient:    &http.Client{Timeout: requestTimeout},
		now:           time.Now,
	}
}

// Token returns a usable bearer token, reusing the cache while more than
// the refresh buffer remains before expiry.
func (t *tokenSource) Token(ctx context.Context) (string, error) {
	if t.url == "" {
		return t.bootstrap, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cached.Token != "" {
		if t.cached.ExpiresAtMs == 0 {
			return t.cached.Token, nil
		}
		expiry := time.UnixMilli(t.cached.ExpiresAtMs)
		if t.now().Add(t.refreshBuffer).Before(expiry) {
			return t.cached.Token, nil
		}
	}

	minted, err := t.mint(ctx)
	if err != nil {
		t.cached = sessionToken{}
		return "", err
	}
	t.cached = minted
	t.log.Debug().Int64("expires_at_ms", minted.ExpiresAtMs).Msg("session token minted")
	return minted.Token, nil
}

func (t *tokenSource) mint(ctx context.Context) (sessionToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader([]byte(`{}`)))
	if err != nil {
		return sessionToken{}, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+t.bootstrap)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return sessionToken{}, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return sessionToken{}, ErrAuthExpired
	case resp.StatusCode == http.StatusForbidden:
		return sessionToken{}, ErrAuthRevoked
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return sessionToken{}, fmt.Errorf("%w: mint endpoint returned %d", ErrAuthUnavailable, resp.StatusCode)
	}

	var minted sessionToken
	if err := json.NewDecoder(resp.Body).Decode(&minted); err != nil {
		return sessionToken{}, fmt.Errorf("%w: decode mint response: %v", ErrAuthUnavailable, err)
	}
	if minted.Token == "" {
		return sessionToken{}, fmt.Errorf("%w: mint response has no token", ErrAuthUnavailable)
	}
	return minted, nil
}

// Invalidate drops the cached token; the next Token call mints a fresh one.
func (t *tokenSource) Invalidate() {
	t.mu.Lock()
	t.cached = sessionToken{}
	t.mu.Unlock()
}
