package dosespot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	tokenPath         = "/oauth/token"
	tokenScope        = "eprescribe"
	tokenFlightKey    = "token"
	defaultTokenTTL   = 3600
	tokenExpiryMargin = 60 * time.Second
	maxTokenBodyBytes = 64 << 10
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// tokenSource caches one bearer token per client. Concurrent misses share a
// single grant request.
type tokenSource struct {
	c *Client

	mu      sync.RWMutex
	token   string
	expires time.Time

	group singleflight.Group
}

func newTokenSource(c *Client) *tokenSource {
	return &tokenSource{c: c}
}

// Token returns the cached token or fetches a new one when it is absent or
// within the expiry margin.
func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.RLock()
	tok, exp := ts.token, ts.expires
	ts.mu.RUnlock()
	if tok != "" && ts.c.now().Before(exp) {
		return tok, nil
	}
	return ts.refresh(ctx)
}

// Invalidate drops the cached token if it is still the one the vendor
// rejected. A token already replaced by another goroutine is kept.
func (ts *tokenSource) Invalidate(stale string) {
	ts.mu.Lock()
	if ts.token == stale {
		ts.token = ""
		ts.expires = time.Time{}
	}
	ts.mu.Unlock()
}

func (ts *tokenSource) refresh(ctx context.Context) (string, error) {
	// The shared fetch must outlive any single caller's cancellation.
	ch := ts.group.DoChan(tokenFlightKey, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ts.c.cfg.Timeout)
		defer cancel()
		return ts.fetch(fctx)
	})
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("dosespot: authenticate: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (ts *tokenSource) fetch(ctx context.Context) (string, error) {
	c := ts.c
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"scope":         {tokenScope},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error().Str("endpoint", tokenPath).Bool("timeout", isTimeout(err)).Msg("authentication failed")
		return "", &APIError{Method: http.MethodPost, Endpoint: tokenPath, Attempts: 1, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBodyBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read token response: %v", ErrAuthentication, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error().Str("endpoint", tokenPath).Int("status", resp.StatusCode).Msg("authentication failed")
		// Transient token failures go through the caller's retry policy.
		if isRetryableStatus(resp.StatusCode) {
			return "", &APIError{Method: http.MethodPost, Endpoint: tokenPath, StatusCode: resp.StatusCode, Attempts: 1}
		}
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrAuthentication, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("%w: decode token response: %v", ErrAuthentication, err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrAuthentication)
	}
	ttl := tr.ExpiresIn
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}

	now := c.now()
	ts.mu.Lock()
	ts.token = tr.AccessToken
	ts.expires = now.Add(time.Duration(ttl)*time.Second - tokenExpiryMargin)
	ts.mu.Unlock()

	c.logger.Info().
		Str("endpoint", tokenPath).
		Int("status", resp.StatusCode).
		Dur("latency", now.Sub(start)).
		Msg("authenticated")
	return tr.AccessToken, nil
}

// expiry exposes the cached deadline for tests.
func (ts *tokenSource) expiry() time.Time {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.expires
}
