// Package dosespot is the HTTP transport to the DoseSpot e-prescribing API.
//
// The client owns the OAuth2 client-credentials token, retries transient
// failures with exponential backoff, attaches idempotency keys to draft and
// send calls and verifies inbound webhook signatures. It holds no business
// rules. Request and response bodies may carry PHI and are never logged.
package dosespot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ehr/erx/internal/platform/hipaa"
	"github.com/ehr/erx/internal/platform/webhook"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultRetryBaseDelay = time.Second
	maxResponseBytes      = 4 << 20
)

// ErrAuthentication is returned when the token endpoint rejects the
// credentials, or when the vendor still answers 401 after one forced refresh.
// Transient token endpoint failures surface as *APIError instead.
var ErrAuthentication = errors.New("dosespot: authentication failed")

// Config carries the vendor credentials and transport tuning.
type Config struct {
	BaseURL        string
	ClientID       string
	ClientSecret   string
	ClinicID       string
	WebhookSecret  string
	WebhookMode    string // strict (default) or permissive
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RateLimitRPS   float64 // 0 disables client-side throttling
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}
	return c
}

// APIError is a non-2xx answer (or a transport failure when StatusCode is 0)
// that survived the retry policy.
type APIError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Attempts   int
	// Body is the vendor response with PHI members redacted.
	Body string
	Err  error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("dosespot: %s %s failed after %d attempt(s): %v", e.Method, e.Endpoint, e.Attempts, e.Err)
	}
	return fmt.Sprintf("dosespot: %s %s returned %d after %d attempt(s)", e.Method, e.Endpoint, e.StatusCode, e.Attempts)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrAuthentication
	}
	return e.Err
}

// Temporary reports whether the failure was transient (429, 5xx, network).
func (e *APIError) Temporary() bool {
	return isRetryableStatus(e.StatusCode)
}

func isRetryableStatus(code int) bool {
	return code == 0 || code == http.StatusTooManyRequests || (code >= 500 && code < 600)
}

type Option func(*Client)

// WithHTTPClient replaces the default client. The client is copied and the
// copy's Timeout is set from Config.Timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client talks to one DoseSpot clinic. Safe for concurrent use.
type Client struct {
	cfg      Config
	http     *http.Client
	tokens   *tokenSource
	limiter  *rate.Limiter
	verifier *webhook.Verifier
	logger   zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

func New(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("dosespot: base URL, client id and client secret are required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("dosespot: invalid base URL: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: zerolog.Nop(),
		sleep:  sleepCtx,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	hc := *c.http
	hc.Timeout = cfg.Timeout
	c.http = &hc
	c.logger = c.logger.With().Str("component", "dosespot").Logger()

	if cfg.RateLimitRPS > 0 {
		burst := int(cfg.RateLimitRPS)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}
	c.verifier = webhook.NewVerifier(cfg.WebhookSecret, cfg.WebhookMode, c.logger)
	c.tokens = newTokenSource(c)
	return c, nil
}

// ClinicID is the vendor clinic every request is scoped to.
func (c *Client) ClinicID() string { return c.cfg.ClinicID }

// Authenticate performs the client-credentials grant now and caches the
// result. Concurrent callers share one request.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.tokens.refresh(ctx)
	return err
}

// GenerateIdempotencyKey returns a fresh key for one logical vendor action.
// Retries of that action must reuse it.
func GenerateIdempotencyKey() string {
	return "ds-" + uuid.NewString()
}

// VerifyWebhookSignature checks an inbound callback against the configured
// secret and strictness.
func (c *Client) VerifyWebhookSignature(payload []byte, signature string) error {
	return c.verifier.Verify(payload, signature)
}

type request struct {
	method         string
	path           string
	query          url.Values
	body           any
	idempotencyKey string
}

// do executes r under the retry policy and decodes a 2xx body into out.
//
// 429, 5xx and transport errors are retried up to MaxRetries times with
// RetryBaseDelay * 2^(retry-1) between attempts. Transient token endpoint
// failures share the same budget. A 401 invalidates the token and replays
// once without consuming a retry. Other 4xx answers return immediately.
func (c *Client) do(ctx context.Context, r request, out any) error {
	var payload []byte
	if r.body != nil {
		var err error
		if payload, err = json.Marshal(r.body); err != nil {
			return fmt.Errorf("dosespot: encode %s %s: %w", r.method, r.path, err)
		}
	}

	var (
		retries   int
		attempts  int
		refreshed bool
	)
	for {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			var tokErr *APIError
			if !errors.As(err, &tokErr) || !tokErr.Temporary() || ctx.Err() != nil || retries >= c.cfg.MaxRetries {
				return err
			}
			retries++
			if err := c.backoff(ctx, r, tokErr.StatusCode, retries); err != nil {
				return err
			}
			continue
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("dosespot: rate limiter: %w", err)
			}
		}

		attempts++
		status, body, sendErr := c.send(ctx, r, payload, token, attempts)

		if sendErr == nil && status >= 200 && status < 300 {
			if out == nil || len(bytes.TrimSpace(body)) == 0 {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("dosespot: decode %s %s: %w", r.method, r.path, err)
			}
			return nil
		}

		if sendErr != nil && ctx.Err() != nil {
			return fmt.Errorf("dosespot: %s %s: %w", r.method, r.path, ctx.Err())
		}

		apiErr := &APIError{
			Method:     r.method,
			Endpoint:   r.path,
			StatusCode: status,
			Attempts:   attempts,
			Err:        sendErr,
		}
		if sendErr == nil {
			apiErr.Body = hipaa.RedactJSON(body)
		}

		if status == http.StatusUnauthorized && !refreshed {
			refreshed = true
			c.tokens.Invalidate(token)
			c.logger.Warn().Str("method", r.method).Str("endpoint", r.path).Msg("token rejected, refreshing once")
			continue
		}
		if !isRetryableStatus(status) || retries >= c.cfg.MaxRetries {
			return apiErr
		}

		retries++
		if err := c.backoff(ctx, r, status, retries); err != nil {
			return err
		}
	}
}

func (c *Client) backoff(ctx context.Context, r request, status, retry int) error {
	delay := c.cfg.RetryBaseDelay * time.Duration(1<<(retry-1))
	c.logger.Warn().
		Str("method", r.method).
		Str("endpoint", r.path).
		Int("status", status).
		Int("retry", retry).
		Int("max_retries", c.cfg.MaxRetries).
		Dur("delay", delay).
		Msg("retrying vendor request")
	if err := c.sleep(ctx, delay); err != nil {
		return fmt.Errorf("dosespot: %s %s: %w", r.method, r.path, err)
	}
	return nil
}

// send performs one HTTP exchange. The body reader is rebuilt per attempt.
func (c *Client) send(ctx context.Context, r request, payload []byte, token string, attempt int) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.cfg.BaseURL+r.path, body)
	if err != nil {
		return 0, nil, err
	}
	if len(r.query) > 0 {
		req.URL.RawQuery = r.query.Encode()
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", r.idempotencyKey)
	}

	start := c.now()
	resp, err := c.http.Do(req)
	latency := c.now().Sub(start)
	if err != nil {
		c.logger.Error().
			Str("method", r.method).
			Str("endpoint", r.path).
			Int("attempt", attempt).
			Dur("latency", latency).
			Bool("timeout", isTimeout(err)).
			Msg("vendor request failed")
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	evt := c.logger.Info()
	if resp.StatusCode >= 400 {
		evt = c.logger.Warn()
	}
	evt.Str("method", r.method).
		Str("endpoint", r.path).
		Int("status", resp.StatusCode).
		Int("attempt", attempt).
		Dur("latency", latency).
		Msg("vendor request")

	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
