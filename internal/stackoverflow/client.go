// Package stackoverflow wraps the Stack Exchange API: OAuth code exchange,
// the /me lookup used at registration time, and the unread-notification
// read the poller runs on every cycle.
//
// All payloads are parsed into strict intermediate structs here; loosely
// shaped data never leaves this package. Failures collapse into the
// taxonomy in errors.go.
package stackoverflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sorelay/internal/domain"
	"sorelay/pkg/logx"
)

const (
	defaultBaseURL       = "https://api.stackexchange.com/2.3"
	defaultOAuthEntryURL = "https://stackoverflow.com/oauth"
	defaultOAuthTokenURL = "https://stackoverflow.com/oauth/access_token/json"

	siteStackOverflow = "stackoverflow"
	filterDefault     = "default"

	// Applied when the API rejects us for throttling without saying for
	// how long.
	defaultRetryAfter = time.Minute
)

type Config struct {
	ClientID     string
	ClientSecret string
	Key          string

	// Overridable for tests; empty means the public endpoints.
	BaseURL       string
	OAuthEntryURL string
	OAuthTokenURL string

	RequestTimeout time.Duration
	RatePerSec     int
	UserAgent      string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(c.OAuthEntryURL) == "" {
		c.OAuthEntryURL = defaultOAuthEntryURL
	}
	if strings.TrimSpace(c.OAuthTokenURL) == "" {
		c.OAuthTokenURL = defaultOAuthTokenURL
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = "sorelay"
	}
	return c
}

// Client is safe for concurrent use across accounts. Calls are rate limited
// per access token, and an API-issued backoff holds further calls for that
// token until it elapses.
type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger

	mu        sync.Mutex
	limiters  map[domain.AccessToken]*rate.Limiter
	holdUntil map[domain.AccessToken]time.Time
}

func New(cfg Config, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.RequestTimeout},
		log:       log,
		limiters:  map[domain.AccessToken]*rate.Limiter{},
		holdUntil: map[domain.AccessToken]time.Time{},
	}
}

// EntryURL builds the OAuth authorize redirect for the registration flow.
func (c *Client) EntryURL(redirectURI, state string) string {
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("scope", "read_inbox,no_expiry")
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	return c.cfg.OAuthEntryURL + "?" + q.Encode()
}

// ExchangeCode trades an OAuth code for an access token.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (domain.AccessToken, error) {
	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OAuthTokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", &UnavailableError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	res, err := c.http.Do(req)
	if err != nil {
		return "", &UnavailableError{Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", &UnavailableError{Err: err}
	}
	if res.StatusCode >= 500 {
		return "", &UnavailableError{Status: res.StatusCode}
	}
	if res.StatusCode != http.StatusOK {
		return "", &MalformedError{Err: fmt.Errorf("token exchange rejected (status %d): %s",
			res.StatusCode, truncateBody(body))}
	}

	var tr accessTokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", &MalformedError{Err: err}
	}
	if strings.TrimSpace(tr.AccessToken) == "" {
		return "", &MalformedError{Err: errors.New("token exchange response missing access_token")}
	}
	return domain.AccessToken(tr.AccessToken), nil
}

// CurrentUser resolves the token's network account. Used once, during
// registration.
func (c *Client) CurrentUser(ctx context.Context, token domain.AccessToken) (User, error) {
	items, err := apiGet[User](c, ctx, token, "/me", filterDefault)
	if err != nil {
		return User{}, err
	}
	if len(items) != 1 {
		return User{}, &MalformedError{Err: fmt.Errorf("/me returned %d results, want 1", len(items))}
	}
	return items[0], nil
}

// UnreadNotifications fetches the account's unread notifications, oldest
// semantics as returned by the API. This is the poller's fetch operation.
func (c *Client) UnreadNotifications(ctx context.Context, token domain.AccessToken) ([]Item, error) {
	return apiGet[Item](c, ctx, token, "/me/notifications/unread", filterDefault)
}

// apiGet runs one authenticated API read and maps every outcome onto the
// package error taxonomy.
func apiGet[T any](c *Client, ctx context.Context, token domain.AccessToken, endpoint, filter string) ([]T, error) {
	if err := c.acquire(ctx, token); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("key", c.cfg.Key)
	q.Set("site", siteStackOverflow)
	q.Set("access_token", string(token))
	q.Set("filter", filter)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		retry := retryAfterHeader(res, defaultRetryAfter)
		c.hold(token, retry)
		return nil, &RateLimitedError{RetryAfter: retry}
	case res.StatusCode >= 500:
		return nil, &UnavailableError{Status: res.StatusCode}
	}

	var w wrapper[T]
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, &MalformedError{Err: err}
	}

	if w.ErrorID != 0 {
		switch w.ErrorID {
		case apiErrThrottleViolation:
			c.hold(token, defaultRetryAfter)
			return nil, &RateLimitedError{RetryAfter: defaultRetryAfter}
		case apiErrInternalError, apiErrTemporarilyUnavailable:
			return nil, &UnavailableError{Status: w.ErrorID}
		default:
			return nil, &APIError{ID: w.ErrorID, Name: w.ErrorName, Message: w.ErrorMessage}
		}
	}
	if res.StatusCode != http.StatusOK {
		return nil, &MalformedError{Err: fmt.Errorf("unexpected status %d: %s",
			res.StatusCode, truncateBody(body))}
	}

	// The API can ask for a pause even on success; honor it for this token.
	if w.Backoff > 0 {
		c.hold(token, time.Duration(w.Backoff)*time.Second)
	}
	if c.log.Enabled(logx.LevelTrace) {
		c.log.Trace("api quota", logx.Int("remaining", w.QuotaRemaining), logx.Int("max", w.QuotaMax))
	}

	return w.Items, nil
}

// acquire enforces the per-token pacing: an active API-issued hold turns
// into RateLimited immediately (the caller must not burn the quota), then
// the steady-state limiter spaces calls out.
func (c *Client) acquire(ctx context.Context, token domain.AccessToken) error {
	c.mu.Lock()
	until, held := c.holdUntil[token]
	if held && time.Now().Before(until) {
		c.mu.Unlock()
		return &RateLimitedError{RetryAfter: time.Until(until)}
	}
	if held {
		delete(c.holdUntil, token)
	}
	lim := c.limiters[token]
	if lim == nil {
		lim = rate.NewLimiter(rate.Limit(c.cfg.RatePerSec), 1)
		c.limiters[token] = lim
	}
	c.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return err
	}
	return nil
}

func (c *Client) hold(token domain.AccessToken, d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	until := time.Now().Add(d)
	if until.After(c.holdUntil[token]) {
		c.holdUntil[token] = until
	}
	c.mu.Unlock()
}

func retryAfterHeader(res *http.Response, def time.Duration) time.Duration {
	v := strings.TrimSpace(res.Header.Get("Retry-After"))
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

func truncateBody(b []byte) string {
	const maxN = 256
	s := strings.TrimSpace(string(b))
	if len(s) > maxN {
		return s[:maxN] + "..."
	}
	return s
}
