// Package fetcher is the resilient outbound HTTP client shared by every source
// adapter, plus the CSV/XLSX readers used by catalog import.
package fetcher

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/catalog-enricher/internal/config"
	"github.com/sells-group/catalog-enricher/internal/metrics"
	"github.com/sells-group/catalog-enricher/internal/resilience"
)

// Default limits for hosts without an explicit HostLimit.
const (
	defaultRatePerSec = 20
	defaultBurst      = 20
)

// HostLimit is the pacing applied to one host.
type HostLimit struct {
	RatePerSec  float64
	Burst       int
	MinInterval time.Duration
}

// Options configures the Client.
type Options struct {
	UserAgent string
	Timeout   time.Duration
	Retry     resilience.RetryConfig
	// MaxRetryAfter is the longest Retry-After the client will sleep through.
	// Longer waits block the host and return *resilience.RateLimitExceeded.
	MaxRetryAfter time.Duration
	Hosts         map[string]HostLimit
	Transport     http.RoundTripper
}

// OptionsFromConfig builds client options from the http and sources config
// sections. Host limits are keyed by the host of each source's base URL.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		UserAgent:     cfg.HTTP.UserAgent,
		Timeout:       time.Duration(cfg.HTTP.TimeoutSecs) * time.Second,
		Retry:         resilience.FromHTTPConfig(cfg.HTTP),
		MaxRetryAfter: time.Duration(cfg.HTTP.MaxRetryAfterSecs) * time.Second,
		Hosts:         make(map[string]HostLimit),
	}
	for _, sc := range cfg.Sources {
		if !sc.Enabled || sc.BaseURL == "" {
			continue
		}
		u, err := url.Parse(sc.BaseURL)
		if err != nil || u.Host == "" {
			continue
		}
		opts.Hosts[u.Host] = HostLimit{
			RatePerSec:  sc.RatePerSec,
			Burst:       sc.Burst,
			MinInterval: time.Duration(sc.MinIntervalMs) * time.Millisecond,
		}
	}
	return opts
}

// AdaptiveLimiter wraps a rate.Limiter that halves its rate on 429 and climbs
// back by 20% per success. It never exceeds the configured rate.
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive limiter capped at initialRate.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	if burst < 1 {
		burst = 1
	}
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%, up to the configured rate.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentRate >= a.maxRate {
		return
	}
	newRate := a.currentRate * 1.2
	if newRate > a.maxRate {
		newRate = a.maxRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

// OnRateLimit halves the rate, down to a quarter of the configured rate.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 0.5
	if newRate < a.minRate {
		newRate = a.minRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// hostState is the per-host bookkeeping. sem is a one-slot semaphore that
// serializes requests to the host; other hosts are unaffected.
type hostState struct {
	sem         chan struct{}
	limiter     *AdaptiveLimiter
	minInterval time.Duration

	mu           sync.Mutex
	lastRequest  time.Time
	failureCount int
	blockedUntil time.Time
}

func (h *hostState) acquire(ctx context.Context) error {
	select {
	case h.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *hostState) release() { <-h.sem }

func (h *hostState) blockedFor(now time.Time) (time.Duration, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.blockedUntil.After(now) {
		return h.blockedUntil.Sub(now), h.blockedUntil
	}
	return 0, time.Time{}
}

// HostSnapshot is the externally visible state of one host.
type HostSnapshot struct {
	FailureCount int       `json:"failure_count"`
	BlockedUntil time.Time `json:"blocked_until,omitzero"`
	Rate         float64   `json:"rate_per_sec"`
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RequestOption mutates an outgoing request.
type RequestOption func(*http.Request)

// WithHeader sets a request header.
func WithHeader(key, value string) RequestOption {
	return func(r *http.Request) { r.Header.Set(key, value) }
}

// WithBasicAuth sets HTTP basic credentials.
func WithBasicAuth(username, password string) RequestOption {
	return func(r *http.Request) { r.SetBasicAuth(username, password) }
}

// Client performs GET/POST requests with per-host pacing, retry of transient
// failures and Retry-After handling. It is safe for concurrent use.
type Client struct {
	http *http.Client
	opts Options
	log  *zap.Logger

	mu    sync.Mutex
	hosts map[string]*hostState

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewClient creates a Client, applying defaults for zero options.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "catalog-enricher/1.0"
	}
	if opts.MaxRetryAfter <= 0 {
		opts.MaxRetryAfter = 30 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConnsPerHost: 10,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	return &Client{
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:    opts,
		log:     zap.L().With(zap.String("component", "fetcher")),
		hosts:   make(map[string]*hostState),
		nowFunc: time.Now,
	}
}

func (c *Client) host(name string) *hostState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.hosts[name]; ok {
		return h
	}
	lim, ok := c.opts.Hosts[name]
	if !ok || lim.RatePerSec <= 0 {
		lim.RatePerSec = defaultRatePerSec
		if lim.Burst <= 0 {
			lim.Burst = defaultBurst
		}
	}
	h := &hostState{
		sem:         make(chan struct{}, 1),
		limiter:     NewAdaptiveLimiter(rate.Limit(lim.RatePerSec), lim.Burst),
		minInterval: lim.MinInterval,
	}
	c.hosts[name] = h
	return h
}

// Hosts returns a snapshot of every host the client has talked to.
func (c *Client) Hosts() map[string]HostSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]HostSnapshot, len(c.hosts))
	for name, h := range c.hosts {
		h.mu.Lock()
		out[name] = HostSnapshot{
			FailureCount: h.failureCount,
			BlockedUntil: h.blockedUntil,
			Rate:         float64(h.limiter.Limit()),
		}
		h.mu.Unlock()
	}
	return out
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, rawURL string, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodGet, rawURL, nil, opts)
}

// Post issues a POST request with the given body.
func (c *Client) Post(ctx context.Context, rawURL string, body []byte, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodPost, rawURL, body, opts)
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, opts []RequestOption) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse url %q", rawURL)
	}
	h := c.host(u.Host)

	if err := c.waitBlocked(ctx, u.Host, h); err != nil {
		return nil, err
	}
	if err := h.acquire(ctx); err != nil {
		return nil, eris.Wrap(err, "fetcher: acquire host slot")
	}
	defer h.release()

	var (
		lastErr    error
		lastStatus int
	)
attempts:
	for attempt := 0; attempt < c.opts.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.waitBlocked(ctx, u.Host, h); err != nil {
				return nil, err
			}
		}
		if err := c.pace(ctx, h); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader(body))
		if err != nil {
			return nil, eris.Wrap(err, "fetcher: create request")
		}
		req.Header.Set("User-Agent", c.opts.UserAgent)
		req.Header.Set("Accept", "application/json")
		for _, opt := range opts {
			opt(req)
		}

		start := c.nowFunc()
		resp, err := c.http.Do(req)
		if err != nil {
			metrics.RecordSourceRequest(u.Host, 0, time.Since(start))
			if ctx.Err() != nil {
				return nil, eris.Wrap(ctx.Err(), "fetcher: request cancelled")
			}
			lastErr, lastStatus = err, 0
			c.recordFailure(h)
			c.log.Warn("request failed, retrying",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			if c.backoff(ctx, attempt) != nil {
				break attempts
			}
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		metrics.RecordSourceRequest(u.Host, resp.StatusCode, time.Since(start))
		if readErr != nil {
			lastErr, lastStatus = readErr, resp.StatusCode
			c.recordFailure(h)
			if c.backoff(ctx, attempt) != nil {
				break attempts
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			h.limiter.OnRateLimit()
			wait := ParseRetryAfter(resp.Header.Get("Retry-After"), c.nowFunc())
			if wait > c.opts.MaxRetryAfter {
				until := c.block(h, wait)
				metrics.SourceRateLimited.WithLabelValues(u.Host, "deferred").Inc()
				c.log.Warn("rate limited beyond ceiling, deferring host",
					zap.String("host", u.Host),
					zap.Duration("retry_after", wait),
				)
				return nil, &resilience.RateLimitExceeded{Host: u.Host, RetryAfter: wait, Until: until}
			}
			metrics.SourceRateLimited.WithLabelValues(u.Host, "waited").Inc()
			lastErr, lastStatus = eris.Errorf("http 429 from %s", u.Host), resp.StatusCode
			if wait <= 0 {
				wait = resilience.Backoff(attempt, c.opts.Retry)
			}
			if attempt == c.opts.Retry.MaxAttempts-1 {
				until := c.block(h, wait)
				return nil, &resilience.RateLimitExceeded{Host: u.Host, RetryAfter: wait, Until: until}
			}
			if resilience.Sleep(ctx, wait) != nil {
				return nil, eris.Wrap(ctx.Err(), "fetcher: request cancelled")
			}
			continue

		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			lastErr, lastStatus = eris.Errorf("http %d from %s", resp.StatusCode, u.Host), resp.StatusCode
			c.recordFailure(h)
			c.log.Warn("server error, retrying",
				zap.String("url", rawURL),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			if c.backoff(ctx, attempt) != nil {
				break attempts
			}
			continue
		}

		c.recordSuccess(h)
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
	}

	if ctx.Err() != nil {
		return nil, eris.Wrap(ctx.Err(), "fetcher: request cancelled")
	}
	return nil, resilience.NewTransientError(
		eris.Wrapf(lastErr, "fetcher: %s %s: retries exhausted", method, u.Host),
		lastStatus,
	)
}

// waitBlocked sleeps through a short block and fails fast on a long one.
func (c *Client) waitBlocked(ctx context.Context, host string, h *hostState) error {
	remaining, until := h.blockedFor(c.nowFunc())
	if remaining <= 0 {
		return nil
	}
	if remaining > c.opts.MaxRetryAfter {
		return &resilience.RateLimitExceeded{Host: host, RetryAfter: remaining, Until: until}
	}
	if err := resilience.Sleep(ctx, remaining); err != nil {
		return eris.Wrap(err, "fetcher: wait for host unblock")
	}
	return nil
}

// pace applies the token bucket and the minimum spacing between requests.
func (c *Client) pace(ctx context.Context, h *hostState) error {
	if err := h.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "fetcher: rate limiter wait")
	}
	if h.minInterval > 0 {
		h.mu.Lock()
		wait := h.lastRequest.Add(h.minInterval).Sub(c.nowFunc())
		h.mu.Unlock()
		if err := resilience.Sleep(ctx, wait); err != nil {
			return eris.Wrap(err, "fetcher: min interval wait")
		}
	}
	h.mu.Lock()
	h.lastRequest = c.nowFunc()
	h.mu.Unlock()
	return nil
}

func (c *Client) backoff(ctx context.Context, attempt int) error {
	if attempt >= c.opts.Retry.MaxAttempts-1 {
		return nil
	}
	return resilience.Sleep(ctx, resilience.Backoff(attempt, c.opts.Retry))
}

func (c *Client) block(h *hostState, d time.Duration) time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	until := c.nowFunc().Add(d)
	if until.After(h.blockedUntil) {
		h.blockedUntil = until
	}
	return h.blockedUntil
}

func (c *Client) recordFailure(h *hostState) {
	h.mu.Lock()
	h.failureCount++
	h.mu.Unlock()
}

func (c *Client) recordSuccess(h *hostState) {
	h.mu.Lock()
	h.failureCount = 0
	h.blockedUntil = time.Time{}
	h.mu.Unlock()
	h.limiter.OnSuccess()
}

// ParseRetryAfter interprets a Retry-After header as delta-seconds or an
// HTTP date. Missing or malformed values yield zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func bodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}
